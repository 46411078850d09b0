package system

import (
	"time"

	"github.com/worldvault/server/internal/core/event"
	coresys "github.com/worldvault/server/internal/core/system"
)

// EventDispatchSystem rotates the event bus buffers at tick start and
// delivers last tick's events. Phase 0 (Dispatch).
type EventDispatchSystem struct {
	bus *event.Bus
}

func NewEventDispatchSystem(bus *event.Bus) *EventDispatchSystem {
	return &EventDispatchSystem{bus: bus}
}

func (s *EventDispatchSystem) Phase() coresys.Phase { return coresys.PhaseDispatch }

func (s *EventDispatchSystem) Update(_ time.Duration) {
	s.bus.SwapBuffers()
	s.bus.DispatchAll()
}
