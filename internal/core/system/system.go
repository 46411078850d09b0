package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseDispatch Phase = iota // 0: deliver last tick's events
	PhaseUpdate                // 1: game logic / entity simulation
	PhasePersist               // 2: autosave
)

// System is the interface every tick system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
