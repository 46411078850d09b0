package system

import (
	"context"
	"errors"
	"time"

	coresys "github.com/worldvault/server/internal/core/system"
	"github.com/worldvault/server/internal/save"
	"go.uber.org/zap"
)

// AutosaveSystem periodically snapshots the whole live world into the
// configured slot. Phase 2 (Persist).
type AutosaveSystem struct {
	reg       *save.Registry
	slot      string
	log       *zap.Logger
	tickCount int
	interval  int // auto-save every N ticks; 0 disables
}

func NewAutosaveSystem(reg *save.Registry, slot string, log *zap.Logger, intervalTicks int) *AutosaveSystem {
	return &AutosaveSystem{
		reg:      reg,
		slot:     slot,
		log:      log,
		interval: intervalTicks,
	}
}

func (s *AutosaveSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *AutosaveSystem) Update(_ time.Duration) {
	if s.interval <= 0 {
		return
	}
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	s.SaveNow()
}

// SaveNow persists immediately, ignoring the tick counter. Called for
// graceful shutdown so no state is lost.
func (s *AutosaveSystem) SaveNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.reg.Save(ctx, s.slot); err != nil {
		if errors.Is(err, save.ErrLoadInProgress) {
			// 世界切換期間略過本次自動存檔，下個週期再試
			s.tickCount = s.interval
			return
		}
		s.log.Error("自動存檔失敗", zap.String("slot", s.slot), zap.Error(err))
	}
}
