package entity

import (
	"encoding/json"
	"fmt"

	"github.com/worldvault/server/internal/save"
)

// Player is a scene-authored entity: it is never respawned from a template,
// so a player record without a live match is dropped on load.
type Player struct {
	Base
	Name   string
	Health int
	Mana   int
}

type playerPayload struct {
	Name   string `json:"name"`
	Health int    `json:"health"`
	Mana   int    `json:"mana"`
}

// NewPlayer constructs and registers a player. Registration is a side effect
// of construction, per the PersistentEntity lifecycle.
func NewPlayer(reg *save.Registry, id string) (*Player, error) {
	p := &Player{
		Base:   newBase(id),
		Health: 100,
		Mana:   50,
	}
	if err := reg.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Player) Capture() save.EntityRecord {
	payload, _ := json.Marshal(playerPayload{
		Name:   p.Name,
		Health: p.Health,
		Mana:   p.Mana,
	})
	return p.record(KindPlayer, "", string(payload))
}

func (p *Player) Restore(rec save.EntityRecord) error {
	if rec.Payload == "" {
		return nil
	}
	var pl playerPayload
	if err := json.Unmarshal([]byte(rec.Payload), &pl); err != nil {
		return fmt.Errorf("player %s payload: %w", p.PersistID(), err)
	}
	p.Name = pl.Name
	p.Health = pl.Health
	p.Mana = pl.Mana
	return nil
}

func (p *Player) WantsTemplateSpawn() bool { return false }
func (p *Player) TemplateID() string       { return "" }
