package entity

import (
	"encoding/json"
	"fmt"

	"github.com/worldvault/server/internal/save"
)

// Collectible is a dynamic pickup (coin, gem, ...) re-creatable from its
// template when absent from the live world at load time.
type Collectible struct {
	Base
	template string
	Value    int
}

type collectiblePayload struct {
	Value int `json:"value"`
}

func NewCollectible(reg *save.Registry, id, templateID string) (*Collectible, error) {
	c := &Collectible{
		Base:     newBase(id),
		template: templateID,
	}
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collectible) Capture() save.EntityRecord {
	payload, _ := json.Marshal(collectiblePayload{Value: c.Value})
	return c.record(KindCollectible, c.template, string(payload))
}

func (c *Collectible) Restore(rec save.EntityRecord) error {
	if rec.Payload == "" {
		return nil
	}
	var pl collectiblePayload
	if err := json.Unmarshal([]byte(rec.Payload), &pl); err != nil {
		return fmt.Errorf("collectible %s payload: %w", c.PersistID(), err)
	}
	c.Value = pl.Value
	return nil
}

func (c *Collectible) WantsTemplateSpawn() bool { return c.template != "" }
func (c *Collectible) TemplateID() string       { return c.template }
