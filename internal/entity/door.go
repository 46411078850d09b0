package entity

import (
	"encoding/json"
	"fmt"

	"github.com/worldvault/server/internal/save"
)

// Door is scene-authored world furniture; only its open state persists.
type Door struct {
	Base
	Open bool
}

type doorPayload struct {
	Open bool `json:"open"`
}

func NewDoor(reg *save.Registry, id string) (*Door, error) {
	d := &Door{Base: newBase(id)}
	if err := reg.Register(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Door) Capture() save.EntityRecord {
	payload, _ := json.Marshal(doorPayload{Open: d.Open})
	return d.record(KindDoor, "", string(payload))
}

func (d *Door) Restore(rec save.EntityRecord) error {
	if rec.Payload == "" {
		return nil
	}
	var pl doorPayload
	if err := json.Unmarshal([]byte(rec.Payload), &pl); err != nil {
		return fmt.Errorf("door %s payload: %w", d.PersistID(), err)
	}
	d.Open = pl.Open
	return nil
}

func (d *Door) WantsTemplateSpawn() bool { return false }
func (d *Door) TemplateID() string       { return "" }
