package entity

import (
	"fmt"

	"github.com/worldvault/server/internal/save"
)

// Entity kind names used by templates and scene files.
const (
	KindPlayer      = "Player"
	KindCollectible = "Collectible"
	KindDoor        = "Door"
)

// Base carries the fields every world entity shares: stable id, transform
// and active flag. Concrete kinds embed it and own only their payload.
type Base struct {
	id     string
	pos    save.Vec3
	rot    save.Quat
	scale  save.Vec3
	active bool
}

func newBase(id string) Base {
	return Base{
		id:     id,
		rot:    save.IdentityQuat(),
		scale:  save.UnitScale(),
		active: true,
	}
}

func (b *Base) PersistID() string { return b.id }

func (b *Base) SetTransform(pos save.Vec3, rot save.Quat, scale save.Vec3) {
	b.pos, b.rot, b.scale = pos, rot, scale
}

func (b *Base) Position() save.Vec3 { return b.pos }

func (b *Base) SetPosition(pos save.Vec3) { b.pos = pos }

func (b *Base) SetActive(active bool) { b.active = active }

func (b *Base) IsActive() bool { return b.active }

// record fills the registry-owned record fields; the caller adds payload,
// type tag and template.
func (b *Base) record(typeTag, templateID, payload string) save.EntityRecord {
	return save.EntityRecord{
		ID:         b.id,
		TemplateID: save.TemplateRef(templateID),
		Position:   b.pos,
		Rotation:   b.rot,
		Scale:      b.scale,
		Active:     b.active,
		Payload:    payload,
		TypeTag:    typeTag,
	}
}

// Factory constructs entities by kind name. Both the template resolver and
// the scene loader go through it, so scene-authored and template-spawned
// entities share constructors.
type Factory struct{}

func (Factory) New(kind string, reg *save.Registry, rec save.EntityRecord) (save.PersistentEntity, error) {
	switch kind {
	case KindPlayer:
		return NewPlayer(reg, rec.ID)
	case KindCollectible:
		return NewCollectible(reg, rec.ID, rec.Template())
	case KindDoor:
		return NewDoor(reg, rec.ID)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}
