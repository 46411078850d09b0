package save

// Vec3 is a position or scale component of an entity transform.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat is an entity orientation as a quaternion.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuat is the no-rotation orientation.
func IdentityQuat() Quat { return Quat{W: 1} }

// UnitScale is the default entity scale.
func UnitScale() Vec3 { return Vec3{X: 1, Y: 1, Z: 1} }

// EntityRecord is the saved state of one entity. Records are created only
// inside Save, are immutable input to Load, and are discarded once
// reconciliation completes.
//
// TemplateID is a pointer so the wire format can distinguish "no template"
// (null/omitted) from an empty template name.
type EntityRecord struct {
	ID         string  `json:"id"`
	TemplateID *string `json:"template_id,omitempty"`
	Position   Vec3    `json:"position"`
	Rotation   Quat    `json:"rotation"`
	Scale      Vec3    `json:"scale"`
	Active     bool    `json:"active"`
	Payload    string  `json:"payload"`
	TypeTag    string  `json:"type_tag"`
}

// HasTemplate reports whether the record can be re-created from a template.
func (r EntityRecord) HasTemplate() bool {
	return r.TemplateID != nil && *r.TemplateID != ""
}

// Template returns the template id, or "" when the record has none.
func (r EntityRecord) Template() string {
	if r.TemplateID == nil {
		return ""
	}
	return *r.TemplateID
}

// TemplateRef builds a TemplateID pointer for record construction.
func TemplateRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// WorldSnapshot is the full saved game: every entity record plus top-level
// global state. Record order is preserved for deterministic diffing.
type WorldSnapshot struct {
	SaveID    string         `json:"save_id"`
	WorldName string         `json:"world_name"`
	Records   []EntityRecord `json:"records"`
	Globals   map[string]any `json:"globals"`
}
