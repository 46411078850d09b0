package save

import "context"

// PersistentEntity is the contract every capturable entity implements.
// Entities register themselves with the Registry when they become live and
// unregister exactly once on destruction.
//
// The registry applies transform and active state itself (SetTransform,
// SetActive) before calling Restore, so Restore only has to parse the
// type-specific payload it produced in Capture.
type PersistentEntity interface {
	// PersistID returns the stable identifier, assigned once at authoring
	// time and never reused. Empty is a registration error.
	PersistID() string

	// Capture builds the full saved state: current transform, active flag
	// and the opaque type-specific payload.
	Capture() EntityRecord

	// Restore applies the type-specific payload fields from a record.
	Restore(rec EntityRecord) error

	// WantsTemplateSpawn reports whether this entity kind may be re-created
	// from a template when missing from the live world.
	WantsTemplateSpawn() bool

	// TemplateID is meaningful only when WantsTemplateSpawn is true.
	TemplateID() string

	SetTransform(pos Vec3, rot Quat, scale Vec3)
	SetActive(active bool)
	IsActive() bool
}

// SnapshotStore persists encoded snapshot documents, one slot per document.
// Write must replace the previous content atomically from the reader's
// perspective; Read returns ErrSlotNotFound when the slot is empty.
type SnapshotStore interface {
	Write(ctx context.Context, slot string, data []byte) error
	Read(ctx context.Context, slot string) ([]byte, error)
}

// WorldLoader is the external collaborator that swaps the live world.
// RequestWorld starts the switch and returns a channel closed once the fresh
// world has registered its scene-authored entities. Its internal mechanism
// is opaque to the registry.
type WorldLoader interface {
	CurrentWorld() string
	RequestWorld(ctx context.Context, name string) (<-chan struct{}, error)
}

// GlobalStore holds top-level game state (score, elapsed time, ...) outside
// any single entity. The registry passes the globals map through without
// interpreting it.
type GlobalStore interface {
	CaptureGlobals() map[string]any
	ApplyGlobals(globals map[string]any)
}

// Template is a named prototype a missing entity can be re-instantiated
// from. Spawn must yield a PersistentEntity registered under rec.ID; the
// registry applies transform/active and calls Restore afterwards.
type Template interface {
	Spawn(reg *Registry, rec EntityRecord) (PersistentEntity, error)
}

// TemplateResolver maps a template id to a spawnable Template. A miss is
// reported as (nil, false), never an error; the caller decides how loudly.
type TemplateResolver interface {
	Resolve(templateID string) (Template, bool)
}

// PayloadMigrator optionally rewrites a record payload before it reaches
// Restore, e.g. to upgrade documents written by an older build. It returns
// the (possibly unchanged) payload and whether it was rewritten.
type PayloadMigrator interface {
	Migrate(typeTag, payload string) (string, bool, error)
}
