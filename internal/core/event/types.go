package event

// Save/load lifecycle events emitted by the entity registry.

// SnapshotSaved fires after a snapshot has been written to its slot.
type SnapshotSaved struct {
	SaveID   string
	Slot     string
	World    string
	Entities int
}

// SnapshotLoaded fires after reconciliation completes (even partially).
type SnapshotLoaded struct {
	SaveID   string
	Slot     string
	World    string
	Matched  int
	Orphaned int
	Spawned  int
	Skipped  int
}

// EntityOrphaned fires for a live entity that had no record in the loaded
// snapshot. The entity is deactivated but stays registered.
type EntityOrphaned struct {
	ID string
}

// EntitySpawned fires for a record re-instantiated from a template.
type EntitySpawned struct {
	ID         string
	TemplateID string
}

// TemplateMissing fires when a record's template could not be resolved and
// the record was skipped.
type TemplateMissing struct {
	ID         string
	TemplateID string
}
