package save

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSlotNotFound is returned by a SnapshotStore when the slot has no
	// snapshot. The registry treats this as a warn-and-ignore condition.
	ErrSlotNotFound = errors.New("save: slot not found")

	// ErrLoadInProgress rejects reentrant Save/Load while a load is suspended
	// on a world switch or mid-reconciliation.
	ErrLoadInProgress = errors.New("save: load in progress")

	// ErrEmptyPersistID rejects registration of an entity without a stable id.
	ErrEmptyPersistID = errors.New("save: empty persist id")

	// ErrDuplicateID rejects a second live object claiming an id already held.
	ErrDuplicateID = errors.New("save: duplicate persist id")
)

// LoadError summarizes records that could not be applied during
// reconciliation. The load itself still counts as applied; the caller may
// inspect the skipped ids.
type LoadError struct {
	SaveID  string
	Skipped []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("save: load %s applied with %d skipped record(s): %s",
		e.SaveID, len(e.Skipped), strings.Join(e.Skipped, ", "))
}
