package steps

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ContentionError reports that another worker actively holds the item's
// lease. It is always safe to retry and must never consume the item's
// attempt budget: attempts count lease acquisitions, and a contended acquire
// never happened.
type ContentionError struct {
	ItemID uuid.UUID
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("item %s: lease held by another worker", e.ItemID)
}

// TransientError wraps a backing-call failure that still has attempt budget
// left. It crosses the operation boundary so the hosting runtime reschedules
// the whole operation after backoff; the idempotency guard and the lease make
// the replay safe.
type TransientError struct {
	ItemID uuid.UUID
	Stage  string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("item %s: transient failure during %s: %v", e.ItemID, e.Stage, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsContention reports whether err is lease contention.
func IsContention(err error) bool {
	var ce *ContentionError
	return errors.As(err, &ce)
}
