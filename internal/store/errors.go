package store

import (
	"errors"
	"fmt"
)

// ConflictError reports an append whose expected version was stale.
type ConflictError struct {
	InvoiceID string
	Expected  int64
	Actual    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on invoice %s: expected %d, found %d", e.InvoiceID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ErrEmptyBatch is returned by Append when called without events.
var ErrEmptyBatch = errors.New("append: no events")
