package core

import (
	"errors"
	"fmt"
	"strings"

	"fluencecore/pkg/domain"
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity domain.EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// DateRangeReason classifies a rejected irradiation window.
type DateRangeReason string

const (
	// ReasonOrdering means DateOut does not follow DateIn.
	ReasonOrdering DateRangeReason = "ordering"
	// ReasonFuture means a date lies after the current time.
	ReasonFuture DateRangeReason = "future"
	// ReasonOverlap means the window collides with another open record of
	// the same sample and dosimeter.
	ReasonOverlap DateRangeReason = "overlap"
)

// DateRangeError rejects an irradiation whose dates are inconsistent.
type DateRangeError struct {
	IrradiationID string
	Reason        DateRangeReason
	Detail        string
}

func (e *DateRangeError) Error() string {
	id := e.IrradiationID
	if id == "" {
		id = "(new)"
	}
	return fmt.Sprintf("irradiation %s: invalid date range (%s): %s", id, e.Reason, e.Detail)
}

// RecordFailure pairs a record ID with the error that stopped it.
type RecordFailure struct {
	ID  string
	Err error
}

// BatchError reports the records of a batch operation that failed. Records
// not listed succeeded and were committed.
type BatchError struct {
	Operation string
	Failures  []RecordFailure
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.ID, f.Err))
	}
	return fmt.Sprintf("%s failed for %d record(s): %s", e.Operation, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every per-record cause to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// FailedIDs lists the IDs of failed records in batch order.
func (e *BatchError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ID)
	}
	return ids
}

func batchErr(op string, failures []RecordFailure) error {
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{Operation: op, Failures: failures}
}

// errFeedUnavailable stands in for a missing beam source.
var errFeedUnavailable = errors.New("beam charge feed not configured")
