package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a sync state change would move a sample backwards.
	ErrInvalidTransition = errors.New("invalid sync state transition")
	// ErrSampleNotFound is returned when no buffered sample has the given client id.
	ErrSampleNotFound = errors.New("sample not found")
	// ErrRangeUnavailable is matched by RangeUnavailableError.
	ErrRangeUnavailable = errors.New("range unavailable")
)

// ValidationError reports a malformed sample or request. Such input is never buffered.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransientSyncError wraps a remote failure that is expected to succeed on retry
// (network errors, timeouts, server unavailability).
type TransientSyncError struct {
	ClientID string
	Err      error
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("transient sync error for %s: %v", e.ClientID, e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// PermanentSyncError wraps a remote refusal that will never succeed, e.g. a schema rejection.
type PermanentSyncError struct {
	ClientID string
	Err      error
}

func (e *PermanentSyncError) Error() string {
	return fmt.Sprintf("permanent sync error for %s: %v", e.ClientID, e.Err)
}

func (e *PermanentSyncError) Unwrap() error { return e.Err }

// RangeUnavailableError is returned when the samples backing a query range were purged.
type RangeUnavailableError struct {
	From time.Time
	To   time.Time
}

func (e *RangeUnavailableError) Error() string {
	return fmt.Sprintf("range [%s, %s) unavailable: samples purged",
		e.From.UTC().Format(time.RFC3339), e.To.UTC().Format(time.RFC3339))
}

func (e *RangeUnavailableError) Is(target error) bool {
	return target == ErrRangeUnavailable
}

// IsPermanent reports whether err carries a PermanentSyncError.
func IsPermanent(err error) bool {
	var p *PermanentSyncError
	return errors.As(err, &p)
}

// IsTransient reports whether err should be retried. Anything that is not
// explicitly permanent is treated as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
