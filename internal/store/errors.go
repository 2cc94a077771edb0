package store

import (
	"errors"
	"fmt"
)

// Errors returned by the Mutator.
//
// Check them with errors.Is():
//
//	if errors.Is(err, store.ErrLockTimeout) {
//	    // another writer held the document for the whole retry budget
//	}
var (
	// ErrLockTimeout is returned when a live lock outlasted every acquisition
	// attempt. The document was not touched.
	ErrLockTimeout = errors.New("timed out waiting for document lock")

	// ErrTaskNotFound is returned when no task carries the requested id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDocumentCorrupt is returned when the document is not valid JSON or
	// has neither the flat nor the tagged shape.
	ErrDocumentCorrupt = errors.New("task document is corrupt")

	// ErrRollbackFailed is returned when a failed mutation could not be rolled
	// back. The backup file named in the RollbackError is still on disk.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrUnknownOperation is returned for operation names the Mutator does
	// not implement. It is a programming error and is never retried.
	ErrUnknownOperation = errors.New("unknown update operation")
)

// RollbackError is returned when restoring the backup failed after a failed
// mutation. Manual recovery from Backup is required.
type RollbackError struct {
	Document string
	Backup   string

	// Cause is the failure that triggered the rollback.
	Cause error

	// Err is the rollback failure itself.
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v: restore %s from %s manually (cause: %v; rollback: %v)",
		ErrRollbackFailed, e.Document, e.Backup, e.Cause, e.Err)
}

func (e *RollbackError) Unwrap() []error {
	return []error{ErrRollbackFailed, e.Cause}
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsFatal returns true if the document may need manual recovery.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRollbackFailed)
}
