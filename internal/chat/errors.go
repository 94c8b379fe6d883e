package chat

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Stage names the pipeline step a request was in when it failed.
type Stage string

const (
	StageValidating Stage = "validating"
	StageAugmenting Stage = "augmenting"
	StageGenerating Stage = "generating"
	StagePersisting Stage = "persisting"
)

// StageError tags a failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// ValidationError rejects a request before any external call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

// StorageError wraps a failed store operation. Transient failures
// (connection trouble, deadlines) are worth retrying; constraint
// violations are not.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// storeErr wraps a gorm error into a StorageError. Record-not-found passes
// through untouched so callers can map it to their own not-found handling.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	transient := !errors.Is(err, gorm.ErrDuplicatedKey) && !errors.Is(err, gorm.ErrInvalidData)
	return &StorageError{Op: op, Transient: transient, Err: err}
}
