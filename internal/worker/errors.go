package worker

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrPersistence          = errors.New("persistence failed")
	ErrOffline              = errors.New("offline")
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")
	ErrSyncInProgress       = errors.New("sync pass in progress")
)

// PassError reports the operation a pass halted on.
type PassError struct {
	OperationID string
	RetryCount  int
	Evicted     bool
	Err         error
}

func (e *PassError) Error() string {
	if e.Evicted {
		return fmt.Sprintf("operation %s evicted after %d attempts: %v", e.OperationID, e.RetryCount, e.Err)
	}
	return fmt.Sprintf("operation %s failed (attempt %d): %v", e.OperationID, e.RetryCount, e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

// Is lets an eviction match ErrRetryCeilingExceeded.
func (e *PassError) Is(target error) bool {
	return e.Evicted && target == ErrRetryCeilingExceeded
}

func isPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
