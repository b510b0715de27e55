package pipeline

import (
	"errors"
	"fmt"
)

// permanence is implemented by errors that must never be retried.
// Schema, parse, precondition and authorization failures implement it;
// everything else is treated as transient per the stage retry policy.
type permanence interface {
	Permanent() bool
}

// permanentError marks an arbitrary error as non-retryable.
type permanentError struct {
	err error
}

// Permanent wraps err so the executor will not retry it. A nil err
// returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// IsPermanent reports whether any error in the chain classifies itself
// as permanent.
func IsPermanent(err error) bool {
	for err != nil {
		if p, ok := err.(permanence); ok && p.Permanent() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// MissingKeyError indicates a stage read a bus key that was never
// produced. This is a pipeline wiring defect, not a runtime condition,
// so it is never retried.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("bus key %q is missing", e.Key)
}

func (e *MissingKeyError) Permanent() bool { return true }

// KeyTypeError indicates a bus key held a value of an unexpected type.
// Like MissingKeyError it points at a wiring defect.
type KeyTypeError struct {
	Key  string
	Want string
	Got  string
}

func (e *KeyTypeError) Error() string {
	return fmt.Sprintf("bus key %q holds %s, want %s", e.Key, e.Got, e.Want)
}

func (e *KeyTypeError) Permanent() bool { return true }
