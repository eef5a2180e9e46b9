package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks malformed frames, compression envelopes or CRDT payloads.
	ErrDecode = errors.New("decode error")
	// ErrValidation marks a snapshot that violates its collab type structure.
	ErrValidation = errors.New("validation error")
	// ErrCapacityExceeded marks a write rejected by the plan storage limit.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrBusy marks a saturated router or actor. Callers retry with backoff.
	ErrBusy = errors.New("busy")
	// ErrNotFound marks an unknown object or session.
	ErrNotFound = errors.New("not found")
	// ErrInternal marks an unexpected failure.
	ErrInternal = errors.New("internal error")
)

var kinds = []error{ErrDecode, ErrValidation, ErrCapacityExceeded, ErrBusy, ErrNotFound, ErrInternal}

// Error is the typed failure returned across component boundaries.
type Error struct {
	kind error
	code string
	err  error
}

// NewError builds an Error with an "<operation>.<reason>" code.
func NewError(kind error, operation, reason string, cause error) error {
	return &Error{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.code, e.kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches the error kind sentinel.
func (e *Error) Is(target error) bool {
	return target == e.kind
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the taxonomy sentinel.
func (e *Error) Kind() error {
	return e.kind
}

// KindOf classifies err into the taxonomy. Unclassified errors are Internal.
func KindOf(err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

// Retryable reports whether the caller should retry the identical request later.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == ErrBusy
}

// RequiresResync reports whether a realtime client should resynchronize from a full
// snapshot instead of retrying the identical update.
func RequiresResync(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	return kind == ErrDecode || kind == ErrValidation
}
