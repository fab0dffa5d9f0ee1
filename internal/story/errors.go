package story

import "errors"

var (
	// ErrValidation matches rejected observations. They are never retried.
	ErrValidation = errors.New("story: invalid observation")
	// ErrTimeout marks requests that ran past the end-to-end ceiling.
	ErrTimeout = errors.New("story: request timed out")
)

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
