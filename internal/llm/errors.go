package llm

import (
	"errors"
	"fmt"
)

// ErrInference matches every failure to obtain a usable narrative.
var ErrInference = errors.New("llm: inference failed")

const (
	ReasonAuth        = "auth"
	ReasonUnparseable = "unparseable"
	ReasonNetwork     = "network"
	ReasonTimeout     = "timeout"
	ReasonProvider    = "provider"
	ReasonEmpty       = "empty"
)

type InferenceError struct {
	Reason string
	Status int
	Err    error
}

func (e *InferenceError) Error() string {
	msg := "llm: inference failed (" + e.Reason + ")"
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Is(target error) bool { return target == ErrInference }
