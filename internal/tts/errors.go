package tts

import (
	"errors"
	"fmt"
)

// ErrSynthesis matches every synthesis failure.
var ErrSynthesis = errors.New("tts: synthesis failed")

// SynthesisError reports which segment failed. Segment is 1-based and zero
// when the failure is not tied to a segment.
type SynthesisError struct {
	Segment int
	Reason  string
	Err     error
}

func (e *SynthesisError) Error() string {
	msg := "tts: " + e.Reason
	if e.Segment > 0 {
		msg = fmt.Sprintf("tts: segment %d failed", e.Segment)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesis }
