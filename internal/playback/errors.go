package playback

import (
	"errors"
	"fmt"
)

var (
	ErrNoConnectivity = errors.New("playback: no connectivity")
	ErrInvalidState   = errors.New("playback: invalid state")
	ErrBuffering      = errors.New("playback: buffering")
	ErrRestoring      = errors.New("playback: restoring after background")
	ErrReleased       = errors.New("playback: transport released")
	ErrClosed         = errors.New("playback: controller closed")
)

// InvalidStateError rejects an operation that the current state does not allow.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("playback: %s not allowed while %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
