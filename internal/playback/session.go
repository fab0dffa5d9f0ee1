package playback

import (
	"context"
	"fmt"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a snapshot of what the controller believes about playback.
// Buffering is reported through IsBuffering while State is StatePlaying.
type Session struct {
	State          State
	Locator        string
	PositionMillis int64
	DurationMillis int64
	IsPlaying      bool
	IsBuffering    bool
	LastError      error
	RetryCount     int
}

// Status is what a transport reports about its loaded resource.
type Status struct {
	Loaded         bool
	PositionMillis int64
	DurationMillis int64
	IsPlaying      bool
	IsBuffering    bool
	DidJustFinish  bool
}

// Transport plays one audio resource at a time.
type Transport interface {
	Load(ctx context.Context, locator string) (Status, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, positionMillis int64) error
	Status(ctx context.Context) (Status, error)
	Unload(ctx context.Context) error
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Connected(ctx context.Context) bool
}

type LifecycleEvent int

const (
	Background LifecycleEvent = iota + 1
	Foreground
)

func (e LifecycleEvent) String() string {
	switch e {
	case Background:
		return "background"
	case Foreground:
		return "foreground"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(e))
	}
}
