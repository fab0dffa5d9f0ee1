package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	mu       sync.Mutex
	loadErr  error
	loadGate chan struct{}
	status   Status
	duration int64
	loads    int
	plays    int
	pauses   int
	unloads  int
	seeks    []int64
	calls    []string
}

func newFakeTransport(duration int64) *fakeTransport {
	return &fakeTransport{duration: duration}
}

func (f *fakeTransport) Load(ctx context.Context, locator string) (Status, error) {
	f.mu.Lock()
	f.loads++
	f.calls = append(f.calls, "load")
	gate, err := f.loadGate, f.loadErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	if err != nil {
		return Status{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = Status{Loaded: true, DurationMillis: f.duration}
	return f.status, nil
}

func (f *fakeTransport) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	f.calls = append(f.calls, "play")
	f.status.IsPlaying = true
	return nil
}

func (f *fakeTransport) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	f.calls = append(f.calls, "pause")
	f.status.IsPlaying = false
	return nil
}

func (f *fakeTransport) Seek(_ context.Context, pos int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, pos)
	f.calls = append(f.calls, "seek")
	f.status.PositionMillis = pos
	return nil
}

func (f *fakeTransport) Status(context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeTransport) Unload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	f.calls = append(f.calls, "unload")
	f.status = Status{}
	return nil
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakeTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	chans  []chan time.Time
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.delays = append(f.delays, d)
	f.chans = append(f.chans, ch)
	return ch
}

func (f *fakeTimer) fire(i int) {
	f.mu.Lock()
	ch := f.chans[i]
	f.mu.Unlock()
	ch <- time.Now()
}

func (f *fakeTimer) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

type switchConnectivity struct{ online atomic.Bool }

func (s *switchConnectivity) Connected(context.Context) bool { return s.online.Load() }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, transport Transport, opts Options) *Controller {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = -1
	}
	opts.Logger = discardLogger()
	c := NewController(transport, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLoadFailuresBackOffThenStop(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	transport.loadErr = errors.New("connection reset")
	timer := &fakeTimer{}
	c := newTestController(t, transport, Options{After: timer.After})

	err := c.Load(ctx, "http://audio/soil.mp3")
	require.Error(t, err)
	assert.Equal(t, StateError, c.Session().State)
	require.Equal(t, []time.Duration{time.Second}, timer.scheduled())

	timer.fire(0)
	require.Eventually(t, func() bool { return len(timer.scheduled()) == 2 }, waitFor, tick)
	timer.fire(1)
	require.Eventually(t, func() bool { return len(timer.scheduled()) == 3 }, waitFor, tick)
	timer.fire(2)
	require.Eventually(t, func() bool { return transport.loadCount() == 4 }, waitFor, tick)

	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, timer.scheduled())
	session := c.Session()
	assert.Equal(t, StateError, session.State)
	assert.Equal(t, 3, session.RetryCount)
	assert.Error(t, session.LastError)

	err = c.Retry(ctx)
	require.Error(t, err)
	assert.Equal(t, 5, transport.loadCount())
	assert.Equal(t, 1, c.Session().RetryCount)
	assert.Equal(t, time.Second, timer.scheduled()[3])
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	transport.loadErr = errors.New("timeout")
	timer := &fakeTimer{}
	c := newTestController(t, transport, Options{After: timer.After})

	require.Error(t, c.Load(ctx, "http://audio/soil.mp3"))
	transport.set(func(f *fakeTransport) { f.loadErr = nil })
	timer.fire(0)

	require.Eventually(t, func() bool { return c.Session().State == StateReady }, waitFor, tick)
	session := c.Session()
	assert.Equal(t, int64(10_000), session.DurationMillis)
	assert.Zero(t, session.RetryCount)
	assert.NoError(t, session.LastError)
}

func TestLoadWithoutConnectivitySkipsTransport(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	online := &switchConnectivity{}
	restored := make(chan struct{}, 1)
	timer := &fakeTimer{}
	c := newTestController(t, transport, Options{
		Connectivity: online,
		Restored:     restored,
		After:        timer.After,
	})

	err := c.Load(ctx, "http://audio/soil.mp3")
	require.ErrorIs(t, err, ErrNoConnectivity)
	assert.Zero(t, transport.loadCount())
	assert.Equal(t, StateError, c.Session().State)

	online.online.Store(true)
	restored <- struct{}{}
	require.Eventually(t, func() bool { return c.Session().State == StateReady }, waitFor, tick)
	assert.Equal(t, 1, transport.loadCount())
	assert.Zero(t, c.Session().RetryCount)
}

func TestPlayPauseTransitions(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := newTestController(t, transport, Options{})

	err := c.Play(ctx)
	require.ErrorIs(t, err, ErrInvalidState)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "play", stateErr.Op)
	assert.Equal(t, StateIdle, stateErr.State)
	require.ErrorIs(t, c.Seek(ctx, 10), ErrInvalidState)

	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))
	assert.Equal(t, StateReady, c.Session().State)
	require.NoError(t, c.Pause(ctx))
	transport.set(func(f *fakeTransport) { assert.Zero(t, f.pauses) })

	require.NoError(t, c.Play(ctx))
	session := c.Session()
	assert.Equal(t, StatePlaying, session.State)
	assert.True(t, session.IsPlaying)
	assert.False(t, session.IsBuffering)

	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, StatePaused, c.Session().State)
	transport.set(func(f *fakeTransport) { assert.Equal(t, 1, f.pauses) })
}

func TestPlayReportsBufferingUntilTransportClears(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := newTestController(t, transport, Options{})
	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))

	transport.set(func(f *fakeTransport) { f.status.IsBuffering = true })
	require.NoError(t, c.Play(ctx))
	assert.True(t, c.Session().IsBuffering)
	require.ErrorIs(t, c.Pause(ctx), ErrBuffering)
	require.ErrorIs(t, c.Play(ctx), ErrBuffering)

	transport.set(func(f *fakeTransport) {
		f.status.IsBuffering = false
		f.status.PositionMillis = 300
	})
	require.NoError(t, c.Refresh(ctx))
	session := c.Session()
	assert.False(t, session.IsBuffering)
	assert.Equal(t, StatePlaying, session.State)
	assert.Equal(t, int64(300), session.PositionMillis)
	require.NoError(t, c.Pause(ctx))
}

func TestSeekClampsToDuration(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := newTestController(t, transport, Options{})
	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))

	require.NoError(t, c.Seek(ctx, 25_000))
	assert.Equal(t, int64(10_000), c.Session().PositionMillis)
	require.NoError(t, c.Seek(ctx, -50))
	assert.Equal(t, int64(0), c.Session().PositionMillis)
	transport.set(func(f *fakeTransport) { assert.Equal(t, []int64{10_000, 0}, f.seeks) })
}

func TestEndOfTrackResetsToReady(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := newTestController(t, transport, Options{})
	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))
	require.NoError(t, c.Play(ctx))

	transport.set(func(f *fakeTransport) {
		f.status = Status{Loaded: true, PositionMillis: 10_000, DurationMillis: 10_000, DidJustFinish: true}
	})
	require.NoError(t, c.Refresh(ctx))
	session := c.Session()
	assert.Equal(t, StateReady, session.State)
	assert.Zero(t, session.PositionMillis)
	assert.False(t, session.IsPlaying)
}

func TestBackgroundForegroundRestoresPosition(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	lifecycle := make(chan LifecycleEvent)
	c := newTestController(t, transport, Options{Lifecycle: lifecycle})

	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))
	require.NoError(t, c.Play(ctx))
	transport.set(func(f *fakeTransport) { f.status.PositionMillis = 4_200 })

	lifecycle <- Background
	require.Eventually(t, func() bool { return c.Session().State == StatePaused }, waitFor, tick)
	assert.Equal(t, int64(4_200), c.Session().PositionMillis)
	transport.set(func(f *fakeTransport) { assert.Equal(t, 1, f.pauses) })

	gate := make(chan struct{})
	transport.set(func(f *fakeTransport) {
		f.status = Status{}
		f.loadGate = gate
	})
	lifecycle <- Foreground
	require.Eventually(t, func() bool { return c.Session().State == StateLoading }, waitFor, tick)
	require.ErrorIs(t, c.Play(ctx), ErrRestoring)

	close(gate)
	require.Eventually(t, func() bool { return c.Session().State == StatePaused }, waitFor, tick)
	assert.Equal(t, int64(4_200), c.Session().PositionMillis)
	assert.Equal(t, 2, transport.loadCount())
	transport.set(func(f *fakeTransport) { assert.Equal(t, []int64{4_200}, f.seeks) })

	require.NoError(t, c.Play(ctx))
	assert.Equal(t, StatePlaying, c.Session().State)
}

func TestForegroundWithLiveTransportKeepsPause(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	lifecycle := make(chan LifecycleEvent)
	c := newTestController(t, transport, Options{Lifecycle: lifecycle})

	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))
	require.NoError(t, c.Play(ctx))
	transport.set(func(f *fakeTransport) { f.status.PositionMillis = 1_500 })
	lifecycle <- Background
	lifecycle <- Foreground

	require.NoError(t, c.Refresh(ctx))
	session := c.Session()
	assert.Equal(t, StatePaused, session.State)
	assert.Equal(t, int64(1_500), session.PositionMillis)
	assert.Equal(t, 1, transport.loadCount())
}

func TestCloseStopsEverything(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := NewController(transport, Options{PollInterval: 10 * time.Millisecond, Logger: discardLogger()})

	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))
	updates, _ := c.Subscribe()
	require.NoError(t, c.Play(ctx))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	transport.set(func(f *fakeTransport) {
		assert.Equal(t, []string{"load", "play", "pause", "unload"}, f.calls)
	})
	for range updates {
	}
	require.ErrorIs(t, c.Play(ctx), ErrClosed)
	assert.Equal(t, StatePaused, c.Session().State)
}

func TestNewLoadReleasesPreviousAsset(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := newTestController(t, transport, Options{})

	require.NoError(t, c.Load(ctx, "http://audio/one.mp3"))
	require.NoError(t, c.Load(ctx, "http://audio/two.mp3"))
	transport.set(func(f *fakeTransport) {
		assert.Equal(t, []string{"load", "unload", "load"}, f.calls)
	})
	assert.Equal(t, "http://audio/two.mp3", c.Session().Locator)
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport(10_000)
	c := newTestController(t, transport, Options{})

	updates, cancel := c.Subscribe()
	require.NoError(t, c.Load(ctx, "http://audio/soil.mp3"))

	select {
	case s := <-updates:
		assert.Equal(t, StateReady, s.State)
	case <-time.After(waitFor):
		t.Fatal("no snapshot delivered")
	}
	cancel()
	_, open := <-updates
	assert.False(t, open)
}
