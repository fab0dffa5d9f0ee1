package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	maxRetries          = 3
	shutdownTimeout     = 5 * time.Second
)

type Options struct {
	Connectivity Connectivity
	// Lifecycle delivers host application background/foreground changes.
	Lifecycle <-chan LifecycleEvent
	// Restored fires when the network comes back.
	Restored <-chan struct{}
	// PollInterval defaults to DefaultPollInterval. Negative disables polling.
	PollInterval time.Duration
	After        func(time.Duration) <-chan time.Time
	Logger       *slog.Logger
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

type restoreResult struct {
	status Status
	err    error
}

// Controller owns one transport. Every state change happens on a single
// goroutine fed by user commands, status polls, lifecycle and connectivity
// events, and retry timers.
type Controller struct {
	transport    Transport
	connectivity Connectivity
	pollInterval time.Duration
	after        func(time.Duration) <-chan time.Time
	logger       *slog.Logger
	loads        metric.Int64Counter

	ctx       context.Context
	cancel    context.CancelFunc
	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	restoreWG sync.WaitGroup

	mu       sync.Mutex
	snapshot Session

	// owned by the event loop
	session      Session
	lifecycle    <-chan LifecycleEvent
	restored     <-chan struct{}
	backoff      *backoff.ExponentialBackOff
	retryC       <-chan time.Time
	restoreC     chan restoreResult
	loaded       bool
	restoring    bool
	backgrounded bool
	resumeAt     int64
	subscribers  map[int]chan Session
	nextSub      int
}

func NewController(transport Transport, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	after := opts.After
	if after == nil {
		after = time.After
	}
	poll := opts.PollInterval
	if poll == 0 {
		poll = DefaultPollInterval
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         4 * time.Second,
	}
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		transport:    transport,
		connectivity: opts.Connectivity,
		pollInterval: poll,
		after:        after,
		logger:       logger.With(slog.String("component", "playback")),
		ctx:          ctx,
		cancel:       cancel,
		requests:     make(chan request),
		done:         make(chan struct{}),
		lifecycle:    opts.Lifecycle,
		restored:     opts.Restored,
		backoff:      b,
		restoreC:     make(chan restoreResult, 1),
		subscribers:  make(map[int]chan Session),
	}

	meter := otel.Meter("github.com/loqalabs/soilsong/playback")
	var err error
	if c.loads, err = meter.Int64Counter("soilsong.playback.loads",
		metric.WithDescription("Audio load attempts by outcome")); err != nil {
		c.logger.Warn("failed to create load counter", slogError(err))
	}

	go c.run()
	return c
}

// Session returns the latest snapshot. It stays readable after Close.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe streams snapshots, keeping only the latest one for slow readers.
// The channel closes on Close or when the returned cancel func runs.
func (c *Controller) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 1)
	var id int
	err := c.do(context.Background(), func(context.Context) error {
		id = c.nextSub
		c.nextSub++
		c.subscribers[id] = ch
		ch <- c.session
		return nil
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			_ = c.do(context.Background(), func(context.Context) error {
				if sub, ok := c.subscribers[id]; ok {
					delete(c.subscribers, id)
					close(sub)
				}
				return nil
			})
		})
	}
}

// Load replaces the current asset, starting from position zero.
func (c *Controller) Load(ctx context.Context, locator string) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.restoring {
			return ErrRestoring
		}
		c.session = Session{State: c.session.State, Locator: locator}
		c.resumeAt = 0
		c.resetRetries()
		return c.load(ctx)
	})
}

// Retry reloads after a failure with a fresh attempt budget.
func (c *Controller) Retry(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.restoring {
			return ErrRestoring
		}
		if c.session.State != StateError || c.session.Locator == "" {
			return &InvalidStateError{Op: "retry", State: c.session.State}
		}
		c.resetRetries()
		return c.load(ctx)
	})
}

func (c *Controller) Play(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.restoring {
			return ErrRestoring
		}
		switch c.session.State {
		case StateReady, StatePaused:
		case StatePlaying:
			if c.session.IsBuffering {
				return ErrBuffering
			}
			return nil
		default:
			return &InvalidStateError{Op: "play", State: c.session.State}
		}

		c.session.IsBuffering = true
		c.notify()
		if err := c.transport.Play(ctx); err != nil {
			c.session.IsBuffering = false
			c.resumeAt = c.session.PositionMillis
			return c.fail(fmt.Errorf("playback: play: %w", err))
		}
		c.session.State = StatePlaying
		c.session.IsPlaying = true
		if st, err := c.transport.Status(ctx); err == nil && st.Loaded {
			c.session.IsBuffering = st.IsBuffering
			c.session.PositionMillis = st.PositionMillis
		}
		c.notify()
		return nil
	})
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.restoring {
			return ErrRestoring
		}
		switch c.session.State {
		case StatePlaying:
			if c.session.IsBuffering {
				return ErrBuffering
			}
		case StateReady, StatePaused:
			return nil
		default:
			return &InvalidStateError{Op: "pause", State: c.session.State}
		}

		if err := c.transport.Pause(ctx); err != nil {
			c.resumeAt = c.session.PositionMillis
			return c.fail(fmt.Errorf("playback: pause: %w", err))
		}
		c.session.State = StatePaused
		c.session.IsPlaying = false
		c.session.IsBuffering = false
		if st, err := c.transport.Status(ctx); err == nil && st.Loaded {
			c.session.PositionMillis = st.PositionMillis
		}
		c.notify()
		return nil
	})
}

// Seek clamps the target to the loaded duration.
func (c *Controller) Seek(ctx context.Context, positionMillis int64) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.restoring {
			return ErrRestoring
		}
		switch c.session.State {
		case StateReady, StatePlaying, StatePaused:
		default:
			return &InvalidStateError{Op: "seek", State: c.session.State}
		}
		pos := c.clamp(positionMillis)
		if err := c.transport.Seek(ctx, pos); err != nil {
			return fmt.Errorf("playback: seek: %w", err)
		}
		c.session.PositionMillis = pos
		c.notify()
		return nil
	})
}

// Refresh polls the transport immediately.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		c.poll(ctx)
		return nil
	})
}

// Close pauses active playback, stops the event loop, closes subscriptions
// and unloads the transport. Later calls return the first result.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		reply := make(chan error, 1)
		c.requests <- request{reply: reply}
		err := <-reply
		<-c.done
		c.restoreWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if uerr := c.transport.Unload(ctx); uerr != nil {
			err = errors.Join(err, fmt.Errorf("playback: unload: %w", uerr))
		}
		c.closeErr = err
	})
	return c.closeErr
}

func (c *Controller) do(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case c.requests <- request{ctx: ctx, fn: fn, reply: reply}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Controller) run() {
	defer close(c.done)

	var pollC <-chan time.Time
	if c.pollInterval > 0 {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		select {
		case req := <-c.requests:
			if req.fn == nil {
				req.reply <- c.shutdown()
				return
			}
			req.reply <- c.exec(req)
		case <-pollC:
			c.poll(c.ctx)
		case ev, ok := <-c.lifecycle:
			if !ok {
				c.lifecycle = nil
				continue
			}
			c.handleLifecycle(ev)
		case _, ok := <-c.restored:
			if !ok {
				c.restored = nil
				continue
			}
			c.handleRestored()
		case <-c.retryC:
			c.retryC = nil
			if err := c.load(c.ctx); err != nil {
				c.logger.Warn("audio retry failed", slogError(err), slog.Int("attempt", c.session.RetryCount))
			}
		case res := <-c.restoreC:
			c.finishRestore(res)
		}
	}
}

func (c *Controller) exec(req request) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(req.ctx, cancel)
	defer stop()
	return req.fn(ctx)
}

// load releases any loaded resource and loads the session locator. Failures
// schedule the next retry while attempts remain.
func (c *Controller) load(ctx context.Context) error {
	c.retryC = nil
	if c.connectivity != nil && !c.connectivity.Connected(ctx) {
		c.record(ctx, "offline")
		return c.fail(ErrNoConnectivity)
	}

	if c.loaded {
		if err := c.transport.Unload(ctx); err != nil {
			c.logger.Warn("failed to release previous audio", slogError(err))
		}
		c.loaded = false
	}

	c.session.State = StateLoading
	c.session.IsPlaying = false
	c.session.IsBuffering = false
	c.session.LastError = nil
	c.notify()

	st, err := c.transport.Load(ctx, c.session.Locator)
	if err == nil && c.resumeAt > 0 {
		err = c.transport.Seek(ctx, clampTo(c.resumeAt, st.DurationMillis))
	}
	if err != nil {
		c.record(ctx, "error")
		return c.fail(fmt.Errorf("playback: load %s: %w", c.session.Locator, err))
	}
	c.record(ctx, "ok")
	c.loaded = true
	c.loadedAt(st)
	c.logger.Info("audio loaded",
		slog.String("locator", c.session.Locator),
		slog.Int64("duration_ms", c.session.DurationMillis),
		slog.Int64("position_ms", c.session.PositionMillis))
	return nil
}

// loadedAt settles the session after a successful load or restore.
func (c *Controller) loadedAt(st Status) {
	c.session.DurationMillis = st.DurationMillis
	c.session.PositionMillis = clampTo(c.resumeAt, st.DurationMillis)
	c.session.State = StateReady
	if c.session.PositionMillis > 0 {
		c.session.State = StatePaused
	}
	c.session.IsPlaying = false
	c.session.IsBuffering = false
	c.session.LastError = nil
	c.session.RetryCount = 0
	c.backoff.Reset()
	c.notify()
}

func (c *Controller) fail(err error) error {
	c.session.State = StateError
	c.session.LastError = err
	c.session.IsPlaying = false
	c.session.IsBuffering = false
	if c.ctx.Err() == nil && c.session.RetryCount < maxRetries {
		delay := c.backoff.NextBackOff()
		c.session.RetryCount++
		c.retryC = c.after(delay)
		c.logger.Warn("audio unavailable, retry scheduled",
			slogError(err),
			slog.Int("attempt", c.session.RetryCount),
			slog.Duration("delay", delay))
	} else {
		c.logger.Warn("audio unavailable", slogError(err))
	}
	c.notify()
	return err
}

func (c *Controller) resetRetries() {
	c.session.RetryCount = 0
	c.retryC = nil
	c.backoff.Reset()
}

func (c *Controller) poll(ctx context.Context) {
	if c.restoring || c.backgrounded || !c.loaded {
		return
	}
	switch c.session.State {
	case StateReady, StatePlaying, StatePaused:
	default:
		return
	}

	st, err := c.transport.Status(ctx)
	if err == nil && !st.Loaded {
		c.loaded = false
		err = ErrReleased
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.resumeAt = c.session.PositionMillis
		_ = c.fail(fmt.Errorf("playback: status: %w", err))
		return
	}

	c.session.PositionMillis = st.PositionMillis
	if st.DurationMillis > 0 {
		c.session.DurationMillis = st.DurationMillis
	}
	c.session.IsPlaying = st.IsPlaying
	c.session.IsBuffering = st.IsBuffering
	switch {
	case st.DidJustFinish:
		c.session.State = StateReady
		c.session.PositionMillis = 0
		c.session.IsPlaying = false
		c.session.IsBuffering = false
		if err := c.transport.Seek(ctx, 0); err != nil {
			c.logger.Warn("failed to rewind finished audio", slogError(err))
		}
	case st.IsPlaying:
		c.session.State = StatePlaying
	case c.session.State == StatePlaying && !st.IsBuffering:
		c.session.State = StatePaused
	}
	c.notify()
}

func (c *Controller) handleLifecycle(ev LifecycleEvent) {
	c.logger.Debug("lifecycle event", slog.String("event", ev.String()))
	switch ev {
	case Background:
		if c.backgrounded {
			return
		}
		c.backgrounded = true
		if !c.loaded || c.restoring {
			return
		}
		pos := c.session.PositionMillis
		if st, err := c.transport.Status(c.ctx); err == nil && st.Loaded {
			pos = st.PositionMillis
		}
		c.resumeAt = pos
		c.session.PositionMillis = pos
		if c.session.State == StatePlaying {
			if err := c.transport.Pause(c.ctx); err != nil {
				c.logger.Warn("failed to pause on background", slogError(err))
			}
			c.session.State = StatePaused
			c.session.IsPlaying = false
			c.session.IsBuffering = false
		}
		c.notify()
	case Foreground:
		if !c.backgrounded {
			return
		}
		c.backgrounded = false
		if !c.loaded {
			return
		}
		if st, err := c.transport.Status(c.ctx); err == nil && st.Loaded {
			return
		}
		c.startRestore()
	}
}

// startRestore reloads a released resource off the loop so commands can be
// answered with ErrRestoring meanwhile.
func (c *Controller) startRestore() {
	c.restoring = true
	c.loaded = false
	c.session.State = StateLoading
	c.session.IsPlaying = false
	c.session.IsBuffering = false
	c.notify()
	c.logger.Info("restoring released audio", slog.Int64("position_ms", c.resumeAt))

	ctx, locator, pos := c.ctx, c.session.Locator, c.resumeAt
	c.restoreWG.Add(1)
	go func() {
		defer c.restoreWG.Done()
		if c.connectivity != nil && !c.connectivity.Connected(ctx) {
			c.restoreC <- restoreResult{err: ErrNoConnectivity}
			return
		}
		st, err := c.transport.Load(ctx, locator)
		if err == nil && pos > 0 {
			err = c.transport.Seek(ctx, clampTo(pos, st.DurationMillis))
		}
		c.restoreC <- restoreResult{status: st, err: err}
	}()
}

func (c *Controller) finishRestore(res restoreResult) {
	c.restoring = false
	if res.err != nil {
		c.record(c.ctx, "error")
		_ = c.fail(fmt.Errorf("playback: restore %s: %w", c.session.Locator, res.err))
		return
	}
	c.record(c.ctx, "ok")
	c.loaded = true
	c.loadedAt(res.status)
	c.logger.Info("audio restored", slog.Int64("position_ms", c.session.PositionMillis))
}

func (c *Controller) handleRestored() {
	if c.restoring || c.session.State != StateError || c.session.Locator == "" {
		return
	}
	c.logger.Info("connectivity restored, retrying audio")
	c.resetRetries()
	if err := c.load(c.ctx); err != nil {
		c.logger.Warn("audio retry failed", slogError(err))
	}
}

func (c *Controller) shutdown() error {
	var err error
	if c.loaded && c.session.State == StatePlaying {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if perr := c.transport.Pause(ctx); perr != nil {
			err = fmt.Errorf("playback: pause: %w", perr)
		}
		c.session.State = StatePaused
	}
	c.session.IsPlaying = false
	c.session.IsBuffering = false
	c.retryC = nil
	c.notify()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	return err
}

func (c *Controller) notify() {
	snap := c.session
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (c *Controller) record(ctx context.Context, result string) {
	if c.loads == nil {
		return
	}
	c.loads.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (c *Controller) clamp(pos int64) int64 {
	return clampTo(pos, c.session.DurationMillis)
}

func clampTo(pos, duration int64) int64 {
	if pos < 0 {
		return 0
	}
	if duration > 0 && pos > duration {
		return duration
	}
	return pos
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
