package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/soilsong/internal/tts"
)

const (
	maxAssetBytes = 64 << 20
	pumpInterval  = 100 * time.Millisecond
)

var errNotLoaded = errors.New("playback: nothing loaded")

// HTTPTransport is a headless transport. It downloads the whole asset, takes
// its duration from the MP3 frames, and advances position with the wall
// clock while playing. When a sink is set, audio bytes are written to it at
// the playback rate.
type HTTPTransport struct {
	client *http.Client
	sink   io.Writer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	data      []byte
	duration  int64
	offset    int64
	startedAt time.Time
	playing   bool
	finished  bool
	written   int
	stopPump  chan struct{}
}

func NewHTTPTransport(client *http.Client, sink io.Writer, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		client: client,
		sink:   sink,
		logger: logger.With(slog.String("component", "http_transport")),
		now:    time.Now,
	}
}

func (t *HTTPTransport) Load(ctx context.Context, locator string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("audio request returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return Status{}, err
	}
	if len(data) > maxAssetBytes {
		return Status{}, fmt.Errorf("audio exceeds %d bytes", maxAssetBytes)
	}
	if len(data) == 0 {
		return Status{}, errors.New("audio is empty")
	}
	duration := tts.MP3Duration(bytes.NewReader(data)).Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.data = data
	t.duration = duration
	t.offset = 0
	t.finished = false
	t.written = 0
	t.logger.Debug("audio downloaded", slog.Int("bytes", len(data)), slog.Int64("duration_ms", duration))
	return t.statusLocked(), nil
}

func (t *HTTPTransport) Play(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data == nil {
		return errNotLoaded
	}
	if t.playing {
		return nil
	}
	if t.finished || (t.duration > 0 && t.offset >= t.duration) {
		t.offset = 0
		t.written = 0
		t.finished = false
	}
	t.playing = true
	t.startedAt = t.now()
	if t.sink != nil {
		t.stopPump = make(chan struct{})
		go t.pump(t.stopPump)
	}
	return nil
}

func (t *HTTPTransport) Pause(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data == nil {
		return errNotLoaded
	}
	t.stopLocked()
	return nil
}

func (t *HTTPTransport) Seek(_ context.Context, positionMillis int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data == nil {
		return errNotLoaded
	}
	t.offset = clampTo(positionMillis, t.duration)
	t.written = t.byteOffset(t.offset)
	t.finished = false
	if t.playing {
		t.startedAt = t.now()
	}
	return nil
}

func (t *HTTPTransport) Status(_ context.Context) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(), nil
}

func (t *HTTPTransport) Unload(_ context.Context) error {
	t.Release()
	return nil
}

// Release drops the loaded audio as if the OS reclaimed it.
func (t *HTTPTransport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.data = nil
	t.duration = 0
	t.offset = 0
	t.finished = false
	t.written = 0
}

func (t *HTTPTransport) statusLocked() Status {
	if t.data == nil {
		return Status{}
	}
	pos := t.positionLocked()
	st := Status{
		Loaded:         true,
		PositionMillis: pos,
		DurationMillis: t.duration,
		IsPlaying:      t.playing,
	}
	if t.playing && t.duration > 0 && pos >= t.duration {
		t.offset = t.duration
		t.stopLocked()
		t.finished = true
		st.IsPlaying = false
		st.DidJustFinish = true
	}
	return st
}

func (t *HTTPTransport) positionLocked() int64 {
	pos := t.offset
	if t.playing {
		pos += t.now().Sub(t.startedAt).Milliseconds()
	}
	return clampTo(pos, t.duration)
}

// stopLocked freezes position and signals the pump, which checks the signal
// under the lock before reading state.
func (t *HTTPTransport) stopLocked() {
	if t.playing {
		t.offset = t.positionLocked()
		t.playing = false
	}
	if t.stopPump != nil {
		close(t.stopPump)
		t.stopPump = nil
	}
}

func (t *HTTPTransport) byteOffset(pos int64) int {
	if t.duration <= 0 {
		return 0
	}
	return int(int64(len(t.data)) * pos / t.duration)
}

func (t *HTTPTransport) pump(stop <-chan struct{}) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		select {
		case <-stop:
			t.mu.Unlock()
			return
		default:
		}
		target := len(t.data)
		if t.duration > 0 {
			target = t.byteOffset(t.positionLocked())
		}
		chunk := t.data[min(t.written, target):target]
		t.written = target
		t.mu.Unlock()
		if len(chunk) == 0 {
			continue
		}
		if _, err := t.sink.Write(chunk); err != nil {
			t.logger.Warn("audio sink write failed", slog.String("error", err.Error()))
			return
		}
	}
}
