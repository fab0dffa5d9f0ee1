package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeServer struct {
	*httptest.Server
	stories atomic.Int32
	healthy atomic.Bool
	status  int
	body    string
}

func newFakeServer(t *testing.T, status int, body string) *fakeServer {
	t.Helper()
	f := &fakeServer{status: status, body: body}
	f.healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/story", func(w http.ResponseWriter, r *http.Request) {
		f.stories.Add(1)
		var req StoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":"ok","service":"soil-song-api","mode":"mock","timestamp":"2026-01-01T00:00:00Z"}`)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

const storyBody = `{"requestId":"r-1","story":"The soil hums.","audioUri":"/audio/soil_story_1.mp3","audioDurationMs":5000,` +
	`"analysis":{"soil_health":{"score":80,"category":"Good","max_score":100},"issues":[],"recommendations":[],"suitable_plants":["Tomatoes"]}}`

func TestSubmitFallsBackToNextServer(t *testing.T) {
	broken := newFakeServer(t, http.StatusInternalServerError, `{"error":"Failed to generate soil story"}`)
	good := newFakeServer(t, http.StatusOK, storyBody)

	c, err := New([]string{"http://127.0.0.1:1", broken.URL, good.URL + "/"}, nil, discardLogger())
	require.NoError(t, err)

	resp, err := c.Submit(context.Background(), StoryRequest{PH: 6.5, Moisture: 40})
	require.NoError(t, err)
	assert.Equal(t, "The soil hums.", resp.Story)
	assert.Equal(t, good.URL, resp.Server)
	assert.Equal(t, []string{"Tomatoes"}, resp.Analysis.SuitablePlants)
	assert.Equal(t, 80, resp.Analysis.SoilHealth.Score)
	assert.Equal(t, good.URL, c.Active())
	assert.EqualValues(t, 1, broken.stories.Load())

	_, err = c.Submit(context.Background(), StoryRequest{PH: 6.5, Moisture: 40})
	require.NoError(t, err)
	assert.EqualValues(t, 1, broken.stories.Load())
	assert.EqualValues(t, 2, good.stories.Load())
}

func TestSubmitClientErrorIsNotRetried(t *testing.T) {
	rejecting := newFakeServer(t, http.StatusBadRequest, `{"error":"pH must be between 0 and 14"}`)
	good := newFakeServer(t, http.StatusOK, storyBody)

	c, err := New([]string{rejecting.URL, good.URL}, nil, discardLogger())
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), StoryRequest{PH: 15, Moisture: 40})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "pH must be between 0 and 14", apiErr.Message)
	assert.Zero(t, good.stories.Load())
}

func TestSubmitAllServersDown(t *testing.T) {
	c, err := New([]string{"http://127.0.0.1:1", "http://127.0.0.1:2"}, nil, discardLogger())
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), StoryRequest{PH: 7, Moisture: 50})
	require.ErrorIs(t, err, ErrNoServer)
	assert.Empty(t, c.Active())
}

func TestSubmitAttemptTimeout(t *testing.T) {
	stop := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(stop) })
	good := newFakeServer(t, http.StatusOK, storyBody)

	c, err := New([]string{slow.URL, good.URL}, nil, discardLogger())
	require.NoError(t, err)
	c.submitTimeout = 50 * time.Millisecond

	resp, err := c.Submit(context.Background(), StoryRequest{PH: 7, Moisture: 50})
	require.NoError(t, err)
	assert.Equal(t, good.URL, resp.Server)
}

func TestHealthAndResolveAudio(t *testing.T) {
	down := newFakeServer(t, http.StatusOK, storyBody)
	down.healthy.Store(false)
	up := newFakeServer(t, http.StatusOK, storyBody)

	c, err := New([]string{down.URL, up.URL}, nil, discardLogger())
	require.NoError(t, err)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "mock", h.Mode)
	assert.Equal(t, up.URL, c.Active())

	abs, err := c.ResolveAudio("/audio/soil_story_1.mp3")
	require.NoError(t, err)
	assert.Equal(t, up.URL+"/audio/soil_story_1.mp3", abs)

	abs, err = c.ResolveAudio("https://cdn.example.com/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.mp3", abs)
}

func TestCheckerWatchSignalsRecovery(t *testing.T) {
	srv := newFakeServer(t, http.StatusOK, storyBody)
	srv.healthy.Store(false)
	c, err := New([]string{srv.URL}, nil, discardLogger())
	require.NoError(t, err)
	checker := NewChecker(c)
	assert.False(t, checker.Connected(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	restored := checker.Watch(ctx, 10*time.Millisecond)
	srv.healthy.Store(true)

	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("expected restored signal")
	}
	assert.True(t, checker.Connected(context.Background()))
}

func TestNewRejectsEmptyServers(t *testing.T) {
	_, err := New([]string{" ", ""}, nil, discardLogger())
	require.Error(t, err)
	_, err = New([]string{"not a url"}, nil, discardLogger())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoServer))
}
