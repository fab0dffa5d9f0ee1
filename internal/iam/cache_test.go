package iam

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/soilsong/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	calls     atomic.Int32
	expiresIn int64
	token     string
	status    int
	gate      chan struct{}
	arrived   chan struct{}
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := p.calls.Add(1)
	if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != grantType || r.Form.Get("apikey") != "key" {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if p.arrived != nil {
		p.arrived <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.status != 0 {
		http.Error(w, "denied", p.status)
		return
	}
	token := p.token
	if token == "" {
		token = "token-" + string(rune('0'+n))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"access_token": token, "expires_in": p.expiresIn})
}

func newCache(t *testing.T, p *fakeProvider, apiKey string) (*TokenCache, time.Time) {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	cache := NewTokenCache(config.IAMConfig{
		URL:            srv.URL,
		APIKey:         apiKey,
		ExpiryBufferMS: 5 * 60 * 1000,
		TimeoutMS:      2000,
	}, srv.Client(), testLogger())
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	return cache, now
}

func TestConcurrentTokenSharesOneFetch(t *testing.T) {
	p := &fakeProvider{expiresIn: 3600, gate: make(chan struct{}), arrived: make(chan struct{}, 1)}
	cache, _ := newCache(t, p, "key")

	var wg sync.WaitGroup
	results := make([]Credential, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Token(context.Background())
		}()
	}

	<-p.arrived
	time.Sleep(50 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, results[0], results[1])
}

func TestTokenRefreshesInsideBuffer(t *testing.T) {
	p := &fakeProvider{expiresIn: int64((4 * time.Minute).Seconds())}
	cache, now := newCache(t, p, "key")

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(4*time.Minute), first.ExpiresAt)

	second, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.NotEqual(t, first.Token, second.Token)
}

func TestTokenReusedOutsideBuffer(t *testing.T) {
	p := &fakeProvider{expiresIn: int64((6 * time.Minute).Seconds())}
	cache, _ := newCache(t, p, "key")

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	second, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, first, second)
}

func TestForceRefreshReplacesCredential(t *testing.T) {
	p := &fakeProvider{expiresIn: 3600}
	cache, _ := newCache(t, p, "key")

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	refreshed, err := cache.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, refreshed.Token)

	again, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, refreshed, again)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestMissingAPIKeyFailsWithoutNetwork(t *testing.T) {
	p := &fakeProvider{expiresIn: 3600}
	cache, _ := newCache(t, p, "")

	_, err := cache.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestProviderRejectionIsAuthError(t *testing.T) {
	p := &fakeProvider{status: http.StatusBadRequest}
	cache, _ := newCache(t, p, "key")

	_, err := cache.Token(context.Background())
	require.Error(t, err)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusBadRequest, authErr.Status)
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestExpiryFallsBackToTokenClaim(t *testing.T) {
	exp := time.Date(2026, 4, 1, 13, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("secret"))
	require.NoError(t, err)

	p := &fakeProvider{token: signed}
	cache, _ := newCache(t, p, "key")

	cred, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.Equal(exp))
}

func TestOpaqueTokenWithoutExpiryFails(t *testing.T) {
	p := &fakeProvider{token: "opaque"}
	cache, _ := newCache(t, p, "key")

	_, err := cache.Token(context.Background())
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestCallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	p := &fakeProvider{expiresIn: 3600, gate: make(chan struct{}), arrived: make(chan struct{}, 1)}
	cache, _ := newCache(t, p, "key")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Token(ctx)
		done <- err
	}()
	<-p.arrived
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(p.gate)
	require.Eventually(t, func() bool {
		cache.mu.RLock()
		defer cache.mu.RUnlock()
		return cache.current != nil
	}, time.Second, 10*time.Millisecond)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}
