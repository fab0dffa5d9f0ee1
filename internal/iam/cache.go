// Package iam exchanges a long-lived API key for short-lived bearer tokens
// and caches the current one for concurrent callers.
package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/soilsong/internal/config"
)

const grantType = "urn:ibm:params:oauth:grant-type:apikey"

// Credential is a bearer token and the instant it stops being accepted.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// TokenCache holds at most one credential and refreshes it before expiry.
type TokenCache struct {
	url     string
	apiKey  string
	buffer  time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	current *Credential
	group   singleflight.Group

	refreshes metric.Int64Counter
}

func NewTokenCache(cfg config.IAMConfig, client *http.Client, logger *slog.Logger) *TokenCache {
	if client == nil {
		client = http.DefaultClient
	}
	c := &TokenCache{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		buffer:  config.Duration(cfg.ExpiryBufferMS),
		timeout: config.Duration(cfg.TimeoutMS),
		client:  client,
		logger:  logger.With(slog.String("component", "iam")),
		now:     time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	counter, err := otel.Meter("github.com/loqalabs/soilsong/iam").Int64Counter(
		"soilsong.iam.refreshes",
		metric.WithDescription("Token refreshes against the identity provider"),
	)
	if err != nil {
		c.logger.Warn("failed to create refresh counter", slogError(err))
	}
	c.refreshes = counter
	return c
}

// Token returns the cached credential while it is outside the expiry buffer,
// otherwise it fetches a new one. Concurrent callers share a single fetch.
func (c *TokenCache) Token(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur != nil && c.now().Add(c.buffer).Before(cur.ExpiresAt) {
		return *cur, nil
	}
	return c.refresh(ctx)
}

// ForceRefresh drops the cached credential and fetches a new one.
func (c *TokenCache) ForceRefresh(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	return c.refresh(ctx)
}

func (c *TokenCache) refresh(ctx context.Context) (Credential, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return Credential{}, &AuthError{Msg: "api key not configured"}
	}

	// the shared fetch outlives any single caller's cancellation
	ch := c.group.DoChan("token", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		cred, err := c.fetch(fetchCtx)
		c.record(fetchCtx, err)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = &cred
		c.mu.Unlock()
		c.logger.Debug("token refreshed", slog.Time("expires_at", cred.ExpiresAt))
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

func (c *TokenCache) fetch(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, &AuthError{Msg: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Msg: "identity provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Credential{}, &AuthError{Status: resp.StatusCode, Msg: strings.TrimSpace("token request rejected " + string(body))}
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credential{}, &AuthError{Msg: "decode token response", Err: err}
	}
	if payload.AccessToken == "" {
		return Credential{}, &AuthError{Msg: "token response missing access_token"}
	}

	expiresAt, err := expiry(payload, issuedAt)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Token: payload.AccessToken, ExpiresAt: expiresAt}, nil
}

func expiry(payload tokenResponse, issuedAt time.Time) (time.Time, error) {
	if payload.ExpiresIn > 0 {
		return issuedAt.Add(time.Duration(payload.ExpiresIn) * time.Second), nil
	}
	if payload.Expiration > 0 {
		return time.Unix(payload.Expiration, 0), nil
	}
	// the token itself is a JWT; it was just issued to us so its signature is not checked
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(payload.AccessToken, claims); err != nil {
		return time.Time{}, &AuthError{Msg: "token response missing expiry", Err: err}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, &AuthError{Msg: "token response missing expiry"}
	}
	return exp.Time, nil
}

func (c *TokenCache) record(ctx context.Context, err error) {
	if c.refreshes == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// String omits the token so credentials can be logged.
func (c Credential) String() string {
	return fmt.Sprintf("credential(expires_at=%s)", c.ExpiresAt.Format(time.RFC3339))
}
