package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/soilsong/internal/llm"
)

const (
	DefaultSubmitTimeout = 15 * time.Second
	DefaultHealthTimeout = 3 * time.Second
	maxResponseBytes     = 1 << 20
)

type StoryRequest struct {
	PH          float64 `json:"pH"`
	Moisture    float64 `json:"moisture"`
	Base64Image string  `json:"base64Image,omitempty"`
}

type Analysis struct {
	SoilHealth      llm.SoilHealth       `json:"soil_health"`
	Issues          []llm.Issue          `json:"issues"`
	Recommendations []llm.Recommendation `json:"recommendations"`
	SuitablePlants  []string             `json:"suitable_plants"`
}

type StoryResponse struct {
	RequestID       string   `json:"requestId"`
	Story           string   `json:"story"`
	AudioURI        string   `json:"audioUri"`
	AudioDurationMS int64    `json:"audioDurationMs"`
	Analysis        Analysis `json:"analysis"`
	// Server is the base URL that produced the story.
	Server string `json:"-"`
}

type Health struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Mode      string `json:"mode"`
	Timestamp string `json:"timestamp"`
}

// Client talks to the first server that answers, in configured order.
type Client struct {
	servers       []string
	http          *http.Client
	logger        *slog.Logger
	submitTimeout time.Duration
	healthTimeout time.Duration

	mu     sync.Mutex
	active string
}

func New(servers []string, client *http.Client, logger *slog.Logger) (*Client, error) {
	cleaned := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimRight(strings.TrimSpace(s), "/")
		if s == "" {
			continue
		}
		if _, err := url.ParseRequestURI(s); err != nil {
			return nil, fmt.Errorf("apiclient: invalid server %q: %w", s, err)
		}
		cleaned = append(cleaned, s)
	}
	if len(cleaned) == 0 {
		return nil, errors.New("apiclient: at least one server is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		servers:       cleaned,
		http:          client,
		logger:        logger.With(slog.String("component", "apiclient")),
		submitTimeout: DefaultSubmitTimeout,
		healthTimeout: DefaultHealthTimeout,
	}, nil
}

// Active is the server that last answered, empty before any success.
func (c *Client) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) setActive(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != server {
		c.logger.Info("using server", slog.String("server", server))
	}
	c.active = server
}

// candidates lists the active server first, then the rest in order.
func (c *Client) candidates() []string {
	active := c.Active()
	out := make([]string, 0, len(c.servers))
	if active != "" {
		out = append(out, active)
	}
	for _, s := range c.servers {
		if s != active {
			out = append(out, s)
		}
	}
	return out
}

// Submit posts readings, moving to the next server on transport errors and
// 5xx answers.
func (c *Client) Submit(ctx context.Context, req StoryRequest) (StoryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return StoryResponse{}, err
	}

	var errs []error
	for _, server := range c.candidates() {
		var resp StoryResponse
		err := c.do(ctx, c.submitTimeout, http.MethodPost, server+"/api/story", body, &resp)
		if err == nil {
			c.setActive(server)
			resp.Server = server
			return resp, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			c.setActive(server)
			return StoryResponse{}, err
		}
		if ctx.Err() != nil {
			return StoryResponse{}, ctx.Err()
		}
		c.logger.Warn("server attempt failed", slog.String("server", server), slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return StoryResponse{}, fmt.Errorf("%w: %w", ErrNoServer, errors.Join(errs...))
}

// Health probes servers in order and remembers the first healthy one.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var errs []error
	for _, server := range c.candidates() {
		var h Health
		if err := c.do(ctx, c.healthTimeout, http.MethodGet, server+"/api/health", nil, &h); err != nil {
			if ctx.Err() != nil {
				return Health{}, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		c.setActive(server)
		return h, nil
	}
	return Health{}, fmt.Errorf("%w: %w", ErrNoServer, errors.Join(errs...))
}

// ResolveAudio turns a relative audio locator into an absolute URL against
// the server that answered.
func (c *Client) ResolveAudio(locator string) (string, error) {
	ref, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("apiclient: invalid audio locator %q: %w", locator, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	server := c.Active()
	if server == "" {
		server = c.servers[0]
	}
	base, err := url.Parse(server + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, target string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{Server: serverOf(target), Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("apiclient: decode %s: %w", target, err)
	}
	return nil
}

func errorMessage(data []byte, fallback string) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return fallback
	}
	if payload.Detail != "" {
		return payload.Error + ": " + payload.Detail
	}
	return payload.Error
}

func serverOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Scheme + "://" + u.Host
}
