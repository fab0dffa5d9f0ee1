package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/soilsong/internal/config"
)

// Client calls a hosted text-generation endpoint (watsonx.ai wire format)
// and parses the narrative out of the generated text.
type Client struct {
	cfg      config.LLMConfig
	tokens   TokenSource
	http     *http.Client
	parsers  []Parser
	timeout  time.Duration
	logger   *slog.Logger
	requests metric.Int64Counter
}

func NewClient(cfg config.LLMConfig, tokens TokenSource, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		http:    client,
		parsers: DefaultParsers,
		timeout: config.Duration(cfg.TimeoutMS),
		logger:  logger.With(slog.String("component", "llm")),
	}
	counter, err := otel.Meter("github.com/loqalabs/soilsong/llm").Int64Counter(
		"soilsong.llm.requests",
		metric.WithDescription("Narrative generation requests by outcome"),
	)
	if err != nil {
		c.logger.Warn("failed to create request counter", slogError(err))
	}
	c.requests = counter
	return c
}

type generationRequest struct {
	Input       string               `json:"input"`
	Parameters  generationParameters `json:"parameters"`
	ModelID     string               `json:"model_id"`
	ProjectID   string               `json:"project_id"`
	Moderations moderations          `json:"moderations"`
}

type generationParameters struct {
	DecodingMethod    string   `json:"decoding_method"`
	MaxNewTokens      int      `json:"max_new_tokens"`
	MinNewTokens      int      `json:"min_new_tokens"`
	StopSequences     []string `json:"stop_sequences"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
}

type moderations struct {
	HAP moderation `json:"hap"`
	PII moderation `json:"pii"`
}

type moderation struct {
	Input  moderationRule `json:"input"`
	Output moderationRule `json:"output"`
}

type moderationRule struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
}

type generationResponse struct {
	Results []struct {
		GeneratedText string `json:"generated_text"`
	} `json:"results"`
}

// GenerateNarrative sends one generation request. A 401 forces a token
// refresh and the request is repeated exactly once.
func (c *Client) GenerateNarrative(ctx context.Context, obs Observation) (Narrative, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	narrative, parser, err := c.generateNarrative(ctx, obs)
	c.record(ctx, err, parser)
	if err != nil {
		c.logger.Warn("narrative generation failed", slogError(err))
		return Narrative{}, err
	}
	c.logger.Info("narrative generated", slog.String("parser", parser), slog.Int("score", narrative.SoilHealth.Score))
	return narrative, nil
}

func (c *Client) generateNarrative(ctx context.Context, obs Observation) (Narrative, string, error) {
	prompt, err := BuildPrompt(obs)
	if err != nil {
		return Narrative{}, "", &InferenceError{Reason: ReasonProvider, Err: err}
	}
	body, err := json.Marshal(c.requestBody(prompt))
	if err != nil {
		return Narrative{}, "", &InferenceError{Reason: ReasonProvider, Err: err}
	}

	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return Narrative{}, "", &InferenceError{Reason: ReasonAuth, Err: err}
	}
	text, err := c.post(ctx, body, cred.Token)
	if isUnauthorized(err) {
		c.logger.Info("provider rejected token, refreshing")
		cred, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return Narrative{}, "", &InferenceError{Reason: ReasonAuth, Err: err}
		}
		text, err = c.post(ctx, body, cred.Token)
	}
	if err != nil {
		return Narrative{}, "", err
	}

	narrative, parser, err := ParseNarrative(text, c.parsers)
	if err != nil {
		c.logger.Debug("unparseable generated text", slog.String("text", text))
		return Narrative{}, "", err
	}
	return narrative, parser, nil
}

func (c *Client) requestBody(prompt string) generationRequest {
	rule := moderationRule{Enabled: true, Threshold: c.cfg.ModerationThreshold}
	return generationRequest{
		Input: prompt,
		Parameters: generationParameters{
			DecodingMethod:    "greedy",
			MaxNewTokens:      c.cfg.MaxNewTokens,
			MinNewTokens:      0,
			StopSequences:     []string{},
			RepetitionPenalty: 1,
		},
		ModelID:   c.cfg.ModelID,
		ProjectID: c.cfg.ProjectID,
		Moderations: moderations{
			HAP: moderation{Input: rule, Output: rule},
			PII: moderation{Input: rule, Output: rule},
		},
	}
}

func (c *Client) endpoint() string {
	if c.cfg.APIVersion == "" {
		return c.cfg.Endpoint
	}
	sep := "?"
	if strings.Contains(c.cfg.Endpoint, "?") {
		sep = "&"
	}
	return c.cfg.Endpoint + sep + "version=" + url.QueryEscape(c.cfg.APIVersion)
}

func (c *Client) post(ctx context.Context, body []byte, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", &InferenceError{Reason: ReasonProvider, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &InferenceError{Reason: ReasonAuth, Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &InferenceError{Reason: ReasonProvider, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(detail)))}
	}

	var payload generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if ctx.Err() != nil {
			return "", transportError(ctx, err)
		}
		return "", &InferenceError{Reason: ReasonProvider, Err: err}
	}
	if len(payload.Results) == 0 {
		return "", &InferenceError{Reason: ReasonEmpty, Err: errors.New("no results in response")}
	}
	text := payload.Results[0].GeneratedText
	if strings.TrimSpace(text) == "" {
		return "", &InferenceError{Reason: ReasonEmpty, Err: errors.New("generated text is blank")}
	}
	return text, nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &InferenceError{Reason: ReasonTimeout, Err: err}
	}
	return &InferenceError{Reason: ReasonNetwork, Err: err}
}

func isUnauthorized(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie) && ie.Status == http.StatusUnauthorized
}

func (c *Client) record(ctx context.Context, err error, parser string) {
	if c.requests == nil {
		return
	}
	result := "ok"
	var ie *InferenceError
	if errors.As(err, &ie) {
		result = ie.Reason
	} else if err != nil {
		result = "error"
	}
	c.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("parser", parser),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
