// Package story turns one soil observation into a narrative and its audio.
package story

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/soilsong/internal/config"
	"github.com/loqalabs/soilsong/internal/llm"
	"github.com/loqalabs/soilsong/internal/protocol"
	"github.com/loqalabs/soilsong/internal/tts"
)

// Observation is the validated input of a story request.
type Observation struct {
	Acidity         float64
	Moisture        float64
	ImageDescriptor string
}

type Result struct {
	RequestID string
	Narrative llm.Narrative
	Asset     tts.Asset
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (tts.Asset, error)
}

// Publisher delivers outcome events. *bus.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Publishers delivers every event to each destination and joins the failures.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, subject string, payload any) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, subject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Service struct {
	generator llm.Generator
	synth     Synthesizer
	events    Publisher
	timeout   time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the collaborators. events may be nil.
func NewService(cfg config.StoryConfig, generator llm.Generator, synth Synthesizer, events Publisher, logger *slog.Logger) *Service {
	return &Service{
		generator: generator,
		synth:     synth,
		events:    events,
		timeout:   config.Duration(cfg.RequestTimeoutMS),
		tracer:    otel.Tracer("github.com/loqalabs/soilsong/story"),
		logger:    logger.With(slog.String("component", "story")),
		now:       time.Now,
	}
}

// Validate checks the acidity and moisture ranges.
func Validate(obs Observation) error {
	if math.IsNaN(obs.Acidity) || obs.Acidity < 0 || obs.Acidity > 14 {
		return &ValidationError{Field: "pH", Msg: "Invalid pH value: must be a number between 0 and 14"}
	}
	if math.IsNaN(obs.Moisture) || obs.Moisture < 0 || obs.Moisture > 100 {
		return &ValidationError{Field: "moisture", Msg: "Invalid moisture value: must be a percentage between 0 and 100"}
	}
	return nil
}

// Handle validates obs, generates the narrative, then synthesizes its story.
// The first failure ends the request.
func (s *Service) Handle(ctx context.Context, obs Observation) (Result, error) {
	if err := Validate(obs); err != nil {
		return Result{}, err
	}

	requestID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "story.handle", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Float64("soil.acidity", obs.Acidity),
		attribute.Float64("soil.moisture", obs.Moisture),
		attribute.Bool("soil.image", obs.ImageDescriptor != ""),
	))
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	logger := s.logger.With(slog.String("request_id", requestID))
	logger.Info("generating story", slog.Float64("acidity", obs.Acidity), slog.Float64("moisture", obs.Moisture))

	narrative, err := s.generator.GenerateNarrative(ctx, llm.Observation{
		Acidity:         obs.Acidity,
		Moisture:        obs.Moisture,
		ImageDescriptor: obs.ImageDescriptor,
	})
	if err != nil {
		return Result{}, s.fail(ctx, span, logger, requestID, "llm", start, fmt.Errorf("generate narrative: %w", err))
	}

	asset, err := s.synth.Synthesize(ctx, narrative.Story)
	if err != nil {
		return Result{}, s.fail(ctx, span, logger, requestID, "tts", start, fmt.Errorf("synthesize speech: %w", err))
	}

	latency := s.now().Sub(start)
	span.SetAttributes(attribute.Int("soil.score", narrative.SoilHealth.Score))
	logger.Info("story ready", slog.String("audio", asset.Locator), slog.Duration("latency", latency))
	s.publish(ctx, logger, protocol.SubjectStoryGenerated, protocol.StoryGenerated{
		RequestID:  requestID,
		Acidity:    obs.Acidity,
		Moisture:   obs.Moisture,
		Score:      narrative.SoilHealth.Score,
		Category:   narrative.SoilHealth.Category,
		AudioURI:   asset.Locator,
		DurationMS: asset.DurationMillis,
		LatencyMS:  latency.Milliseconds(),
		Timestamp:  s.now().UTC(),
	})
	return Result{RequestID: requestID, Narrative: narrative, Asset: asset}, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, logger *slog.Logger, requestID, stage string, start time.Time, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	logger.Warn("story failed", slog.String("stage", stage), slogError(err))
	s.publish(ctx, logger, protocol.SubjectStoryFailed, protocol.StoryFailed{
		RequestID: requestID,
		Stage:     stage,
		Error:     err.Error(),
		LatencyMS: s.now().Sub(start).Milliseconds(),
		Timestamp: s.now().UTC(),
	})
	return err
}

func (s *Service) publish(ctx context.Context, logger *slog.Logger, subject string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), subject, payload); err != nil {
		logger.Warn("failed to publish story event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
