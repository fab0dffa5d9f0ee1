package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/soilsong/internal/config"
	"github.com/loqalabs/soilsong/internal/storage"
)

const (
	segmentFileFormat = "seg_%04d_%s.%s"
	assetFileFormat   = "soil_story_%s.%s"
)

// Asset is a stored audio file and where clients can fetch it.
type Asset struct {
	Locator        string `json:"locator"`
	DurationMillis int64  `json:"duration_ms"`
}

// Synthesizer turns narrative text into one stored audio asset.
type Synthesizer struct {
	provider SegmentProvider
	store    storage.FileStore
	baseURL  string
	workDir  string
	maxRunes int
	workers  int
	logger   *slog.Logger
	newID    func() string

	segments metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewSynthesizer(cfg config.TTSConfig, provider SegmentProvider, store storage.FileStore, baseURL string, logger *slog.Logger) *Synthesizer {
	s := &Synthesizer{
		provider: provider,
		store:    store,
		baseURL:  strings.TrimRight(baseURL, "/"),
		workDir:  cfg.WorkDir,
		maxRunes: cfg.MaxSegmentRunes,
		workers:  cfg.Workers,
		logger:   logger.With(slog.String("component", "tts")),
		newID:    uuid.NewString,
	}
	if s.workDir == "" {
		s.workDir = os.TempDir()
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	meter := otel.Meter("github.com/loqalabs/soilsong/tts")
	var err error
	if s.segments, err = meter.Int64Counter("soilsong.tts.segments",
		metric.WithDescription("Speech segments fetched by outcome")); err != nil {
		s.logger.Warn("failed to create segment counter", slogError(err))
	}
	if s.latency, err = meter.Float64Histogram("soilsong.tts.synthesis.duration",
		metric.WithDescription("End-to-end synthesis latency"), metric.WithUnit("s")); err != nil {
		s.logger.Warn("failed to create synthesis histogram", slogError(err))
	}
	return s
}

// Synthesize splits text into segments, fetches them concurrently, and
// stores their ordered concatenation. Temporary files never outlive the call
// and no asset is left behind on failure.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (Asset, error) {
	start := time.Now()
	segments, err := SplitSegments(text, s.maxRunes)
	if err != nil {
		return Asset{}, &SynthesisError{Reason: "nothing to synthesize", Err: err}
	}

	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return Asset{}, &SynthesisError{Reason: "work directory unavailable", Err: err}
	}

	id := s.newID()
	ext := s.provider.Format()
	paths := make([]string, len(segments))
	for i := range segments {
		paths[i] = filepath.Join(s.workDir, fmt.Sprintf(segmentFileFormat, i+1, id, ext))
	}
	defer func() {
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("failed to remove segment file", slog.String("path", p), slogError(err))
			}
		}
	}()

	if err := s.fetchAll(ctx, segments, paths); err != nil {
		s.logger.Warn("speech synthesis failed", slogError(err))
		return Asset{}, err
	}

	name := fmt.Sprintf(assetFileFormat, id, ext)
	duration, err := s.assemble(ctx, name, ext, paths)
	if err != nil {
		_ = s.store.Delete(context.WithoutCancel(ctx), name)
		s.logger.Warn("speech assembly failed", slogError(err))
		return Asset{}, err
	}

	if s.latency != nil {
		s.latency.Record(ctx, time.Since(start).Seconds())
	}
	asset := Asset{Locator: s.baseURL + "/" + name, DurationMillis: duration.Milliseconds()}
	s.logger.Info("speech synthesized",
		slog.String("asset", name),
		slog.Int("segments", len(segments)),
		slog.Int64("duration_ms", asset.DurationMillis))
	return asset, nil
}

// fetchAll runs at most s.workers fetches at once. The first failure cancels
// the rest.
func (s *Synthesizer) fetchAll(ctx context.Context, segments []string, paths []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	slots := make(chan struct{}, s.workers)

	for i, text := range segments {
		wg.Add(1)
		go func(index int, text string) {
			defer wg.Done()

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-slots }()

			seg := Segment{Index: index, Total: len(segments), Text: text}
			err := s.fetchOne(ctx, seg, paths[index])
			s.count(ctx, err)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = &SynthesisError{Segment: index + 1, Reason: "fetch", Err: err}
					cancel()
				}
				mu.Unlock()
			}
		}(i, text)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return &SynthesisError{Reason: "cancelled", Err: err}
	}
	return nil
}

func (s *Synthesizer) fetchOne(ctx context.Context, seg Segment, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.provider.Fetch(ctx, seg, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Synthesizer) assemble(ctx context.Context, name, ext string, paths []string) (time.Duration, error) {
	w, err := s.store.Write(ctx, name)
	if err != nil {
		return 0, &SynthesisError{Reason: "open asset", Err: err}
	}
	var total time.Duration
	for i, p := range paths {
		if err := appendFile(w, p); err != nil {
			w.Close()
			return 0, &SynthesisError{Segment: i + 1, Reason: "assemble", Err: err}
		}
		if ext == "mp3" {
			total += fileDuration(p)
		}
	}
	if err := w.Close(); err != nil {
		return 0, &SynthesisError{Reason: "store asset", Err: err}
	}
	return total, nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func fileDuration(path string) time.Duration {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return MP3Duration(f)
}

func (s *Synthesizer) count(ctx context.Context, err error) {
	if s.segments == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.segments.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
