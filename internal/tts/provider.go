package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loqalabs/soilsong/internal/config"
)

// Segment is one piece of the narrative sent to a provider.
type Segment struct {
	Index int
	Total int
	Text  string
}

// SegmentProvider renders a single segment to audio bytes written to w.
type SegmentProvider interface {
	Fetch(ctx context.Context, seg Segment, w io.Writer) error
	// Format is the file extension of the produced audio, e.g. "mp3".
	Format() string
}

func NewProvider(cfg config.TTSConfig, client *http.Client, logger *slog.Logger) (SegmentProvider, error) {
	switch cfg.Mode {
	case "google":
		return NewGoogleProvider(cfg.Host, cfg.Language, client), nil
	case "exec":
		return NewExecProvider(cfg.Command, cfg.Format)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
