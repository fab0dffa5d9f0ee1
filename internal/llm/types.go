package llm

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loqalabs/soilsong/internal/config"
	"github.com/loqalabs/soilsong/internal/iam"
)

// Observation is one set of soil readings. ImageDescriptor is optional.
type Observation struct {
	Acidity         float64
	Moisture        float64
	ImageDescriptor string
}

type SoilHealth struct {
	Score    int    `json:"score"`
	Category string `json:"category"`
	MaxScore int    `json:"max_score"`
}

type Issue struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type Recommendation struct {
	Action  string `json:"action"`
	Details string `json:"details"`
}

// Narrative is the story plus the structured analysis returned by the model.
type Narrative struct {
	Story           string           `json:"story"`
	SoilHealth      SoilHealth       `json:"soil_health"`
	Issues          []Issue          `json:"issues"`
	Recommendations []Recommendation `json:"recommendations"`
	SuitablePlants  []string         `json:"suitable_plants"`
}

// Generator produces a narrative for an observation.
type Generator interface {
	GenerateNarrative(ctx context.Context, obs Observation) (Narrative, error)
}

// TokenSource supplies bearer tokens. *iam.TokenCache satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (iam.Credential, error)
	ForceRefresh(ctx context.Context) (iam.Credential, error)
}

// NewGenerator picks the backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig, tokens TokenSource, client *http.Client, logger *slog.Logger) Generator {
	if cfg.Mode == "mock" {
		return NewMockGenerator()
	}
	return NewClient(cfg, tokens, client, logger)
}
