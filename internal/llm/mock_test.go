package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGeneratorScoring(t *testing.T) {
	cases := []struct {
		ph, moisture float64
		score        int
		category     string
	}{
		{6.5, 50, 100, "excellent"},
		{5.7, 35, 80, "good"},
		{5.2, 75, 60, "fair"},
		{4.0, 10, 40, "poor"},
		{8.2, 25, 60, "fair"},
	}
	gen := NewMockGenerator()
	for _, tc := range cases {
		n, err := gen.GenerateNarrative(context.Background(), Observation{Acidity: tc.ph, Moisture: tc.moisture})
		require.NoError(t, err)
		assert.Equal(t, tc.score, n.SoilHealth.Score, "pH %v moisture %v", tc.ph, tc.moisture)
		assert.Equal(t, tc.category, n.SoilHealth.Category)
		assert.Equal(t, 100, n.SoilHealth.MaxScore)
		assert.NotEmpty(t, n.Story)
	}
}

func TestMockGeneratorLimits(t *testing.T) {
	n, err := NewMockGenerator().GenerateNarrative(context.Background(), Observation{Acidity: 4.5, Moisture: 10})
	require.NoError(t, err)

	require.Len(t, n.Issues, 2)
	assert.Equal(t, "high", n.Issues[0].Severity)
	assert.Equal(t, "high", n.Issues[1].Severity)

	require.Len(t, n.Recommendations, 3)
	assert.Equal(t, "Add compost regularly", n.Recommendations[2].Action)

	assert.Len(t, n.SuitablePlants, 6)
	seen := map[string]bool{}
	for _, p := range n.SuitablePlants {
		assert.False(t, seen[p], "duplicate plant %s", p)
		seen[p] = true
	}
}

func TestMockGeneratorDeduplicatesPlants(t *testing.T) {
	n, err := NewMockGenerator().GenerateNarrative(context.Background(), Observation{Acidity: 8, Moisture: 20})
	require.NoError(t, err)
	assert.Equal(t, []string{"lavender", "thyme", "rosemary", "clematis", "succulents", "yarrow"}, n.SuitablePlants)
}

func TestMockGeneratorMentionsImage(t *testing.T) {
	n, err := NewMockGenerator().GenerateNarrative(context.Background(), Observation{Acidity: 6.5, Moisture: 45, ImageDescriptor: "dark crumbly loam"})
	require.NoError(t, err)
	assert.Contains(t, n.Story, "reveals dark crumbly loam")
}

func TestMockGeneratorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockGenerator().GenerateNarrative(ctx, Observation{Acidity: 6.5, Moisture: 45})
	assert.ErrorIs(t, err, ErrInference)
}
