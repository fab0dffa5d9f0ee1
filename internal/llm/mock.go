package llm

import (
	"context"
	"strings"
)

// MockGenerator scores readings with fixed bands instead of calling a model.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (m *MockGenerator) GenerateNarrative(ctx context.Context, obs Observation) (Narrative, error) {
	if err := ctx.Err(); err != nil {
		return Narrative{}, &InferenceError{Reason: ReasonTimeout, Err: err}
	}
	ph, moisture := obs.Acidity, obs.Moisture
	score := acidityScore(ph) + moistureScore(moisture)
	category := scoreCategory(score)

	return Narrative{
		Story:           mockStory(obs, score, category),
		SoilHealth:      SoilHealth{Score: score, Category: category, MaxScore: 100},
		Issues:          mockIssues(ph, moisture),
		Recommendations: mockRecommendations(ph, moisture),
		SuitablePlants:  mockPlants(ph, moisture),
	}, nil
}

func acidityScore(ph float64) int {
	switch {
	case ph >= 6.0 && ph <= 7.5:
		return 50
	case ph >= 5.5 && ph < 6.0, ph > 7.5 && ph <= 8.0:
		return 40
	case ph >= 5.0 && ph < 5.5, ph > 8.0 && ph <= 8.5:
		return 30
	default:
		return 20
	}
}

func moistureScore(m float64) int {
	switch {
	case m >= 40 && m <= 60:
		return 50
	case m >= 30 && m < 40, m > 60 && m <= 70:
		return 40
	case m >= 20 && m < 30, m > 70 && m <= 80:
		return 30
	default:
		return 20
	}
}

func scoreCategory(score int) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 70:
		return "good"
	case score >= 50:
		return "fair"
	case score >= 30:
		return "poor"
	default:
		return "very poor"
	}
}

func severity(high bool) string {
	if high {
		return "high"
	}
	return "medium"
}

func mockIssues(ph, m float64) []Issue {
	issues := []Issue{}
	if ph < 6.0 {
		issues = append(issues, Issue{
			Description: "Acidic soil may limit nutrient availability, particularly phosphorus, calcium, and magnesium",
			Severity:    severity(ph < 5.0),
		})
	}
	if ph > 7.5 {
		issues = append(issues, Issue{
			Description: "Alkaline soil may cause deficiencies of micronutrients like iron, manganese, and zinc",
			Severity:    severity(ph > 8.0),
		})
	}
	if m < 30 {
		issues = append(issues, Issue{
			Description: "Soil is too dry, which will stress most plants and reduce microbial activity",
			Severity:    severity(m < 20),
		})
	}
	if m > 70 {
		issues = append(issues, Issue{
			Description: "Soil is too wet, which may lead to root rot and anaerobic conditions",
			Severity:    severity(m > 80),
		})
	}
	if len(issues) > 3 {
		issues = issues[:3]
	}
	return issues
}

func mockRecommendations(ph, m float64) []Recommendation {
	var recs []Recommendation
	if ph < 6.0 {
		recs = append(recs, Recommendation{
			Action:  "Add garden lime",
			Details: "Apply agricultural lime to raise soil pH. Typically 50g per square meter will raise pH by about 0.5 units.",
		})
	}
	if ph > 7.5 {
		recs = append(recs, Recommendation{
			Action:  "Add sulfur or acidic organic matter",
			Details: "Add elemental sulfur or acidic organic materials like pine needles and oak leaves to lower soil pH gradually.",
		})
	}
	if m < 30 {
		recs = append(recs, Recommendation{
			Action:  "Improve water retention",
			Details: "Add organic matter like compost to improve water retention and apply mulch to reduce evaporation.",
		})
	}
	if m > 70 {
		recs = append(recs, Recommendation{
			Action:  "Improve drainage",
			Details: "Add coarse sand or perlite to improve drainage. Consider raised beds for severe cases.",
		})
	}
	recs = append(recs, Recommendation{
		Action:  "Add compost regularly",
		Details: "Work in 1-2 inches of compost annually to improve soil structure, nutrient content, and microbial activity.",
	})
	if len(recs) > 4 {
		recs = recs[:4]
	}
	return recs
}

func mockPlants(ph, m float64) []string {
	var candidates []string
	switch {
	case ph < 6.0:
		candidates = append(candidates, "blueberries", "azaleas", "rhododendrons", "camellias")
	case ph <= 7.0:
		candidates = append(candidates, "tomatoes", "peppers", "beans", "cucumbers", "strawberries")
	default:
		candidates = append(candidates, "lavender", "thyme", "rosemary", "clematis")
	}
	switch {
	case m < 30:
		candidates = append(candidates, "succulents", "lavender", "yarrow", "sage")
	case m <= 60:
		candidates = append(candidates, "zinnias", "marigolds", "cosmos", "sunflowers")
	default:
		candidates = append(candidates, "iris", "ferns", "hostas", "astilbe")
	}

	seen := make(map[string]struct{}, len(candidates))
	plants := make([]string, 0, 6)
	for _, p := range candidates {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		plants = append(plants, p)
		if len(plants) == 6 {
			break
		}
	}
	return plants
}

func mockStory(obs Observation, score int, category string) string {
	ph, m := obs.Acidity, obs.Moisture
	var b strings.Builder
	b.WriteString("Your soil has a story to tell, and it's one of " + category + " potential. With a pH of " + formatReading(ph) + ", ")
	switch {
	case ph < 6.0:
		b.WriteString("your soil is on the acidic side. This acidic nature was likely developed over time as organic matter decomposed and released acids into the soil. ")
	case ph > 7.5:
		b.WriteString("your soil leans toward alkalinity. This often indicates the presence of limestone or calcium-rich parent material in your region's geology. ")
	default:
		b.WriteString("your soil has a nearly neutral pH, providing an excellent balance for nutrient availability. This balanced pH suggests a history of good organic matter management. ")
	}

	b.WriteString("The moisture level of " + formatReading(m) + "% ")
	switch {
	case m < 30:
		b.WriteString("indicates a relatively dry soil environment. This soil likely drains quickly, which can be beneficial for some plants but challenging for others. ")
	case m > 70:
		b.WriteString("reveals a soil that retains significant moisture. This suggests clay content or good organic matter, though it may pose drainage challenges. ")
	default:
		b.WriteString("shows a well-balanced water content, neither too dry nor overly saturated. This ideal moisture level supports diverse microbial life and provides a comfortable environment for plant roots. ")
	}

	b.WriteString("Soil is not just dirt. It is a living ecosystem with billions of microorganisms working together. ")
	if score >= 70 {
		b.WriteString("Your soil appears to have a healthy ecosystem supporting these microorganisms, creating a welcoming environment for plants. The nutrients in your soil interact in complex ways, with minerals binding and releasing based on your specific pH and moisture levels. ")
	} else {
		b.WriteString("Your soil ecosystem may be facing some challenges that affect how nutrients are cycled and made available to plants. The balance of nutrients can be improved through thoughtful amendments tailored to your soil's specific needs. ")
	}
	if img := strings.TrimSpace(obs.ImageDescriptor); img != "" {
		b.WriteString("The visual examination of your soil sample reveals " + img + ", which aligns with the measured pH and moisture values. ")
	}
	b.WriteString("With proper care and attention to its specific needs, your soil can become even more vibrant and productive, supporting a wide range of plant life while sequestering carbon and supporting biodiversity for years to come.")
	return b.String()
}
