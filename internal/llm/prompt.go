package llm

import (
	"encoding/json"
	"strconv"
	"strings"
	"text/template"
)

var promptTemplate = template.Must(template.New("prompt").Parse(`You are an expert soil scientist and storyteller, specialized in agricultural science, gardening, and plant biology. Your task is to analyze soil data and create an engaging narrative about what this soil reveals, along with practical recommendations.

SOIL DATA:
- pH Level: {{.PH}}
- Moisture Content: {{.Moisture}}%
{{- if .Image}}
The soil image shows {{.Image}}. This visual evidence supports the findings from the pH and moisture data.
{{- end}}

INSTRUCTIONS:
1. Generate a personalized 'soil story' (300-400 words) that explains what this soil data reveals about the soil's history, current state, and potential. Make it educational but engaging, like the soil is telling its own story.

2. Create a soil health assessment with:
   - A numerical score (0-100)
   - A category label (excellent, good, fair, poor, or very poor)

3. Identify 0-3 potential issues with this soil based on its properties:
   - Each issue should have a description and severity (high, medium, or low)

4. Provide 2-4 practical recommendations for improving or maintaining this soil:
   - Each recommendation should have a clear action and additional details

5. Suggest 4-6 plants that would thrive in this soil based on its properties.

Format your response as a JSON object with the following structure:
{
  "story": "Your soil story text...",
  "soil_health": {
    "score": 75,
    "category": "good",
    "max_score": 100
  },
  "issues": [
    {"description": "Issue description", "severity": "medium"}
  ],
  "recommendations": [
    {"action": "Actionable step", "details": "More details on the action"}
  ],
  "suitable_plants": ["plant1", "plant2", "plant3"]
}

SOIL ANALYSIS GUIDELINES:
- pH Interpretation:
  - Very Acidic (0-5.5): Challenging for most plants except acid-lovers like blueberries
  - Slightly Acidic (5.5-6.5): Ideal for many fruits, vegetables, and flowers
  - Neutral (6.5-7.5): Good for most garden plants and vegetables
  - Alkaline (7.5+): Better for herbs and certain ornamentals, challenging for acid-loving plants

- Moisture Interpretation:
  - Very Dry (0-20%): Drought conditions, limited for most plants except succulents
  - Dry (20-40%): Requires regular watering for most plants
  - Moderate (40-60%): Ideal moisture for most garden plants
  - Moist (60-80%): Good for moisture-loving plants but potential drainage issues
  - Wet (80-100%): Suitable only for bog plants, likely drainage problems

Consider the interaction between pH and moisture in your analysis, as they affect nutrient availability and plant health together.

Input: {
  "pH": "6.5",
  "moisture": "45",
  "imageAnalysis": "dark brown color with visible organic matter"
}
Output: {
  "story": "Your soil tells a fascinating story of balance and potential. With a pH of 6.5, it sits in the sweet spot that many plants prefer, slightly acidic but close to neutral. The moisture level of 45% indicates a well-balanced water content, neither too dry nor overly saturated. This soil has likely developed over decades, gradually accumulating minerals and organic matter that create its current properties...",
  "soil_health": {
    "score": 78,
    "category": "good",
    "max_score": 100
  },
  "issues": [
    {
      "description": "Slightly low in nitrogen which may affect leaf growth of heavy feeding plants",
      "severity": "medium"
    },
    {
      "description": "Could benefit from additional organic matter to improve structure",
      "severity": "low"
    }
  ],
  "recommendations": [
    {
      "action": "Add compost",
      "details": "Mix in 2-3 inches of compost to increase organic matter and improve soil structure"
    },
    {
      "action": "Consider nitrogen-fixing cover crops",
      "details": "Plants like clover or beans can help naturally increase nitrogen levels"
    },
    {
      "action": "Mulch regularly",
      "details": "Apply 2-3 inches of organic mulch to help retain moisture and add nutrients as it breaks down"
    }
  ],
  "suitable_plants": [
    "tomatoes",
    "peppers",
    "marigolds",
    "zinnias",
    "cosmos",
    "lavender"
  ]
}

Input: {{.Input}}
Output:`))

type promptInput struct {
	PH            string `json:"pH"`
	Moisture      string `json:"moisture"`
	ImageAnalysis string `json:"imageAnalysis,omitempty"`
}

// BuildPrompt renders the few-shot prompt for obs.
func BuildPrompt(obs Observation) (string, error) {
	in := promptInput{
		PH:            formatReading(obs.Acidity),
		Moisture:      formatReading(obs.Moisture),
		ImageAnalysis: strings.TrimSpace(obs.ImageDescriptor),
	}
	encoded, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	err = promptTemplate.Execute(&b, struct {
		PH, Moisture, Image, Input string
	}{in.PH, in.Moisture, in.ImageAnalysis, string(encoded)})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func formatReading(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
