package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Parser turns raw model output into a Narrative.
type Parser interface {
	Name() string
	Parse(text string) (Narrative, error)
}

// DefaultParsers is tried in order; the first success wins.
var DefaultParsers = []Parser{directParser{}, braceParser{}}

var errNoStory = errors.New("parsed object has no story")

var severities = map[string]bool{"low": true, "medium": true, "high": true}

type directParser struct{}

func (directParser) Name() string { return "direct" }

// Parse accepts the object alone, optionally inside a markdown code fence.
func (directParser) Parse(text string) (Narrative, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	return decodeNarrative(text)
}

// braceParser pulls the outermost {...} span out of surrounding prose.
type braceParser struct{}

var bracePattern = regexp.MustCompile(`(?s)\{.*\}`)

func (braceParser) Name() string { return "brace" }

func (braceParser) Parse(text string) (Narrative, error) {
	match := bracePattern.FindString(text)
	if match == "" {
		return Narrative{}, errors.New("no json object in output")
	}
	return decodeNarrative(match)
}

func decodeNarrative(raw string) (Narrative, error) {
	var n Narrative
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Narrative{}, err
	}
	if strings.TrimSpace(n.Story) == "" {
		return Narrative{}, errNoStory
	}
	if n.SoilHealth.MaxScore == 0 {
		n.SoilHealth.MaxScore = 100
	}
	if err := validateNarrative(&n); err != nil {
		return Narrative{}, err
	}
	return n, nil
}

// validateNarrative rejects values outside the response schema and
// normalizes severity to lower case.
func validateNarrative(n *Narrative) error {
	h := n.SoilHealth
	if h.MaxScore < 0 {
		return fmt.Errorf("max_score %d is negative", h.MaxScore)
	}
	if h.Score < 0 || h.Score > h.MaxScore {
		return fmt.Errorf("score %d outside 0..%d", h.Score, h.MaxScore)
	}
	for i := range n.Issues {
		sev := strings.ToLower(strings.TrimSpace(n.Issues[i].Severity))
		if !severities[sev] {
			return fmt.Errorf("issue %d has unknown severity %q", i+1, n.Issues[i].Severity)
		}
		n.Issues[i].Severity = sev
	}
	return nil
}

// ParseNarrative runs the parser chain and reports which strategy succeeded.
func ParseNarrative(text string, parsers []Parser) (Narrative, string, error) {
	var errs []error
	for _, p := range parsers {
		n, err := p.Parse(text)
		if err == nil {
			return n, p.Name(), nil
		}
		errs = append(errs, err)
	}
	return Narrative{}, "", &InferenceError{Reason: ReasonUnparseable, Err: errors.Join(errs...)}
}
