package tts

import (
	"errors"
	"strings"
	"unicode"
)

// DefaultMaxSegmentRunes is the longest text the hosted speech endpoint accepts per request.
const DefaultMaxSegmentRunes = 200

const boundaryPunct = ",.?!;:"

var errBlankText = errors.New("text is blank")

// SplitSegments cuts text into pieces of at most max runes, preferring to
// cut after punctuation, then at the last space, then hard at max.
func SplitSegments(text string, max int) ([]string, error) {
	if max <= 0 {
		max = DefaultMaxSegmentRunes
	}
	remaining := []rune(strings.Join(strings.Fields(text), " "))
	if len(remaining) == 0 {
		return nil, errBlankText
	}

	var segments []string
	for len(remaining) > max {
		cut := cutPoint(remaining[:max])
		if piece := strings.TrimSpace(string(remaining[:cut])); piece != "" {
			segments = append(segments, piece)
		}
		remaining = remaining[cut:]
		for len(remaining) > 0 && unicode.IsSpace(remaining[0]) {
			remaining = remaining[1:]
		}
	}
	if piece := strings.TrimSpace(string(remaining)); piece != "" {
		segments = append(segments, piece)
	}
	return segments, nil
}

func cutPoint(window []rune) int {
	for i := len(window) - 1; i > 0; i-- {
		if strings.ContainsRune(boundaryPunct, window[i]) {
			return i + 1
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return len(window)
}
