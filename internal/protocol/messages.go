package protocol

import "time"

// StoryGenerated is broadcast after a narrative and its audio are ready.
type StoryGenerated struct {
	RequestID  string    `json:"request_id"`
	Acidity    float64   `json:"acidity"`
	Moisture   float64   `json:"moisture"`
	Score      int       `json:"score"`
	Category   string    `json:"category"`
	AudioURI   string    `json:"audio_uri"`
	DurationMS int64     `json:"duration_ms"`
	LatencyMS  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// StoryFailed is broadcast when a request fails after validation.
type StoryFailed struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectStoryGenerated = "story.generated"
	SubjectStoryFailed    = "story.failed"
	StreamStoryEvents     = "STORY_EVENTS"
)
