package tts

import (
	"context"
	"io"
	"strings"
)

// silentFrame is one MPEG-1 Layer III frame (128 kbit/s, 44.1 kHz) with an
// empty payload, about 26ms of silence.
var silentFrame = func() []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x64})
	return frame
}()

// MockProvider emits silent MP3 frames sized to the word count of the segment.
type MockProvider struct {
	framesPerWord int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{framesPerWord: 12}
}

func (m *MockProvider) Format() string { return "mp3" }

func (m *MockProvider) Fetch(ctx context.Context, seg Segment, w io.Writer) error {
	frames := len(strings.Fields(seg.Text)) * m.framesPerWord
	if frames == 0 {
		frames = 1
	}
	for range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.Write(silentFrame); err != nil {
			return err
		}
	}
	return nil
}
