package tts

import (
	"io"
	"time"

	"github.com/tcolgate/mp3"
)

// MP3Duration sums frame durations. Unparseable input yields zero.
func MP3Duration(r io.Reader) time.Duration {
	d := mp3.NewDecoder(r)
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
	)
	for {
		if err := d.Decode(&frame, &skipped); err != nil {
			return total
		}
		total += frame.Duration()
	}
}
