package captions

import (
	"fmt"
	"io"
	"math"
	"time"
)

// srtEpoch anchors timestamp rendering so formatting is pure elapsed-time
// arithmetic, independent of wall clock and timezone.
var srtEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// FormatTimestamp renders non-negative seconds as HH:MM:SS,mmm (SRT style).
func FormatTimestamp(seconds float64) string {
	t := srtEpoch.Add(time.Duration(math.Round(seconds*1000)) * time.Millisecond)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(time.Millisecond))
}

// WriteSRT serializes cues as sequential-index SubRip blocks.
func WriteSRT(w io.Writer, cues []Cue) error {
	for i, c := range cues {
		if _, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", i+1, FormatTimestamp(c.Start), FormatTimestamp(c.End), c.Text); err != nil {
			return fmt.Errorf("write srt block %d: %w", i+1, err)
		}
	}
	return nil
}
