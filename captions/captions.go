// Package captions cleans up the caption tracks YouTube serves for channel
// uploads and resequences their timing so consecutive cues tile the timeline.
// It is pure data transformation: fetching tracks and rendering/muxing the
// result live in the youtube and download packages.
package captions

// Cue is one timed caption entry with decoded, human-readable text.
type Cue struct {
	Text  string
	Start float64 // seconds
	End   float64 // seconds
}

// RawCue is a cue as it comes out of a timedtext XML track:
// undecoded text plus the start/dur attribute strings.
type RawCue struct {
	Text  string
	Start string
	Dur   string
}
