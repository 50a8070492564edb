package captions

import "strconv"

// Prepare runs the full pipeline on a parsed timedtext track: parse timing
// attributes, drop cues with missing timing, normalize each cue's text, then
// repair the sequence so cues tile the timeline.
//
// A start or computed end of exactly 0 is treated as missing and the cue is
// dropped. A legitimately zero start time is indistinguishable from an absent
// attribute in the tracks we ingest, so zero means missing here; see isMissing.
func Prepare(raw []RawCue) []Cue {
	cues := make([]Cue, 0, len(raw))
	for _, rc := range raw {
		start := parseSeconds(rc.Start)
		end := start + parseSeconds(rc.Dur)
		if isMissing(start) || isMissing(end) {
			continue
		}
		cues = append(cues, Cue{Text: Normalize(rc.Text), Start: start, End: end})
	}
	return Repair(cues)
}

// isMissing reports whether a timing value should be treated as absent.
func isMissing(v float64) bool { return v == 0 }

// parseSeconds converts a timedtext attribute to seconds; unparsable or empty
// values become 0 (and are filtered by the caller).
func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
