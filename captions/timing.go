package captions

import "sort"

// Repair sorts cues by start time and stitches every cue's end to the next
// cue's start, so the output tiles the timeline with no gaps and no overlaps.
// The sort is stable (ties keep their input order) and the final cue's end is
// never modified. Nil or empty input yields an empty slice.
//
// This is deliberately a single-rule pass, not a conflict resolver: each end
// is set to the following start unconditionally, which both fills gaps and
// truncates overlaps. No duration validation is performed, so a cue can come
// out with zero or negative length if the input overlapped that badly.
// Applying Repair to its own output is a no-op.
func Repair(cues []Cue) []Cue {
	if len(cues) == 0 {
		return []Cue{}
	}
	out := make([]Cue, len(cues))
	copy(out, cues)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 0; i < len(out)-1; i++ {
		out[i].End = out[i+1].Start
	}
	return out
}
