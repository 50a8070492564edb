package captions

import (
	"reflect"
	"testing"
)

func TestRepairEmptyAndNil(t *testing.T) {
	if got := Repair(nil); len(got) != 0 {
		t.Errorf("Repair(nil) = %v, want empty", got)
	}
	if got := Repair([]Cue{}); len(got) != 0 {
		t.Errorf("Repair(empty) = %v, want empty", got)
	}
}

func TestRepairSingle(t *testing.T) {
	in := []Cue{{Text: "a", Start: 5, End: 9}}
	got := Repair(in)
	if !reflect.DeepEqual(got, in) {
		t.Errorf("Repair(single) = %v, want %v", got, in)
	}
}

func TestRepairStitchesAdjacent(t *testing.T) {
	in := []Cue{
		{Text: "c", Start: 10, End: 20},
		{Text: "a", Start: 1, End: 9}, // gap before next
		{Text: "b", Start: 4, End: 30}, // overlaps next
	}
	got := Repair(in)
	if len(got) != len(in) {
		t.Fatalf("length changed: got %d want %d", len(got), len(in))
	}
	// Sorted ascending by start.
	for i := 1; i < len(got); i++ {
		if got[i-1].Start > got[i].Start {
			t.Fatalf("not sorted at %d: %v", i, got)
		}
	}
	// Each end equals the following start.
	for i := 0; i < len(got)-1; i++ {
		if got[i].End != got[i+1].Start {
			t.Errorf("cue %d end = %v, want %v", i, got[i].End, got[i+1].Start)
		}
	}
	// Last cue keeps its original end.
	if got[len(got)-1].End != 20 {
		t.Errorf("last end = %v, want 20", got[len(got)-1].End)
	}
	// Input is not mutated.
	if in[0].End != 20 || in[1].End != 9 {
		t.Errorf("input mutated: %v", in)
	}
}

func TestRepairStableOnTies(t *testing.T) {
	in := []Cue{
		{Text: "first", Start: 2, End: 3},
		{Text: "second", Start: 2, End: 4},
	}
	got := Repair(in)
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("tie order not preserved: %v", got)
	}
}

func TestRepairIdempotent(t *testing.T) {
	in := []Cue{
		{Text: "b", Start: 7, End: 8},
		{Text: "a", Start: 1, End: 2},
		{Text: "c", Start: 9, End: 12},
	}
	once := Repair(in)
	twice := Repair(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Repair not idempotent:\n once %v\ntwice %v", once, twice)
	}
}

func TestRepairZeroDurationOnTiedStarts(t *testing.T) {
	// No validation: two cues sharing a start time leave the first with zero
	// duration after stitching.
	in := []Cue{
		{Text: "a", Start: 5, End: 8},
		{Text: "b", Start: 5, End: 7},
	}
	got := Repair(in)
	if got[0].End != 5 {
		t.Errorf("cue 0 end = %v, want 5 (zero duration)", got[0].End)
	}
	if got[1].End != 7 {
		t.Errorf("cue 1 end = %v, want 7", got[1].End)
	}
}
