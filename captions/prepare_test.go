package captions

import (
	"reflect"
	"testing"
)

func TestPrepareEndToEnd(t *testing.T) {
	raw := []RawCue{
		{Text: "&amp;hi", Start: "2", Dur: "1"},
		{Text: "bye", Start: "1", Dur: "0.5"},
	}
	got := Prepare(raw)
	want := []Cue{
		{Text: "Bye", Start: 1, End: 2},
		{Text: "&hi", Start: 2, End: 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Prepare = %v, want %v", got, want)
	}
}

func TestPrepareDropsMissingTiming(t *testing.T) {
	raw := []RawCue{
		{Text: "zero start", Start: "0", Dur: "4"},
		{Text: "bad start", Start: "x", Dur: "4"},
		{Text: "empty start", Start: "", Dur: "4"},
		{Text: "zero end", Start: "-2", Dur: "2"},
		{Text: "kept", Start: "3", Dur: "1"},
	}
	got := Prepare(raw)
	if len(got) != 1 || got[0].Text != "Kept" {
		t.Errorf("Prepare = %v, want only the 'Kept' cue", got)
	}
}

func TestPrepareEmpty(t *testing.T) {
	if got := Prepare(nil); len(got) != 0 {
		t.Errorf("Prepare(nil) = %v, want empty", got)
	}
	if got := Prepare([]RawCue{}); len(got) != 0 {
		t.Errorf("Prepare(empty) = %v, want empty", got)
	}
}

func TestPrepareNormalizesText(t *testing.T) {
	raw := []RawCue{{Text: "  &quot;ok&quot;  ", Start: "1", Dur: "2"}}
	got := Prepare(raw)
	if len(got) != 1 || got[0].Text != `"ok"` {
		t.Errorf("Prepare = %v, want normalized quoted text", got)
	}
}
