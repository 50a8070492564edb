package captions

import (
	"strings"
	"testing"
)

func TestFormatTimestamp(t *testing.T) {
	cases := map[float64]string{
		0:        "00:00:00,000",
		1.5:      "00:00:01,500",
		61.042:   "00:01:01,042",
		3723.999: "01:02:03,999",
	}
	for in, want := range cases {
		if got := FormatTimestamp(in); got != want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteSRT(t *testing.T) {
	var sb strings.Builder
	cues := []Cue{
		{Text: "First line", Start: 1, End: 2.5},
		{Text: "Second", Start: 2.5, End: 4},
	}
	if err := WriteSRT(&sb, cues); err != nil {
		t.Fatal(err)
	}
	want := "1\n00:00:01,000 --> 00:00:02,500\nFirst line\n\n" +
		"2\n00:00:02,500 --> 00:00:04,000\nSecond\n\n"
	if sb.String() != want {
		t.Errorf("WriteSRT =\n%q\nwant\n%q", sb.String(), want)
	}
}

func TestWriteSRTEmpty(t *testing.T) {
	var sb strings.Builder
	if err := WriteSRT(&sb, nil); err != nil {
		t.Fatal(err)
	}
	if sb.Len() != 0 {
		t.Errorf("WriteSRT(nil) wrote %q, want nothing", sb.String())
	}
}
