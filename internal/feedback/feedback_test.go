package feedback

import (
	"errors"
	"strings"
	"testing"
)

func TestParseLabel(t *testing.T) {
	cases := []struct {
		in   string
		want Label
	}{
		{"positive", Positive},
		{" Positive ", Positive},
		{"up", Positive},
		{"negative", Negative},
		{"DOWN", Negative},
		{"-", Negative},
	}
	for _, tc := range cases {
		got, err := ParseLabel(tc.in)
		if err != nil {
			t.Fatalf("ParseLabel(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ParseLabel("meh"); !errors.Is(err, ErrInvalidLabel) {
		t.Fatalf("ParseLabel(meh) error = %v, want ErrInvalidLabel", err)
	}
}

func TestCollect(t *testing.T) {
	cases := []struct {
		name       string
		label      Label
		text       string
		wantReward float64
		wantRecord bool
	}{
		{"positive without text", Positive, "", 1, false},
		{"positive with text", Positive, "great", 1, false},
		{"negative without text", Negative, "", -1, false},
		{"negative blank text", Negative, "   ", -1, false},
		{"negative with text", Negative, "wrong model", -1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Collect("state", tc.label, tc.text)
			if out.Reward != tc.wantReward {
				t.Fatalf("Reward = %v, want %v", out.Reward, tc.wantReward)
			}
			if (out.Record != nil) != tc.wantRecord {
				t.Fatalf("Record = %+v, want present=%v", out.Record, tc.wantRecord)
			}
			if out.Record != nil && (out.Record.State != "state" || out.Record.FreeText != tc.text) {
				t.Fatalf("unexpected record: %+v", out.Record)
			}
		})
	}
}

func TestLineRoundTrip(t *testing.T) {
	line := FormatLine(Record{State: "my laptop\nwon't boot", FreeText: "answer was wrong, try again"})
	if strings.Count(line, "\n") != 1 || !strings.HasSuffix(line, "\n") {
		t.Fatalf("FormatLine() = %q, want single terminated line", line)
	}
	got, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if got.State != "my laptop won't boot" {
		t.Fatalf("State = %q", got.State)
	}
	if got.FreeText != "answer was wrong, try again" {
		t.Fatalf("FreeText = %q", got.FreeText)
	}
}

func TestReadLines(t *testing.T) {
	in := "q1,bad\n\nq2,still bad, really\n"
	recs, err := ReadLines(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[1].FreeText != "still bad, really" {
		t.Fatalf("recs[1] = %+v", recs[1])
	}

	if _, err := ReadLines(strings.NewReader("no-comma\n")); err == nil {
		t.Fatalf("ReadLines() error = nil, want error for malformed line")
	}
}
