package pipeline

import (
	"strings"
	"testing"
)

func TestCondense(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"single word over threshold", "a a a a", "a a a..."},
		{"single word long run", "go go go go go go", "go go go..."},
		{"two word pattern", "x y x y x y x y", "x y x y x y..."},
		{"at threshold unchanged", "no no no", "no no no"},
		{"non repetitive unchanged", "thank you for calling today", "thank you for calling today"},
		{"run inside sentence", "please hold hold hold hold hold one moment", "please hold hold hold... one moment"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Condense(tc.in); got != tc.want {
				t.Errorf("Condense(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCondense_Idempotent(t *testing.T) {
	inputs := []string{
		"a a a a",
		"go go go go go go",
		"x y x y x y x y",
		"mixed text with yes yes yes yes yes trailing words",
	}
	for _, in := range inputs {
		once := Condense(in)
		if twice := Condense(once); twice != once {
			t.Errorf("Condense not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestProcess_SpeakerTurnAssembly(t *testing.T) {
	p := NewPostProcessor()
	transcript, _, _ := p.Process([]SpeakerSegment{
		seg(0, 2, SpeakerLeft, "hello"),
		seg(2, 4, SpeakerLeft, "how are you"),
		seg(5, 7, SpeakerRight, "fine thanks"),
		seg(8, 10, SpeakerLeft, "great"),
	}, 10)

	want := "Speaker_1: hello how are you\nSpeaker_2: fine thanks\nSpeaker_1: great"
	if transcript != want {
		t.Errorf("transcript = %q, want %q", transcript, want)
	}
}

func TestProcess_Stats(t *testing.T) {
	p := NewPostProcessor()
	_, _, stats := p.Process([]SpeakerSegment{
		{StartSec: 0, EndSec: 4, SpeakerID: SpeakerLeft, Text: "one two three", Confidence: 1.0},
		{StartSec: 6, EndSec: 8, SpeakerID: SpeakerRight, Text: "four five", Confidence: 0.5},
	}, 10)

	if stats.TotalDurationSec != 10 {
		t.Errorf("TotalDurationSec = %v, want 10", stats.TotalDurationSec)
	}
	if stats.SpeakingSec != 6 {
		t.Errorf("SpeakingSec = %v, want 6", stats.SpeakingSec)
	}
	if stats.SilenceSec != 4 {
		t.Errorf("SilenceSec = %v, want 4", stats.SilenceSec)
	}
	if stats.SpeakerChanges != 1 {
		t.Errorf("SpeakerChanges = %v, want 1", stats.SpeakerChanges)
	}
	// Duration weighted: (1.0*4 + 0.5*2) / 6.
	if want := 5.0 / 6.0; stats.AvgConfidence != want {
		t.Errorf("AvgConfidence = %v, want %v", stats.AvgConfidence, want)
	}

	left := stats.Speakers[SpeakerLeft]
	if left.Segments != 1 || left.Words != 3 || left.SpeakingSec != 4 {
		t.Errorf("left stats = %+v", left)
	}
	if want := 100 * 4.0 / 6.0; left.SpeakingPct != want {
		t.Errorf("left SpeakingPct = %v, want %v", left.SpeakingPct, want)
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	p := NewPostProcessor()
	transcript, segs, stats := p.Process(nil, 30)

	if transcript != "" {
		t.Errorf("transcript = %q, want empty", transcript)
	}
	if len(segs) != 0 {
		t.Errorf("segments = %+v, want none", segs)
	}
	if stats.SilenceSec != 30 {
		t.Errorf("SilenceSec = %v, want 30", stats.SilenceSec)
	}
}

func TestRenderSRT(t *testing.T) {
	got := RenderSRT([]SpeakerSegment{
		seg(0, 1.5, SpeakerLeft, "hello"),
		seg(61.25, 62, SpeakerRight, "hi"),
	})

	if !strings.Contains(got, "1\n00:00:00,000 --> 00:00:01,500\nSpeaker_1: hello\n") {
		t.Errorf("missing first cue:\n%s", got)
	}
	if !strings.Contains(got, "2\n00:01:01,250 --> 00:01:02,000\nSpeaker_2: hi\n") {
		t.Errorf("missing second cue:\n%s", got)
	}
}

func TestRenderConversation(t *testing.T) {
	got := RenderConversation([]SpeakerSegment{seg(0, 2, SpeakerLeft, "hello")})
	want := "[0000.00 - 0002.00] Speaker_1: hello\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
