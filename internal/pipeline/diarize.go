package pipeline

import (
	"math"
	"sort"
	"strings"
)

// Diarizer defaults.
const (
	defaultMinSegmentDuration = 0.5
	defaultMergeThreshold     = 1.0
)

// DiarizerConfig parameterises [Diarizer].
type DiarizerConfig struct {
	// MinSegmentDuration drops segments shorter than this many seconds.
	// Default: 0.5.
	MinSegmentDuration float64

	// MergeThreshold merges consecutive same-speaker segments whose gap is at
	// most this many seconds. Default: 1.0.
	MergeThreshold float64
}

// Diarizer combines per-channel transcription segments into a single
// overlap-resolved speaker timeline. Channel bleed shows up as short
// crosstalk segments on the other speaker's channel; the diarizer removes
// them by scoring which speaker dominates each overlap window.
type Diarizer struct {
	minDuration    float64
	mergeThreshold float64
}

// NewDiarizer creates a Diarizer, replacing zero config fields with defaults.
func NewDiarizer(cfg DiarizerConfig) *Diarizer {
	if cfg.MinSegmentDuration <= 0 {
		cfg.MinSegmentDuration = defaultMinSegmentDuration
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = defaultMergeThreshold
	}
	return &Diarizer{
		minDuration:    cfg.MinSegmentDuration,
		mergeThreshold: cfg.MergeThreshold,
	}
}

// Diarize produces the final speaker timeline: short and empty segments are
// dropped, cross-speaker overlaps are resolved in favour of the dominant
// speaker, adjacent same-speaker segments are merged, and the result is
// sorted by start time. Input with a single speaker skips overlap cleanup.
func (d *Diarizer) Diarize(segments []SpeakerSegment) []SpeakerSegment {
	kept := make([]SpeakerSegment, 0, len(segments))
	for _, s := range segments {
		if s.DurationSec() < d.minDuration {
			continue
		}
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		kept = append(kept, s)
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].StartSec < kept[j].StartSec
	})

	if countSpeakers(kept) > 1 {
		kept = d.resolveOverlaps(kept)
	}

	kept = d.mergeAdjacent(kept)

	// Whitespace normalisation may empty a segment; drop those.
	out := kept[:0]
	for _, s := range kept {
		s.Text = strings.Join(strings.Fields(s.Text), " ")
		if s.Text == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// overlapWindow is a maximal time interval where two speakers talk at once.
type overlapWindow struct {
	start, end float64
}

// resolveOverlaps finds cross-speaker overlap windows, scores each
// participating segment, and removes non-dominant segments that lie mostly
// or entirely inside a window.
func (d *Diarizer) resolveOverlaps(segments []SpeakerSegment) []SpeakerSegment {
	windows := findOverlapWindows(segments)
	if len(windows) == 0 {
		return segments
	}

	removed := make([]bool, len(segments))
	for _, w := range windows {
		d.resolveWindow(segments, removed, w)
	}

	out := make([]SpeakerSegment, 0, len(segments))
	for i, s := range segments {
		if !removed[i] {
			out = append(out, s)
		}
	}
	return out
}

// findOverlapWindows collects the pairwise intersections of different-speaker
// segments and merges touching intervals into maximal windows. Input must be
// sorted by start time.
func findOverlapWindows(segments []SpeakerSegment) []overlapWindow {
	var raw []overlapWindow
	for i := 0; i < len(segments); i++ {
		for j := i + 1; j < len(segments); j++ {
			a, b := segments[i], segments[j]
			if b.StartSec >= a.EndSec {
				break // sorted: no later segment can overlap a
			}
			if a.SpeakerID == b.SpeakerID {
				continue
			}
			start := math.Max(a.StartSec, b.StartSec)
			end := math.Min(a.EndSec, b.EndSec)
			if end > start {
				raw = append(raw, overlapWindow{start: start, end: end})
			}
		}
	}
	if len(raw) == 0 {
		return nil
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].start < raw[j].start })
	merged := []overlapWindow{raw[0]}
	for _, w := range raw[1:] {
		last := &merged[len(merged)-1]
		if w.start <= last.end {
			if w.end > last.end {
				last.end = w.end
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

// resolveWindow scores every segment intersecting w, picks the dominant
// speaker by average score, and marks losing segments for removal when at
// least half their extent falls inside the window.
func (d *Diarizer) resolveWindow(segments []SpeakerSegment, removed []bool, w overlapWindow) {
	windowDur := w.end - w.start

	type entry struct {
		idx      int
		insideFr float64 // fraction of the segment inside the window
		score    float64
	}
	var entries []entry
	speakerScore := map[string]float64{}
	speakerCount := map[string]int{}

	for i, s := range segments {
		if removed[i] || s.EndSec <= w.start || s.StartSec >= w.end {
			continue
		}
		overlap := math.Min(s.EndSec, w.end) - math.Max(s.StartSec, w.start)
		segDur := s.DurationSec()
		words := float64(len(strings.Fields(s.Text)))
		wordsInOverlap := math.Round(words * overlap / segDur)

		coverage := overlap / windowDur
		density := math.Min(1, wordsInOverlap/(overlap*3))
		score := 0.7*coverage + 0.3*density

		entries = append(entries, entry{idx: i, insideFr: overlap / segDur, score: score})
		speakerScore[s.SpeakerID] += score
		speakerCount[s.SpeakerID]++
	}
	if len(speakerScore) < 2 {
		return
	}

	dominant := ""
	best := math.Inf(-1)
	for sp, total := range speakerScore {
		avg := total / float64(speakerCount[sp])
		if avg > best || (avg == best && sp < dominant) {
			best = avg
			dominant = sp
		}
	}

	for _, e := range entries {
		if segments[e.idx].SpeakerID == dominant {
			continue
		}
		if e.insideFr >= 0.5 {
			removed[e.idx] = true
		}
	}
}

// mergeAdjacent merges consecutive same-speaker segments whose gap is within
// the merge threshold: text is concatenated, the end extends, and confidence
// is averaged. Input must be sorted by start time.
func (d *Diarizer) mergeAdjacent(segments []SpeakerSegment) []SpeakerSegment {
	if len(segments) == 0 {
		return segments
	}

	out := []SpeakerSegment{segments[0]}
	for _, s := range segments[1:] {
		last := &out[len(out)-1]
		if s.SpeakerID == last.SpeakerID && s.StartSec-last.EndSec <= d.mergeThreshold {
			last.Text += " " + s.Text
			if s.EndSec > last.EndSec {
				last.EndSec = s.EndSec
			}
			last.Confidence = (last.Confidence + s.Confidence) / 2
			continue
		}
		out = append(out, s)
	}
	return out
}

// countSpeakers returns the number of distinct speaker IDs.
func countSpeakers(segments []SpeakerSegment) int {
	seen := map[string]struct{}{}
	for _, s := range segments {
		seen[s.SpeakerID] = struct{}{}
	}
	return len(seen)
}
