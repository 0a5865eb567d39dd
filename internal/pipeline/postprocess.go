package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// condenseThreshold is the repetition count above which a phrase run is
// collapsed. Whisper occasionally loops on a phrase for the remainder of a
// chunk; runs longer than this are model artifacts, not speech.
const condenseThreshold = 3

// SpeakerStats summarises one speaker's share of the conversation.
type SpeakerStats struct {
	Segments      int     `json:"segments"`
	SpeakingSec   float64 `json:"speaking_seconds"`
	Words         int     `json:"word_count"`
	AvgConfidence float64 `json:"avg_confidence"`
	SpeakingPct   float64 `json:"speaking_percentage"`
}

// TranscriptStats summarises the whole transcript: per-speaker shares, timing,
// and an overall duration-weighted confidence.
type TranscriptStats struct {
	TotalDurationSec float64                 `json:"total_duration_seconds"`
	SpeakingSec      float64                 `json:"speaking_seconds"`
	SilenceSec       float64                 `json:"silence_seconds"`
	SpeakerChanges   int                     `json:"speaker_changes"`
	AvgConfidence    float64                 `json:"avg_confidence"`
	Speakers         map[string]SpeakerStats `json:"speakers"`
}

// PostProcessor turns diarized segments into the final transcript and its
// summary statistics.
type PostProcessor struct{}

// NewPostProcessor creates a PostProcessor.
func NewPostProcessor() *PostProcessor {
	return &PostProcessor{}
}

// Process condenses hallucinated repetition in every segment, assembles the
// speaker-labeled transcript, and computes summary stats. Input must be
// sorted by start time. totalDuration is the original audio length; when
// zero, the last segment end is used.
func (p *PostProcessor) Process(segments []SpeakerSegment, totalDuration float64) (string, []SpeakerSegment, *TranscriptStats) {
	out := make([]SpeakerSegment, 0, len(segments))
	for _, s := range segments {
		s.Text = Condense(s.Text)
		if s.Text == "" {
			continue
		}
		out = append(out, s)
	}
	return assembleTranscript(out), out, computeStats(out, totalDuration)
}

// assembleTranscript walks the sorted segments and emits one line per speaker
// turn, buffering text until the speaker changes.
func assembleTranscript(segments []SpeakerSegment) string {
	var (
		lines   []string
		speaker string
		buf     []string
	)
	flush := func() {
		if len(buf) > 0 {
			lines = append(lines, speaker+": "+strings.Join(buf, " "))
			buf = buf[:0]
		}
	}
	for _, s := range segments {
		if s.SpeakerID != speaker {
			flush()
			speaker = s.SpeakerID
		}
		buf = append(buf, s.Text)
	}
	flush()
	return strings.Join(lines, "\n")
}

func computeStats(segments []SpeakerSegment, totalDuration float64) *TranscriptStats {
	stats := &TranscriptStats{
		TotalDurationSec: totalDuration,
		Speakers:         map[string]SpeakerStats{},
	}
	if len(segments) == 0 {
		stats.SilenceSec = totalDuration
		return stats
	}
	if stats.TotalDurationSec == 0 {
		stats.TotalDurationSec = segments[len(segments)-1].EndSec
	}

	var weightedConf float64
	prevSpeaker := ""
	for _, s := range segments {
		dur := s.DurationSec()
		stats.SpeakingSec += dur
		weightedConf += s.Confidence * dur
		if prevSpeaker != "" && s.SpeakerID != prevSpeaker {
			stats.SpeakerChanges++
		}
		prevSpeaker = s.SpeakerID

		sp := stats.Speakers[s.SpeakerID]
		sp.Segments++
		sp.SpeakingSec += dur
		sp.Words += len(strings.Fields(s.Text))
		sp.AvgConfidence += s.Confidence // running sum, averaged below
		stats.Speakers[s.SpeakerID] = sp
	}

	if stats.SpeakingSec > 0 {
		stats.AvgConfidence = weightedConf / stats.SpeakingSec
	}
	stats.SilenceSec = stats.TotalDurationSec - stats.SpeakingSec
	if stats.SilenceSec < 0 {
		stats.SilenceSec = 0
	}
	for id, sp := range stats.Speakers {
		sp.AvgConfidence /= float64(sp.Segments)
		if stats.SpeakingSec > 0 {
			sp.SpeakingPct = 100 * sp.SpeakingSec / stats.SpeakingSec
		}
		stats.Speakers[id] = sp
	}
	return stats
}

// ---- hallucination condensation ----

// Condense collapses phrase runs repeated more than three times in a row into
// three copies followed by "...". Runs covering the most words win; ties go
// to the shorter phrase. The scan repeats until a full pass changes nothing.
func Condense(text string) string {
	words := strings.Fields(text)
	for {
		next, changed := condenseOnce(words)
		if !changed {
			return strings.Join(next, " ")
		}
		words = next
	}
}

// condenseOnce performs a single collapse of the best repeating run, if any.
func condenseOnce(words []string) ([]string, bool) {
	bestStart, bestL, bestCount := -1, 0, 0
	maxL := len(words) / (condenseThreshold + 1)
	for l := 1; l <= maxL; l++ {
		for start := 0; start+l*2 <= len(words); start++ {
			count := runLength(words, start, l)
			if count <= condenseThreshold {
				continue
			}
			better := count*l > bestCount*bestL ||
				(count*l == bestCount*bestL && l < bestL)
			if better {
				bestStart, bestL, bestCount = start, l, count
			}
			// Skip past this run; shorter suffixes of it are not better.
			start += (count - 1) * l
		}
	}
	if bestStart < 0 {
		return words, false
	}

	phrase := words[bestStart : bestStart+bestL]
	replacement := make([]string, 0, bestL*condenseThreshold)
	for i := 0; i < condenseThreshold; i++ {
		replacement = append(replacement, phrase...)
	}
	replacement[len(replacement)-1] += "..."

	out := make([]string, 0, len(words)-bestCount*bestL+len(replacement))
	out = append(out, words[:bestStart]...)
	out = append(out, replacement...)
	out = append(out, words[bestStart+bestCount*bestL:]...)
	return out, true
}

// runLength counts how many times the phrase words[start:start+l] repeats
// consecutively starting at start.
func runLength(words []string, start, l int) int {
	count := 1
	for next := start + l; next+l <= len(words); next += l {
		if !equalPhrase(words[start:start+l], words[next:next+l]) {
			break
		}
		count++
	}
	return count
}

func equalPhrase(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---- alternative renderings ----

// RenderJSON serialises the segments and stats as an indented JSON document.
func RenderJSON(r *Result) ([]byte, error) {
	doc := struct {
		Transcript string           `json:"transcript"`
		Language   string           `json:"language"`
		Diarized   bool             `json:"diarized"`
		Segments   []SpeakerSegment `json:"segments"`
		Stats      *TranscriptStats `json:"stats,omitempty"`
	}{
		Transcript: r.Transcript,
		Language:   r.Language,
		Diarized:   r.Diarized,
		Segments:   r.Segments,
		Stats:      r.Stats,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// RenderSRT formats the segments as a SubRip subtitle track.
func RenderSRT(segments []SpeakerSegment) string {
	var b strings.Builder
	for i, s := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s: %s\n\n",
			i+1, srtTimestamp(s.StartSec), srtTimestamp(s.EndSec), s.SpeakerID, s.Text)
	}
	return b.String()
}

func srtTimestamp(sec float64) string {
	ms := int(sec*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// RenderConversation formats the segments as plain timestamped lines.
func RenderConversation(segments []SpeakerSegment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "[%07.2f - %07.2f] %s: %s\n", s.StartSec, s.EndSec, s.SpeakerID, s.Text)
	}
	return b.String()
}
