// Package pipeline implements the audio transcription pipeline: blob
// download, stereo channel preprocessing, size-bounded chunking,
// bounded-concurrency transcription fan-out, channel-based speaker
// diarization, and transcript post-processing. The [Pipeline] orchestrator
// runs the stages in order and guarantees scratch cleanup.
package pipeline

import "fmt"

// Speaker labels assigned to the stereo channels. Left is always Speaker_1.
const (
	SpeakerLeft  = "Speaker_1"
	SpeakerRight = "Speaker_2"
)

// ChannelAudio is one preprocessed mono stream ready for chunking.
type ChannelAudio struct {
	// ChannelID is "left" or "right".
	ChannelID string

	// SpeakerID is the speaker label derived from the channel.
	SpeakerID string

	// Path is the scratch WAV file holding the stream.
	Path string

	// DurationSec is the stream length after silence trimming.
	DurationSec float64

	// SizeBytes is the size of the file at Path.
	SizeBytes int64
}

// Chunk is a contiguous slice of one channel's audio, sized to fit the STT
// endpoint's upload ceiling.
type Chunk struct {
	ChunkID   int
	FilePath  string
	StartSec  float64
	EndSec    float64
	SizeBytes int64
	SpeakerID string
}

// SpeakerSegment is a timestamped span of speech attributed to one speaker,
// in original-audio coordinates. Treated as immutable once constructed;
// timestamp rebasing happens exactly once, at fan-out reassembly.
type SpeakerSegment struct {
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	SpeakerID  string  `json:"speaker_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// DurationSec returns the segment length in seconds.
func (s SpeakerSegment) DurationSec() float64 {
	return s.EndSec - s.StartSec
}

// StageError reports the failure of a named pipeline stage. The orchestrator
// short-circuits on the first one and folds it into the failure envelope.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageErrorf wraps err as a [*StageError] for the given stage.
func stageErrorf(stage string, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Result is the outcome of one pipeline run.
type Result struct {
	// Transcript is the speaker-labeled conversation text.
	Transcript string

	// Segments are the final diarized segments the transcript was built from.
	Segments []SpeakerSegment

	// Diarized reports whether channel diarization was available (stereo
	// input).
	Diarized bool

	// Language is the detected or requested language.
	Language string

	// Stats summarises speakers, timing, and confidence.
	Stats *TranscriptStats

	// Metadata accumulates per-stage processing details, populated up to the
	// point of failure when a stage fails.
	Metadata map[string]any
}
