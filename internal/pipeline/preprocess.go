package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/callsight-ai/callsight/pkg/audio"
)

// targetSampleRate is what the STT endpoint expects; everything is resampled
// to it during preprocessing.
const targetSampleRate = 16000

// Preprocessor turns a downloaded audio file into per-channel mono streams:
// stereo is split left/right with fixed speaker labels, everything is
// resampled to 16 kHz, and long silent stretches at the edges are trimmed.
type Preprocessor struct {
	tmpDir string
	trim   audio.TrimConfig
}

// NewPreprocessor creates a Preprocessor writing channel files under tmpDir
// (empty means [os.TempDir]).
func NewPreprocessor(tmpDir string) *Preprocessor {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Preprocessor{tmpDir: tmpDir}
}

// Process splits, resamples, and trims the input file. The returned slice has
// two entries for stereo input (left then right) and one for mono; mono input
// means diarization is unavailable downstream. scratchDir holds the emitted
// channel files and must be removed by the caller.
func (p *Preprocessor) Process(inputPath string) (channels []ChannelAudio, scratchDir string, err error) {
	pcm, sampleRate, numChannels, err := audio.ReadWAV(inputPath)
	if err != nil {
		return nil, "", stageErrorf("preprocess", "read input: %w", err)
	}

	scratchDir = filepath.Join(p.tmpDir, "whisper_preprocessed_"+uuid.NewString()[:8])
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, "", stageErrorf("preprocess", "create scratch dir: %w", err)
	}

	type stream struct {
		channelID string
		speakerID string
		pcm       []byte
	}
	var streams []stream
	switch numChannels {
	case 1:
		streams = []stream{{channelID: "mono", speakerID: SpeakerLeft, pcm: pcm}}
	case 2:
		left, right := audio.SplitStereo(pcm)
		streams = []stream{
			{channelID: "left", speakerID: SpeakerLeft, pcm: left},
			{channelID: "right", speakerID: SpeakerRight, pcm: right},
		}
	default:
		return nil, scratchDir, stageErrorf("preprocess", "unsupported channel count %d", numChannels)
	}

	for _, s := range streams {
		mono := audio.ResampleMono16(s.pcm, sampleRate, targetSampleRate)
		mono = audio.TrimSilence(mono, targetSampleRate, p.trim)
		if len(mono) == 0 {
			slog.Warn("channel is entirely silent, skipping", "channel", s.channelID)
			continue
		}

		outPath := filepath.Join(scratchDir, s.channelID+".wav")
		if err := audio.WriteWAV(outPath, mono, targetSampleRate, 1); err != nil {
			return nil, scratchDir, stageErrorf("preprocess", "write channel %s: %w", s.channelID, err)
		}
		size, err := sizeOf("preprocess", outPath)
		if err != nil {
			return nil, scratchDir, err
		}

		channels = append(channels, ChannelAudio{
			ChannelID:   s.channelID,
			SpeakerID:   s.speakerID,
			Path:        outPath,
			DurationSec: audio.Duration(mono, targetSampleRate),
			SizeBytes:   size,
		})
	}

	if len(channels) == 0 {
		return nil, scratchDir, stageErrorf("preprocess", "no audible channels in input")
	}
	return channels, scratchDir, nil
}
