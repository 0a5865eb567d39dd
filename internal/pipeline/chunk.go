package pipeline

import (
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/callsight-ai/callsight/pkg/audio"
)

// defaultSizeCeiling is the STT endpoint's per-upload limit.
const defaultSizeCeiling = 24 << 20 // 24 MB

// Chunker splits channel files that exceed the upload size ceiling into
// contiguous, equal-duration chunks. Chunks carry start/end offsets in
// original-audio coordinates; reassembly relies on those, not on overlap.
type Chunker struct {
	tmpDir      string
	sizeCeiling int64
}

// NewChunker creates a Chunker with the given size ceiling in bytes
// (zero means 24 MB), writing chunk files under tmpDir.
func NewChunker(tmpDir string, sizeCeiling int64) *Chunker {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if sizeCeiling <= 0 {
		sizeCeiling = defaultSizeCeiling
	}
	return &Chunker{tmpDir: tmpDir, sizeCeiling: sizeCeiling}
}

// Split cuts one channel into chunks. A file within the ceiling produces a
// single chunk covering the whole duration and reuses the channel file
// as-is. scratchDir is empty when no chunk files were written.
func (c *Chunker) Split(ch ChannelAudio) (chunks []Chunk, scratchDir string, err error) {
	if ch.SizeBytes <= c.sizeCeiling {
		return []Chunk{{
			ChunkID:   0,
			FilePath:  ch.Path,
			StartSec:  0,
			EndSec:    ch.DurationSec,
			SizeBytes: ch.SizeBytes,
			SpeakerID: ch.SpeakerID,
		}}, "", nil
	}

	n := int(math.Ceil(float64(ch.SizeBytes) / float64(c.sizeCeiling)))

	pcm, sampleRate, _, err := audio.ReadWAV(ch.Path)
	if err != nil {
		return nil, "", stageErrorf("chunk", "read channel %s: %w", ch.ChannelID, err)
	}

	scratchDir = filepath.Join(c.tmpDir, "whisper_chunks_"+uuid.NewString()[:8])
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, "", stageErrorf("chunk", "create scratch dir: %w", err)
	}

	samples := len(pcm) / 2
	chunkDur := ch.DurationSec / float64(n)

	for i := 0; i < n; i++ {
		startSample := samples * i / n
		endSample := samples * (i + 1) / n
		part := pcm[startSample*2 : endSample*2]

		outPath := filepath.Join(scratchDir, chunkName(ch.ChannelID, i))
		if err := audio.WriteWAV(outPath, part, sampleRate, 1); err != nil {
			return nil, scratchDir, stageErrorf("chunk", "write chunk %d of %s: %w", i, ch.ChannelID, err)
		}
		size, err := sizeOf("chunk", outPath)
		if err != nil {
			return nil, scratchDir, err
		}

		end := chunkDur * float64(i+1)
		if i == n-1 {
			end = ch.DurationSec
		}
		chunks = append(chunks, Chunk{
			ChunkID:   i,
			FilePath:  outPath,
			StartSec:  chunkDur * float64(i),
			EndSec:    end,
			SizeBytes: size,
			SpeakerID: ch.SpeakerID,
		})
	}
	return chunks, scratchDir, nil
}

func chunkName(channelID string, i int) string {
	return channelID + "_chunk_" + strconv.Itoa(i) + ".wav"
}
