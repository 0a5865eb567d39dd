package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ReadWAV decodes a WAV file into raw 16-bit little-endian PCM plus its
// format. Multi-channel files stay interleaved. Samples with a different bit
// depth are rescaled to 16 bits.
func ReadWAV(path string) (pcm []byte, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: open wav %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: decode wav %q: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, 0, 0, fmt.Errorf("audio: wav %q has no format information", path)
	}

	shift := int(dec.BitDepth) - bitsPerSample
	pcm = make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		v := s
		if shift > 0 {
			v >>= shift
		} else if shift < 0 {
			v <<= -shift
		}
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

// WriteWAV encodes raw 16-bit little-endian PCM into a WAV file at path.
func WriteWAV(path string, pcm []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav %q: %w", path, err)
	}
	defer f.Close()

	samples := len(pcm) / 2
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: bitsPerSample,
		Data:           make([]int, samples),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	enc := wav.NewEncoder(f, sampleRate, bitsPerSample, channels, 1)
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("audio: encode wav %q: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav %q: %w", path, err)
	}
	return nil
}
