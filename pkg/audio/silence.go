package audio

import (
	"encoding/binary"
	"math"
)

const (
	// frameMs is the analysis window for silence detection.
	frameMs = 10

	// maxSample is the full-scale amplitude of 16-bit PCM, the 0 dBFS
	// reference.
	maxSample = 32768.0
)

// TrimConfig parameterises [TrimSilence].
type TrimConfig struct {
	// ThresholdDB is the level below which audio counts as silence,
	// in dBFS (negative). Default: -40.
	ThresholdDB float64

	// MinRunMs is the minimum length of a silent run at either end before
	// anything is trimmed. Default: 500.
	MinRunMs int

	// PadMs is how much of the silent run is kept as padding. Default: 100.
	PadMs int
}

// normalize fills in zero-value fields with the defaults.
func (c TrimConfig) normalize() TrimConfig {
	if c.ThresholdDB == 0 {
		c.ThresholdDB = -40
	}
	if c.MinRunMs == 0 {
		c.MinRunMs = 500
	}
	if c.PadMs == 0 {
		c.PadMs = 100
	}
	return c
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer. Returns 0 for buffers shorter than one sample. The result is
// expressed in the same units as PCM sample values (0–32 767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts an RMS energy level to decibels relative to full scale.
// Digital silence maps to -96 dBFS rather than negative infinity.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return -96
	}
	return 20 * math.Log10(rms/maxSample)
}

// TrimSilence removes leading and trailing silence from mono PCM. Only runs
// of at least MinRunMs below ThresholdDB are trimmed, and PadMs of the run is
// kept at each trimmed end so speech does not start abruptly. Audio that is
// entirely silent comes back empty.
func TrimSilence(pcm []byte, sampleRate int, cfg TrimConfig) []byte {
	cfg = cfg.normalize()
	if sampleRate <= 0 || len(pcm) < 2 {
		return pcm
	}

	frameBytes := sampleRate * frameMs / 1000 * 2
	if frameBytes < 2 {
		return pcm
	}
	numFrames := len(pcm) / frameBytes
	if numFrames == 0 {
		return pcm
	}

	silent := make([]bool, numFrames)
	for i := range silent {
		frame := pcm[i*frameBytes : (i+1)*frameBytes]
		silent[i] = DBFS(RMS(frame)) < cfg.ThresholdDB
	}

	// Length of the silent run at each end, in frames.
	lead := 0
	for lead < numFrames && silent[lead] {
		lead++
	}
	if lead == numFrames {
		return nil
	}
	tail := 0
	for tail < numFrames && silent[numFrames-1-tail] {
		tail++
	}

	minRunFrames := cfg.MinRunMs / frameMs
	padFrames := cfg.PadMs / frameMs

	start := 0
	if lead >= minRunFrames {
		start = lead - padFrames
	}
	end := numFrames
	if tail >= minRunFrames {
		end = numFrames - tail + padFrames
	}

	return pcm[start*frameBytes : end*frameBytes]
}
