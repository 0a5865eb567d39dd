// Package audio provides the PCM primitives used by the transcription
// pipeline: stereo channel splitting, sample rate conversion, silence
// trimming, and WAV file IO. All functions operate on 16-bit signed
// little-endian PCM byte slices.
package audio

// bitsPerSample is fixed at 16 for all PCM handled by this package.
const bitsPerSample = 16

// SplitStereo separates interleaved stereo PCM into its left and right mono
// streams. Each stereo frame is 4 bytes (2 bytes L + 2 bytes R); a trailing
// partial frame is discarded.
func SplitStereo(pcm []byte) (left, right []byte) {
	frames := len(pcm) / 4
	left = make([]byte, frames*2)
	right = make([]byte, frames*2)
	for i := range frames {
		left[i*2] = pcm[i*4]
		left[i*2+1] = pcm[i*4+1]
		right[i*2] = pcm[i*4+2]
		right[i*2+1] = pcm[i*4+3]
	}
	return left, right
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Duration returns the play time in seconds of a mono PCM buffer at the
// given sample rate. Returns 0 for invalid inputs.
func Duration(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return float64(samples) / float64(sampleRate)
}
