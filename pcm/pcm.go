// Package pcm converts between float samples and 16-bit little-endian linear PCM.
package pcm

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the width of one mono 16-bit sample.
const BytesPerSample = 2

// Common sample rates.
const (
	Rate24k = 24000 // backend input and output rate
	Rate48k = 48000 // typical hardware capture rate
)

// Encode quantizes float samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range samples are clamped. Negative values scale by 0x8000 and
// positive values by 0x7FFF so both ends of the int16 range are reachable.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// Decode converts 16-bit little-endian PCM to float samples in [-1, 1).
// A trailing odd byte is ignored.
func Decode(raw []byte) []float32 {
	n := len(raw) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*BytesPerSample:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// DecodeInt16 converts 16-bit little-endian PCM to int16 samples.
func DecodeInt16(raw []byte) []int16 {
	n := len(raw) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*BytesPerSample:]))
	}
	return out
}

// Int16ToFloat converts int16 samples to float samples in [-1, 1).
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Decimate2 halves the sample rate by keeping every other sample.
// There is no anti-aliasing filter; this is only meant for 48k -> 24k.
func Decimate2(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i, j := 0, 0; j < len(out); i, j = i+2, j+1 {
		out[j] = samples[i]
	}
	return out
}

// MeanAbs returns the mean absolute amplitude of samples.
func MeanAbs(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return float32(sum / float64(len(samples)))
}

// Duration returns the play time of n mono samples at rate.
func Duration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// BytesDuration returns the play time of a mono 16-bit buffer of n bytes.
func BytesDuration(n, rate int) time.Duration {
	return Duration(n/BytesPerSample, rate)
}
