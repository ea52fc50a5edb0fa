// Package encode converts captured media into the wire formats the live endpoint accepts.
package encode

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// InputMIMEType tags microphone chunks sent upstream.
	InputMIMEType = "audio/pcm;rate=16000"
	// JPEGMIMEType tags vision frames sent upstream.
	JPEGMIMEType = "image/jpeg"

	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// ErrInvalidSample reports a sample that cannot be represented as PCM16.
var ErrInvalidSample = errors.New("invalid audio sample")

// PCM16 converts float samples in [-1,1] to 16-bit little-endian PCM.
// Out-of-range samples are clamped; NaN and Inf are rejected.
func PCM16(frame []float32) ([]byte, error) {
	out := make([]byte, len(frame)*2)
	for i, sample := range frame {
		v := float64(sample)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w at index %d: %v", ErrInvalidSample, i, sample)
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out, nil
}

// DecodePCM16 converts little-endian PCM16 bytes into samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// Base64 renders a payload as standard base64 text.
func Base64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 is the inverse of Base64.
func DecodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return data, nil
}
