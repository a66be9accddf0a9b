// Package voice handles audio canonicalization, speaker embeddings, and
// similarity scoring for the authentication flow.
package voice

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
)

const (
	// CanonicalRate is the sample rate the embedding model expects.
	CanonicalRate = 16000
	// MaxUploadBytes is the hard ceiling on a submitted audio file.
	MaxUploadBytes = 10 << 20
	// MaxClipDuration bounds the decoded audio length.
	MaxClipDuration = 30 * time.Second
)

var (
	// ErrFileTooLarge is returned when the upload exceeds MaxUploadBytes.
	ErrFileTooLarge = errors.New("audio file too large")
	// ErrMalformedAudio is returned when the payload cannot be decoded.
	ErrMalformedAudio = errors.New("malformed audio")
	// ErrClipTooLong is returned when decoded audio exceeds MaxClipDuration.
	ErrClipTooLong = errors.New("audio clip too long")
)

// Clip is audio in the canonical form the extractor expects: mono float32
// samples in [-1, 1] at CanonicalRate.
type Clip struct {
	Samples []float32
	Rate    int
}

// Duration returns the clip length.
func (c *Clip) Duration() time.Duration {
	if c.Rate == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.Rate)
}

// Decode transcodes an uploaded WAV or MP3 payload into a canonical clip.
// Size is checked before any decoding work.
func Decode(data []byte) (*Clip, error) {
	if len(data) > MaxUploadBytes {
		return nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedAudio)
	}

	var (
		samples  []float32
		rate     int
		channels int
		err      error
	)
	if bytes.HasPrefix(data, []byte("RIFF")) {
		samples, rate, channels, err = parseWAV(data)
	} else {
		samples, rate, channels, err = decodeMP3(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}

	mono := downmix(samples, channels)
	mono = resample(mono, rate, CanonicalRate)

	clip := &Clip{Samples: mono, Rate: CanonicalRate}
	if clip.Duration() > MaxClipDuration {
		return nil, ErrClipTooLong
	}
	return clip, nil
}

// decodeMP3 decodes an MP3 stream. go-mp3 always emits 16-bit stereo.
func decodeMP3(data []byte) (samples []float32, rate, channels int, err error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, 0, err
	}
	n := len(pcm) / 2
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		samples[i] = float32(s) / 32768.0
	}
	return samples, dec.SampleRate(), 2, nil
}

// downmix averages interleaved channels into mono.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// resample converts mono samples from srcRate to dstRate by linear
// interpolation. Speaker embeddings are robust to the interpolation error,
// so a polyphase filter would buy nothing here.
func resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
