package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// parseWAV reads a RIFF/WAVE file containing 16-bit PCM and returns the
// samples per channel interleaved, plus format info.
func parseWAV(data []byte) (samples []float32, rate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		fmtFound      bool
		bitsPerSample int
		pcm           []byte
	)
	off := 12
	for off+8 <= len(data) {
		chunkID := string(data[off : off+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+chunkLen > len(data) {
			return nil, 0, 0, fmt.Errorf("truncated %q chunk", chunkID)
		}
		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, 0, 0, fmt.Errorf("fmt chunk too short")
			}
			audioFormat := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if audioFormat != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported audio format %d (want PCM)", audioFormat)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			fmtFound = true
		case "data":
			pcm = data[body : body+chunkLen]
		}
		// Chunks are word-aligned.
		off = body + chunkLen + chunkLen%2
	}

	if !fmtFound || pcm == nil {
		return nil, 0, 0, fmt.Errorf("missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d (want 16)", bitsPerSample)
	}
	if channels < 1 || rate <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid format: %d channels at %d Hz", channels, rate)
	}

	n := len(pcm) / 2
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i : 2*i+2]))
		samples[i] = float32(s) / 32768.0
	}
	return samples, rate, channels, nil
}

// EncodeWAV serializes a clip as a 16-bit mono PCM WAV file. This is the
// canonical wire form sent to the embedding model server.
func EncodeWAV(clip *Clip) []byte {
	dataLen := len(clip.Samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataLen))

	byteRate := clip.Rate * 2
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen)) //nolint:errcheck
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))        //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(1))         //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(1))         //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint32(clip.Rate)) //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))  //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(2))         //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(16))        //nolint:errcheck
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen)) //nolint:errcheck
	for _, s := range clip.Samples {
		v := math.Round(float64(s) * 32767.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.Write(buf, binary.LittleEndian, int16(v)) //nolint:errcheck
	}
	return buf.Bytes()
}
