// internal/recording/wav.go
package recording

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math"
)

const wavMIME = "audio/wav"

// EncodeWAV wraps mono 16-bit samples in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := uint32(len(samples) * 2)
	blockAlign := uint16(channels * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate)*uint32(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// DataURL encodes audio as a base64 data URL.
func DataURL(mime string, audio []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(audio)
}

// RMS returns the root mean square of samples normalized to [-1, 1].
// An empty window is silent.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
