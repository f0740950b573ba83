package pcm

import (
	"encoding/base64"
	"encoding/binary"
)

// Wire contract with the live transcription service: 16-bit signed
// little-endian PCM, 16 kHz, mono, base64-encoded per frame.
const (
	CaptureRate = 16000
	SpeechRate  = 24000

	MIMEType = "audio/pcm;rate=16000"
)

// Encode converts float samples in [-1, 1] to little-endian signed 16-bit
// PCM. Out-of-range samples are clamped before scaling so they can never
// wrap around.
func Encode(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		s := v
		if s > 1 {
			s = 1
		}
		if s < -1 {
			s = -1
		}
		var n int16
		if s < 0 {
			n = int16(s * 0x8000)
		} else {
			n = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(n))
	}
	return out
}

// EncodeFrame encodes one capture frame for transport.
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Encode(samples))
}

// Decode converts little-endian signed 16-bit PCM back to float samples.
func Decode(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		n := int16(binary.LittleEndian.Uint16(data[2*i:]))
		if n < 0 {
			out[i] = float32(n) / 0x8000
		} else {
			out[i] = float32(n) / 0x7FFF
		}
	}
	return out
}
