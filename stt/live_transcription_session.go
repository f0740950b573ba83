package stt

import "context"

// LiveTranscriptionSession is one logical streaming connection to the speech
// service, scoped to a single recording attempt.
type LiveTranscriptionSession interface {
	// SendAudio forwards one encoded audio frame (base64 16-bit PCM,
	// 16 kHz mono). Frames sent before the handshake completes or after
	// close are dropped, not queued.
	SendAudio(frame string) error

	// Transcripts delivers transcript fragments in service emission order.
	// A turn boundary is delivered as a single " " fragment. The channel
	// is closed when the session ends.
	Transcripts() <-chan string

	// Close tears the connection down. Idempotent, and safe to call from
	// cleanup paths even if the session never opened.
	Close() error
}

// Service opens live transcription sessions. The context text (the passage
// or word being read) biases recognition for the whole session.
type Service interface {
	Start(ctx context.Context, contextText string) (LiveTranscriptionSession, error)
}
