package stt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"readcoach/pcm"
)

const (
	liveHost  = "generativelanguage.googleapis.com"
	livePath  = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	liveModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"

	// TurnSeparator is emitted as its own fragment when the service signals
	// a turn boundary, so concatenated fragments stay word-separated.
	TurnSeparator = " "
)

// Session states. Any state may transition to stateClosed on error or
// explicit close; there is no reconnection.
const (
	stateIdle int32 = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// GeminiClient opens live transcription sessions against the Gemini
// BidiGenerateContent endpoint.
type GeminiClient struct {
	apiKey string
	scheme string
	host   string
	logger *log.Logger
}

func NewGeminiClient(apiKey string, logger *log.Logger) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, scheme: "wss", host: liveHost, logger: logger}
}

func transcriptionInstruction(contextText string) string {
	return fmt.Sprintf(`You are an expert speech-to-text transcription service.
A user is going to read the following English text out loud.
Your task is to accurately transcribe their speech.
The user's pronunciation might not be perfect, but you should transcribe what they say as closely as possible, using the provided text as a strong contextual guide to improve accuracy.
Do not add any commentary, corrections, or extra text. Only provide the transcription.

The text the user is reading is:
---
%q
---`, contextText)
}

// Start dials the websocket, performs the setup handshake, and begins the
// read loop. The returned session is Open; a handshake failure leaves
// nothing to clean up beyond the connection itself.
func (c *GeminiClient) Start(ctx context.Context, contextText string) (LiveTranscriptionSession, error) {
	s := &GeminiSession{
		logger:      c.logger,
		transcripts: make(chan string, 32),
	}
	s.state.Store(stateConnecting)

	u := url.URL{
		Scheme:   c.scheme,
		Host:     c.host,
		Path:     livePath,
		RawQuery: "key=" + url.QueryEscape(c.apiKey),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		s.state.Store(stateClosed)
		return nil, fmt.Errorf("error connecting to live transcription: %w", err)
	}
	s.conn = conn

	setup := setupMessage{
		Setup: setupPayload{
			Model: liveModel,
			GenerationConfig: generationConfig{
				// The service requires a response modality even though
				// only the input transcription stream is consumed.
				ResponseModalities: []string{"AUDIO"},
			},
			SystemInstruction: &content{
				Parts: []part{{Text: transcriptionInstruction(contextText)}},
			},
		},
	}
	if err := s.writeJSON(setup); err != nil {
		s.teardown()
		return nil, fmt.Errorf("error sending session setup: %w", err)
	}

	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		s.teardown()
		return nil, fmt.Errorf("error awaiting setup handshake: %w", err)
	}
	if msg.SetupComplete == nil {
		s.teardown()
		return nil, fmt.Errorf("unexpected handshake response")
	}

	s.state.Store(stateOpen)
	c.logger.Info("open", "kind", "gemini-live")

	go s.readLoop()

	return s, nil
}

// GeminiSession is a single live connection. It satisfies pcm.FrameSink so
// the capture pipeline can feed it directly.
type GeminiSession struct {
	conn        *websocket.Conn
	logger      *log.Logger
	state       atomic.Int32
	transcripts chan string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ pcm.FrameSink = (*GeminiSession)(nil)

// SendAudio forwards one encoded frame. Frames arriving while the session is
// not open are dropped; the handshake completes before meaningful audio
// begins, so nothing is queued.
func (s *GeminiSession) SendAudio(frame string) error {
	if s.state.Load() != stateOpen {
		s.logger.Debug("dropping frame", "state", s.state.Load())
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: pcm.MIMEType, Data: frame}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("error sending audio frame: %w", err)
	}
	return nil
}

func (s *GeminiSession) Transcripts() <-chan string {
	return s.transcripts
}

// Close transitions the session to closed. Idempotent; the read loop owns
// closing the transcripts channel.
func (s *GeminiSession) Close() error {
	s.closeOnce.Do(func() {
		prev := s.state.Swap(stateClosing)
		if s.conn != nil {
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			s.writeMu.Unlock()
			_ = s.conn.Close()
		}
		s.state.Store(stateClosed)
		if prev == stateOpen {
			s.logger.Info("closed", "kind", "gemini-live")
		}
	})
	return nil
}

func (s *GeminiSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// readLoop delivers transcript fragments in arrival order. It exits on any
// read error (including our own Close) and is the only writer of the
// transcripts channel.
func (s *GeminiSession) readLoop() {
	defer close(s.transcripts)
	for {
		var msg serverMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.state.Load() == stateOpen {
				s.logger.Error("live session read", "error", err)
			}
			s.state.Store(stateClosed)
			return
		}
		if msg.ServerContent == nil {
			continue
		}
		if it := msg.ServerContent.InputTranscription; it != nil && it.Text != "" {
			s.logger.Debug("hear", "txt", it.Text)
			s.transcripts <- it.Text
		}
		if msg.ServerContent.TurnComplete {
			s.transcripts <- TurnSeparator
		}
	}
}

// teardown releases a connection that never finished its handshake.
func (s *GeminiSession) teardown() {
	s.state.Store(stateClosed)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
