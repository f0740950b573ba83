package web

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"readcoach/coach"
	"readcoach/pcm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 4 << 10,
}

// wsMessage is every text frame the server pushes: transcript fragments
// while recording, then exactly one session or error.
type wsMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	Session any    `json:"session,omitempty"`
}

// frameSource adapts the browser's frame stream to the capture pipeline.
// The websocket read loop is the only writer; closing the channel is the
// end-of-stream signal.
type frameSource struct {
	frames <-chan []float32
}

func (s *frameSource) ReadFrame() ([]float32, error) {
	frame, ok := <-s.frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (s *frameSource) Close() error { return nil }

var _ pcm.FrameSource = (*frameSource)(nil)

// decodeFloat32LE parses a binary frame of little-endian float32 samples.
func decodeFloat32LE(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// wsConn serializes writes; fragments arrive from the pump goroutine while
// the handler goroutine sends the final payload.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (h *Handler) handleRecordWS(w http.ResponseWriter, r *http.Request) {
	h.serveRecording(w, r, recordingParams{
		contextText: r.URL.Query().Get("passage"),
		fileName:    r.URL.Query().Get("fileName"),
		pronounce:   false,
	})
}

func (h *Handler) handlePronounceWS(w http.ResponseWriter, r *http.Request) {
	h.serveRecording(w, r, recordingParams{
		contextText: r.URL.Query().Get("word"),
		pronounce:   true,
	})
}

type recordingParams struct {
	contextText string
	fileName    string
	pronounce   bool
}

func (h *Handler) serveRecording(w http.ResponseWriter, r *http.Request, params recordingParams) {
	user := h.currentUser(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	out := &wsConn{conn: conn}

	c := coach.New(h.stt, h.ai, h.store, h.logger)
	c.OnFragment(func(fragment string) {
		if err := out.send(wsMessage{Type: "transcript", Text: fragment}); err != nil {
			h.logger.Debug("push fragment", "error", err)
		}
	})

	ctx := r.Context()
	if params.pronounce {
		err = c.StartPronunciation(ctx, user, params.contextText)
	} else {
		err = c.StartReading(ctx, user, params.contextText, params.fileName)
	}
	if err != nil {
		_ = out.send(wsMessage{Type: "error", Message: err.Error()})
		return
	}

	frames := make(chan []float32, 16)
	pipeline := c.Attach(&frameSource{frames: frames})

	// Read until the client says stop or drops the connection.
	stopped := false
	for !stopped {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			close(frames)
			c.Abort()
			h.logger.Info("recording dropped", "user", user)
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			frames <- decodeFloat32LE(data)
		case websocket.TextMessage:
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Type == "stop" {
				stopped = true
			}
		}
	}
	close(frames)
	if pipeline != nil {
		<-pipeline.Done()
	}

	if params.pronounce {
		session, err := c.FinishPronunciation(ctx)
		if err != nil {
			_ = out.send(wsMessage{Type: "error", Message: finishErrorMessage(err)})
			return
		}
		_ = out.send(wsMessage{Type: "session", Session: session})
	} else {
		session, err := c.FinishReading(ctx)
		if err != nil {
			_ = out.send(wsMessage{Type: "error", Message: finishErrorMessage(err)})
			return
		}
		_ = out.send(wsMessage{Type: "session", Session: session})
	}
}

func finishErrorMessage(err error) string {
	if errors.Is(err, coach.ErrNoSpeech) {
		return "no speech detected"
	}
	return "could not get feedback"
}
