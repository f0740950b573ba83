package pcm

import (
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("no audio capture device available")
)

// FrameSource produces fixed-size frames of float samples in [-1, 1] at the
// capture rate. ReadFrame blocks until the next frame is available and
// returns io.EOF once the source is exhausted or closed.
type FrameSource interface {
	ReadFrame() ([]float32, error)
	Close() error
}

// FrameSink accepts encoded frames. Implemented by the live transcription
// session.
type FrameSink interface {
	SendAudio(frame string) error
}

// Pipeline forwards frames from a source to a sink, one goroutine, no
// reordering. Detach stops forwarding without releasing the source; the
// caller owns the source's lifetime so teardown ordering stays explicit.
type Pipeline struct {
	source FrameSource
	logger *log.Logger

	detach   sync.Once
	detached chan struct{}
	done     chan struct{}
}

func NewPipeline(source FrameSource, logger *log.Logger) *Pipeline {
	return &Pipeline{
		source:   source,
		logger:   logger,
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins forwarding frames to sink. Encoding happens on the pipeline
// goroutine; the source's producer is never blocked by application logic.
func (p *Pipeline) Start(sink FrameSink) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.detached:
				return
			default:
			}

			frame, err := p.source.ReadFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					p.logger.Error("read frame", "error", err)
				}
				return
			}
			if len(frame) == 0 {
				continue
			}
			if err := sink.SendAudio(EncodeFrame(frame)); err != nil {
				p.logger.Debug("frame not delivered", "error", err)
			}
		}
	}()
}

// Detach stops forwarding. Idempotent; safe to call before Start or after
// the source has already ended.
func (p *Pipeline) Detach() {
	p.detach.Do(func() { close(p.detached) })
}

// Done is closed when the forwarding goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
