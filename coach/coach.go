package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"readcoach/ai"
	"readcoach/pcm"
	"readcoach/store"
	"readcoach/stt"
)

// State tags the orchestrator's position in a practice attempt.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateAwaitingFeedback
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateAwaitingFeedback:
		return "awaiting-feedback"
	}
	return "unknown"
}

type mode int

const (
	modeNone mode = iota
	modeReading
	modePronunciation
)

func (m mode) String() string {
	switch m {
	case modeReading:
		return "reading"
	case modePronunciation:
		return "pronunciation"
	}
	return "none"
}

var (
	ErrEmptyPassage = errors.New("passage is empty")
	ErrEmptyWord    = errors.New("word is empty")
	ErrBusy         = errors.New("an attempt is already in progress")
	ErrNotRecording = errors.New("no recording in progress")

	// ErrNoSpeech means the attempt produced too little transcript to score.
	ErrNoSpeech = errors.New("no speech detected")
)

// A reading transcript shorter than this is treated as silence. Word drills
// accept any non-empty transcript.
const minReadingTranscript = 5

// feedbackErrorText is recorded as the analysis of a sentinel session when
// scoring fails.
const feedbackErrorText = "フィードバックの取得中にエラーが発生しました。しばらくしてから、もう一度お試しください。"

// Coach runs one practice attempt at a time: it opens the live
// transcription session, pumps fragments, and on finish scores the attempt
// and reconciles the user's history. One Coach serves one recording
// connection.
type Coach struct {
	stt    stt.Service
	ai     ai.Service
	store  *store.Store
	logger *log.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	mode       mode
	user       string
	passage    string
	fileName   string
	word       string
	transcript strings.Builder

	session    stt.LiveTranscriptionSession
	pipeline   *pcm.Pipeline
	pump       sync.WaitGroup
	onFragment func(string)
}

func New(transcriber stt.Service, model ai.Service, st *store.Store, logger *log.Logger) *Coach {
	return &Coach{
		stt:    transcriber,
		ai:     model,
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// OnFragment registers a callback invoked for every transcript fragment, in
// arrival order. Set it before starting an attempt.
func (c *Coach) OnFragment(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFragment = fn
}

func (c *Coach) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the accumulated transcript so far.
func (c *Coach) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.String()
}

// StartReading begins a passage attempt. It refuses to start while another
// attempt is recording or being scored.
func (c *Coach) StartReading(ctx context.Context, user, passage, fileName string) error {
	if strings.TrimSpace(passage) == "" {
		return ErrEmptyPassage
	}
	return c.start(ctx, modeReading, user, passage, func() {
		c.passage = passage
		c.fileName = fileName
	})
}

// StartPronunciation begins a single-word drill attempt.
func (c *Coach) StartPronunciation(ctx context.Context, user, word string) error {
	if strings.TrimSpace(word) == "" {
		return ErrEmptyWord
	}
	return c.start(ctx, modePronunciation, user, word, func() {
		c.word = word
	})
}

func (c *Coach) start(ctx context.Context, m mode, user, contextText string, bind func()) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateRecording
	c.mode = m
	c.user = user
	c.transcript.Reset()
	bind()
	c.mu.Unlock()

	session, err := c.stt.Start(ctx, contextText)
	if err != nil {
		c.reset()
		return fmt.Errorf("error starting transcription: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.pump.Add(1)
	go c.pumpTranscripts(session)

	c.logger.Info("recording", "mode", m, "user", user)
	return nil
}

// Attach wires an audio source into the running session. The pipeline owns
// forwarding; the caller keeps ownership of the source itself and can wait
// on the returned pipeline's Done before finishing so buffered frames drain.
func (c *Coach) Attach(source pcm.FrameSource) *pcm.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording || c.session == nil {
		return nil
	}
	c.pipeline = pcm.NewPipeline(source, c.logger)
	c.pipeline.Start(c.session)
	return c.pipeline
}

func (c *Coach) pumpTranscripts(session stt.LiveTranscriptionSession) {
	defer c.pump.Done()
	for fragment := range session.Transcripts() {
		c.mu.Lock()
		c.transcript.WriteString(fragment)
		fn := c.onFragment
		c.mu.Unlock()
		if fn != nil {
			fn(fragment)
		}
	}
}

// stopCapture tears the attempt down in order: capture pipeline first, then
// the transcription session. The pump drains whatever the session already
// delivered before its channel closes.
func (c *Coach) stopCapture(m mode) (string, error) {
	c.mu.Lock()
	if c.state != StateRecording || c.mode != m {
		c.mu.Unlock()
		return "", ErrNotRecording
	}
	pipeline := c.pipeline
	session := c.session
	c.mu.Unlock()

	if pipeline != nil {
		pipeline.Detach()
	}
	if session != nil {
		_ = session.Close()
	}
	c.pump.Wait()

	c.mu.Lock()
	transcript := strings.TrimSpace(c.transcript.String())
	c.mu.Unlock()
	return transcript, nil
}

// FinishReading stops capture and scores the attempt. Scoring and
// vocabulary extraction run concurrently; if either fails the whole result
// is discarded and a sentinel session with zero scores is recorded instead.
// Exactly one session is prepended per completed attempt.
func (c *Coach) FinishReading(ctx context.Context) (store.PracticeSession, error) {
	transcript, err := c.stopCapture(modeReading)
	if err != nil {
		return store.PracticeSession{}, err
	}
	if len(transcript) < minReadingTranscript {
		c.reset()
		return store.PracticeSession{}, ErrNoSpeech
	}

	c.mu.Lock()
	c.state = StateAwaitingFeedback
	user, passage, fileName := c.user, c.passage, c.fileName
	c.mu.Unlock()

	var (
		wg          sync.WaitGroup
		feedback    ai.ReadingFeedback
		vocabulary  []ai.VocabularyWord
		feedbackErr error
		vocabErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		feedback, feedbackErr = c.ai.ScoreReading(ctx, passage, transcript)
	}()
	go func() {
		defer wg.Done()
		vocabulary, vocabErr = c.ai.Vocabulary(ctx, passage)
	}()
	wg.Wait()

	now := c.now().UTC().Format(time.RFC3339Nano)
	session := store.PracticeSession{
		ID:              now,
		Date:            now,
		Passage:         passage,
		PassageFileName: fileName,
		Transcription:   transcript,
		Feedback:        feedback.Analysis,
		Scores:          feedback.Scores,
		Vocabulary:      vocabulary,
	}
	if feedbackErr != nil || vocabErr != nil {
		c.logger.Error("feedback failed",
			"user", user, "feedback", feedbackErr, "vocabulary", vocabErr)
		session.Feedback = feedbackErrorText
		session.Scores = ai.Scores{}
		session.Vocabulary = []ai.VocabularyWord{}
	}
	if session.Vocabulary == nil {
		session.Vocabulary = []ai.VocabularyWord{}
	}

	history := c.store.History(user)
	history.ReadingSessions = append([]store.PracticeSession{session}, history.ReadingSessions...)
	if err := c.store.Reconcile(user, history); err != nil {
		c.logger.Error("persist reading session", "user", user, "error", err)
	}

	c.reset()
	c.logger.Info("scored", "user", user,
		"accuracy", session.Scores.Accuracy,
		"fluency", session.Scores.Fluency,
		"pronunciation", session.Scores.Pronunciation)
	return session, nil
}

// FinishPronunciation stops capture and scores the word attempt. An empty
// transcript is a "no speech" error; a scoring failure records nothing.
func (c *Coach) FinishPronunciation(ctx context.Context) (store.PronunciationSession, error) {
	transcript, err := c.stopCapture(modePronunciation)
	if err != nil {
		return store.PronunciationSession{}, err
	}
	if transcript == "" {
		c.reset()
		return store.PronunciationSession{}, ErrNoSpeech
	}

	c.mu.Lock()
	c.state = StateAwaitingFeedback
	user, word := c.user, c.word
	c.mu.Unlock()

	feedback, err := c.ai.ScorePronunciation(ctx, word, transcript)
	if err != nil {
		c.reset()
		return store.PronunciationSession{}, fmt.Errorf("error scoring pronunciation: %w", err)
	}

	now := c.now().UTC().Format(time.RFC3339Nano)
	session := store.PronunciationSession{
		ID:            now,
		Date:          now,
		Word:          word,
		Transcription: transcript,
		Feedback:      feedback,
	}

	history := c.store.History(user)
	history.PronunciationSessions = append(
		[]store.PronunciationSession{session}, history.PronunciationSessions...)
	if err := c.store.Reconcile(user, history); err != nil {
		c.logger.Error("persist pronunciation session", "user", user, "error", err)
	}

	c.reset()
	c.logger.Info("scored word", "user", user, "word", word, "score", feedback.Score)
	return session, nil
}

// Abort tears down a live attempt without recording anything, for dropped
// connections.
func (c *Coach) Abort() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	pipeline := c.pipeline
	session := c.session
	c.mu.Unlock()

	if pipeline != nil {
		pipeline.Detach()
	}
	if session != nil {
		_ = session.Close()
	}
	c.pump.Wait()
	c.reset()
}

func (c *Coach) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.mode = modeNone
	c.user = ""
	c.passage = ""
	c.fileName = ""
	c.word = ""
	c.transcript.Reset()
	c.session = nil
	c.pipeline = nil
}
