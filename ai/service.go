package ai

import (
	"context"
	"errors"
)

// ErrNoTextFound means an uploaded image contained no extractable English
// text.
var ErrNoTextFound = errors.New("no english text found in image")

// Scores rates one reading attempt on a 1 to 5 scale. Zero values mark a
// session whose analysis failed.
type Scores struct {
	Accuracy      int `json:"accuracy"`
	Fluency       int `json:"fluency"`
	Pronunciation int `json:"pronunciation"`
}

// ReadingFeedback is the model's markdown analysis of a full passage
// reading, in Japanese.
type ReadingFeedback struct {
	Scores   Scores `json:"scores"`
	Analysis string `json:"analysis"`
}

// PronunciationFeedback covers a single word or phrase attempt.
type PronunciationFeedback struct {
	Score    int    `json:"score"`
	Analysis string `json:"analysis"`
}

type VocabularyWord struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
	Example    string `json:"example"`
}

// Question is one multiple-choice quiz item. Answer repeats one of the
// options verbatim.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
}

// QuizKind selects which flavor of quiz to generate from recent passages.
type QuizKind string

const (
	QuizVocabulary    QuizKind = "vocabulary"
	QuizVocabJaEn     QuizKind = "vocab-ja-en"
	QuizGrammar       QuizKind = "grammar"
	QuizComprehension QuizKind = "comprehension"
)

func (k QuizKind) Valid() bool {
	switch k {
	case QuizVocabulary, QuizVocabJaEn, QuizGrammar, QuizComprehension:
		return true
	}
	return false
}

// Voice names a prebuilt text-to-speech voice.
type Voice string

const (
	VoiceKore Voice = "Kore" // female
	VoicePuck Voice = "Puck" // male
)

// Service is everything the coaching flows need from the language model:
// OCR, scoring, vocabulary, quiz generation, and speech synthesis.
type Service interface {
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, error)
	ScoreReading(ctx context.Context, passage, transcription string) (ReadingFeedback, error)
	ScorePronunciation(ctx context.Context, word, transcription string) (PronunciationFeedback, error)
	Vocabulary(ctx context.Context, passage string) ([]VocabularyWord, error)
	Quiz(ctx context.Context, kind QuizKind, passages string) ([]Question, error)
	Speak(ctx context.Context, text string, voice Voice) ([]byte, error)
}
