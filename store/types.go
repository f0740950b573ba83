package store

import "readcoach/ai"

// PracticeSession is one completed passage reading, newest first in history.
type PracticeSession struct {
	ID              string              `json:"id"`
	Date            string              `json:"date"`
	Passage         string              `json:"passage"`
	PassageFileName string              `json:"passageFileName,omitempty"`
	Transcription   string              `json:"transcription"`
	Feedback        string              `json:"feedback"`
	Scores          ai.Scores           `json:"scores"`
	Vocabulary      []ai.VocabularyWord `json:"vocabulary"`
}

// PronunciationSession is one scored word or phrase attempt.
type PronunciationSession struct {
	ID            string                   `json:"id"`
	Date          string                   `json:"date"`
	Word          string                   `json:"word"`
	Transcription string                   `json:"transcription"`
	Feedback      ai.PronunciationFeedback `json:"feedback"`
}

// TestResult records a submitted quiz with the student's answers.
type TestResult struct {
	ID          string         `json:"id"`
	Date        string         `json:"date"`
	TestType    string         `json:"testType"`
	Score       string         `json:"score"` // "correct/total"
	Questions   []ai.Question  `json:"questions"`
	UserAnswers map[int]string `json:"userAnswers"`
}

// UserHistory holds everything recorded for one student. Lists are always
// non-nil so they serialize as [] rather than null.
type UserHistory struct {
	ReadingSessions       []PracticeSession      `json:"readingSessions"`
	PronunciationSessions []PronunciationSession `json:"pronunciationSessions"`
	TestResults           []TestResult           `json:"testResults"`
}

// AllHistory maps usernames to their histories.
type AllHistory map[string]UserHistory

func emptyHistory() UserHistory {
	return UserHistory{
		ReadingSessions:       []PracticeSession{},
		PronunciationSessions: []PronunciationSession{},
		TestResults:           []TestResult{},
	}
}

// clone copies the history deeply enough that callers can append without
// aliasing store state.
func (h UserHistory) clone() UserHistory {
	out := UserHistory{
		ReadingSessions:       make([]PracticeSession, len(h.ReadingSessions)),
		PronunciationSessions: make([]PronunciationSession, len(h.PronunciationSessions)),
		TestResults:           make([]TestResult, len(h.TestResults)),
	}
	copy(out.ReadingSessions, h.ReadingSessions)
	copy(out.PronunciationSessions, h.PronunciationSessions)
	copy(out.TestResults, h.TestResults)
	return out
}
