package store

import (
	"bytes"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var ddl string

// historyKey is the single app_state row holding all user histories.
const historyKey = "englishReadingHistory"

// AdminUser sees everyone's history but never accumulates any of its own.
const AdminUser = "admin"

// Store keeps the full history blob in sqlite and hands out copies. All
// mutation goes through Reconcile so a no-op save never touches disk.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	mu       sync.Mutex
	all      AllHistory
	persists int
}

func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// load reads and migrates the history blob. A missing row or unparseable
// blob yields an empty history rather than an error.
func (s *Store) load() error {
	var raw string
	err := s.db.QueryRow(
		"SELECT value FROM app_state WHERE key = ?", historyKey,
	).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		s.all = AllHistory{}
		return nil
	case err != nil:
		return fmt.Errorf("load history: %w", err)
	}

	all, changed, err := migrateHistory([]byte(raw))
	if err != nil {
		s.logger.Error("history blob unreadable, starting fresh", "error", err)
		s.all = AllHistory{}
		return nil
	}
	s.all = all
	if changed {
		if err := s.persist(); err != nil {
			return err
		}
		s.logger.Info("migrated history", "users", len(all))
	}
	return nil
}

// persist writes the whole blob. Callers hold s.mu.
func (s *Store) persist() error {
	data, err := json.Marshal(s.all)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO app_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		 updated_at = julianday('now')`,
		historyKey, string(data),
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	s.persists++
	s.logger.Debug("persisted history", "bytes", len(data))
	return nil
}

// EnsureUser creates an empty history for a new user. The admin user is
// never materialized.
func (s *Store) EnsureUser(user string) error {
	if user == AdminUser {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.all[user]; ok {
		return nil
	}
	s.all[user] = emptyHistory()
	return s.persist()
}

// History returns a copy of one user's history. Unknown users (and admin)
// get an empty one.
func (s *Store) History(user string) UserHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.all[user]
	if !ok {
		return emptyHistory()
	}
	return h.clone()
}

// All returns a copy of every user's history, for the admin view.
func (s *Store) All() AllHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(AllHistory, len(s.all))
	for user, h := range s.all {
		out[user] = h.clone()
	}
	return out
}

// Reconcile replaces a user's history if it differs from what is stored,
// comparing the serialized lists. Identical input writes nothing. Admin
// history is never persisted.
func (s *Store) Reconcile(user string, h UserHistory) error {
	if user == AdminUser {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.all[user]
	if !ok {
		current = emptyHistory()
	}
	h = normalizeHistory(h)
	if historiesEqual(current, h) {
		return nil
	}

	s.all[user] = h
	return s.persist()
}

func historiesEqual(a, b UserHistory) bool {
	return listsEqual(a.ReadingSessions, b.ReadingSessions) &&
		listsEqual(a.PronunciationSessions, b.PronunciationSessions) &&
		listsEqual(a.TestResults, b.TestResults)
}

func listsEqual[T any](a, b []T) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func normalizeHistory(h UserHistory) UserHistory {
	if h.ReadingSessions == nil {
		h.ReadingSessions = []PracticeSession{}
	}
	if h.PronunciationSessions == nil {
		h.PronunciationSessions = []PronunciationSession{}
	}
	if h.TestResults == nil {
		h.TestResults = []TestResult{}
	}
	return h
}
