package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// migrateHistory parses a stored history blob, upgrading older layouts in
// place. Two legacy shapes survive in the wild: a bare array of reading
// sessions per user, and a full object with one or more lists missing.
// The changed flag tells the caller to rewrite the blob.
func migrateHistory(raw []byte) (AllHistory, bool, error) {
	var users map[string]json.RawMessage
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, false, fmt.Errorf("parse history: %w", err)
	}

	all := make(AllHistory, len(users))
	changed := false
	for user, blob := range users {
		h, upgraded, err := migrateUserHistory(blob)
		if err != nil {
			return nil, false, fmt.Errorf("parse history for %q: %w", user, err)
		}
		all[user] = h
		changed = changed || upgraded
	}
	return all, changed, nil
}

func migrateUserHistory(blob []byte) (UserHistory, bool, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var sessions []PracticeSession
		if err := json.Unmarshal(trimmed, &sessions); err != nil {
			return UserHistory{}, false, err
		}
		h := emptyHistory()
		h.ReadingSessions = sessions
		return normalizeHistory(h), true, nil
	}

	var h UserHistory
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return UserHistory{}, false, err
	}
	missing := h.ReadingSessions == nil ||
		h.PronunciationSessions == nil ||
		h.TestResults == nil
	return normalizeHistory(h), missing, nil
}
