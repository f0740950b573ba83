package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"readcoach/ai"
	"readcoach/pcm"
	"readcoach/store"
	"readcoach/stt"
)

const (
	sessionCookie = "readcoach_session"
	maxUploadSize = 10 << 20
)

// Handler carries the HTTP surface. WebSocket recording endpoints live in
// ws.go.
type Handler struct {
	store  *store.Store
	ai     ai.Service
	stt    stt.Service
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]string // token -> username
}

func NewHandler(st *store.Store, model ai.Service, transcriber stt.Service, logger *log.Logger) *Handler {
	return &Handler{
		store:    st,
		ai:       model,
		stt:      transcriber,
		logger:   logger,
		sessions: make(map[string]string),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// currentUser resolves the session cookie. Empty string means not logged in.
func (h *Handler) currentUser(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[cookie.Value]
}

// NormalizeUser folds a typed username into its canonical form.
func NormalizeUser(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user := NormalizeUser(req.Username)
	if user == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	if err := h.store.EnsureUser(user); err != nil {
		h.logger.Error("ensure user", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}

	token, err := newToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	h.mu.Lock()
	h.sessions[token] = user
	h.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Info("login", "user", user)
	writeJSON(w, http.StatusOK, map[string]any{
		"username": user,
		"admin":    user == store.AdminUser,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		h.mu.Lock()
		delete(h.sessions, cookie.Value)
		h.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handlePassage accepts a multipart upload and returns the passage text.
// Plain text files pass through; images go through OCR. Anything else is
// rejected before any side effect.
func (h *Handler) handlePassage(w http.ResponseWriter, r *http.Request) {
	if h.currentUser(r) == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	switch {
	case contentType == "text/plain" || strings.HasPrefix(contentType, "text/plain;"):
		data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read file")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"passage":  strings.TrimSpace(string(data)),
			"fileName": header.Filename,
		})

	case strings.HasPrefix(contentType, "image/"):
		data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read file")
			return
		}
		text, err := h.ai.ExtractText(r.Context(), data, contentType)
		if err == ai.ErrNoTextFound {
			writeError(w, http.StatusUnprocessableEntity, "no english text found in image")
			return
		}
		if err != nil {
			h.logger.Error("ocr", "error", err)
			writeError(w, http.StatusBadGateway, "could not extract text from image")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"passage":  text,
			"fileName": header.Filename,
		})

	default:
		writeError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported file type %q", contentType))
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}
	writeJSON(w, http.StatusOK, h.store.History(user))
}

func (h *Handler) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}
	if user != store.AdminUser {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	writeJSON(w, http.StatusOK, h.store.All())
}

// recentPassages collects up to n distinct passages from the newest reading
// sessions, for quiz generation.
func recentPassages(history store.UserHistory, n int) []string {
	var passages []string
	seen := make(map[string]bool)
	for _, s := range history.ReadingSessions {
		if seen[s.Passage] {
			continue
		}
		seen[s.Passage] = true
		passages = append(passages, s.Passage)
		if len(passages) == n {
			break
		}
	}
	return passages
}

func (h *Handler) handleGenerateTest(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}

	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := ai.QuizKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown test kind %q", req.Kind))
		return
	}

	passages := recentPassages(h.store.History(user), 5)
	if len(passages) == 0 {
		writeError(w, http.StatusBadRequest, "no practiced passages to build a test from")
		return
	}

	questions, err := h.ai.Quiz(r.Context(), kind, strings.Join(passages, "\n\n---\n\n"))
	if err != nil {
		h.logger.Error("generate test", "kind", kind, "error", err)
		writeError(w, http.StatusBadGateway, "could not generate test")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":      kind,
		"questions": questions,
	})
}

func (h *Handler) handleSubmitTest(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}
	if user == store.AdminUser {
		writeError(w, http.StatusForbidden, "admin has no history")
		return
	}

	var req struct {
		TestType  string         `json:"testType"`
		Questions []ai.Question  `json:"questions"`
		Answers   map[int]string `json:"userAnswers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Questions) == 0 {
		writeError(w, http.StatusBadRequest, "questions are required")
		return
	}

	correct := 0
	for i, q := range req.Questions {
		if req.Answers[i] == q.Answer {
			correct++
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result := store.TestResult{
		ID:          now,
		Date:        now,
		TestType:    req.TestType,
		Score:       fmt.Sprintf("%d/%d", correct, len(req.Questions)),
		Questions:   req.Questions,
		UserAnswers: req.Answers,
	}

	history := h.store.History(user)
	history.TestResults = append([]store.TestResult{result}, history.TestResults...)
	if err := h.store.Reconcile(user, history); err != nil {
		h.logger.Error("persist test result", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "could not save result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

var (
	asteriskRuns   = regexp.MustCompile(`\*+`)
	headingMarkers = regexp.MustCompile(`#+\s`)
)

// speechText strips markdown decoration so it is not read aloud.
func speechText(s string) string {
	s = asteriskRuns.ReplaceAllString(s, "")
	return headingMarkers.ReplaceAllString(s, "")
}

func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if h.currentUser(r) == "" {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}

	var req struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	voice := ai.Voice(req.Voice)
	switch voice {
	case "":
		voice = ai.VoiceKore
	case ai.VoiceKore, ai.VoicePuck:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown voice %q", req.Voice))
		return
	}

	samples, err := h.ai.Speak(r.Context(), speechText(req.Text), voice)
	if err != nil {
		h.logger.Error("speech", "error", err)
		writeError(w, http.StatusBadGateway, "could not synthesize speech")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(pcm.WAV(samples, pcm.SpeechRate))
}
