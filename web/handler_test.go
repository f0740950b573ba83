package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"readcoach/ai"
	"readcoach/store"
	"readcoach/stt"
)

type fakeAI struct {
	ocrText string
	ocrErr  error
	ocrSeen bool

	quizQuestions []ai.Question
	quizErr       error
	quizKind      ai.QuizKind
	quizPassages  string

	spokenText  string
	spokenVoice ai.Voice
	speechPCM   []byte
	speechErr   error
}

func (f *fakeAI) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	f.ocrSeen = true
	return f.ocrText, f.ocrErr
}

func (f *fakeAI) ScoreReading(ctx context.Context, passage, transcription string) (ai.ReadingFeedback, error) {
	return ai.ReadingFeedback{}, nil
}

func (f *fakeAI) ScorePronunciation(ctx context.Context, word, transcription string) (ai.PronunciationFeedback, error) {
	return ai.PronunciationFeedback{}, nil
}

func (f *fakeAI) Vocabulary(ctx context.Context, passage string) ([]ai.VocabularyWord, error) {
	return []ai.VocabularyWord{}, nil
}

func (f *fakeAI) Quiz(ctx context.Context, kind ai.QuizKind, passages string) ([]ai.Question, error) {
	f.quizKind = kind
	f.quizPassages = passages
	return f.quizQuestions, f.quizErr
}

func (f *fakeAI) Speak(ctx context.Context, text string, voice ai.Voice) ([]byte, error) {
	f.spokenText = text
	f.spokenVoice = voice
	return f.speechPCM, f.speechErr
}

type noopTranscriber struct{}

func (noopTranscriber) Start(ctx context.Context, contextText string) (stt.LiveTranscriptionSession, error) {
	return nil, errors.New("not used")
}

func newTestServer(t *testing.T, model ai.Service, transcriber stt.Service) (*httptest.Server, *Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "web.db"), log.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := NewHandler(st, model, transcriber, log.Default())
	server := httptest.NewServer(NewRouter(h))
	t.Cleanup(server.Close)
	return server, h, st
}

// login performs a real login request and returns the session cookie.
func login(t *testing.T, server *httptest.Server, username string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func doJSON(t *testing.T, method, url string, cookie *http.Cookie, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestLoginNormalizesAndPersists(t *testing.T) {
	server, _, st := newTestServer(t, &fakeAI{}, noopTranscriber{})

	body, _ := json.Marshal(map[string]string{"username": "  Alice "})
	resp, err := http.Post(server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		Username string `json:"username"`
		Admin    bool   `json:"admin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Username != "alice" || got.Admin {
		t.Errorf("unexpected login response %+v", got)
	}

	// The empty history exists before any practice.
	all := st.All()
	h, ok := all["alice"]
	if !ok {
		t.Fatal("login did not persist the user")
	}
	if len(h.ReadingSessions) != 0 || h.ReadingSessions == nil {
		t.Error("expected empty non-nil reading sessions")
	}
}

func TestLoginRejectsEmptyUsername(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeAI{}, noopTranscriber{})

	body, _ := json.Marshal(map[string]string{"username": "   "})
	resp, err := http.Post(server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAdminLoginLeavesNoHistory(t *testing.T) {
	server, _, st := newTestServer(t, &fakeAI{}, noopTranscriber{})
	login(t, server, "Admin")

	if _, ok := st.All()["admin"]; ok {
		t.Error("admin must not get a history entry")
	}
}

func TestHistoryRequiresLogin(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeAI{}, noopTranscriber{})

	resp, err := http.Get(server.URL + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminHistoryGuard(t *testing.T) {
	server, _, st := newTestServer(t, &fakeAI{}, noopTranscriber{})

	alice := login(t, server, "alice")
	resp := doJSON(t, http.MethodGet, server.URL+"/api/admin/history", alice, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", resp.StatusCode)
	}

	admin := login(t, server, "admin")
	resp = doJSON(t, http.MethodGet, server.URL+"/api/admin/history", admin, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
	var all store.AllHistory
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if _, ok := all["alice"]; !ok {
		t.Error("admin view missing alice")
	}
	_ = st
}

func uploadFile(t *testing.T, server *httptest.Server, cookie *http.Cookie, name, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/passage", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestPassageUploadPlainText(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeAI{}, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := uploadFile(t, server, cookie, "cat.txt", "text/plain", []byte("The cat sat down.\n"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Passage  string `json:"passage"`
		FileName string `json:"fileName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Passage != "The cat sat down." || got.FileName != "cat.txt" {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestPassageUploadImageOCR(t *testing.T) {
	model := &fakeAI{ocrText: "The dog ran."}
	server, _, _ := newTestServer(t, model, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := uploadFile(t, server, cookie, "page.png", "image/png", []byte{0x89, 0x50})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Passage string `json:"passage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Passage != "The dog ran." {
		t.Errorf("unexpected passage %q", got.Passage)
	}
}

func TestPassageUploadRejectsOtherTypes(t *testing.T) {
	model := &fakeAI{}
	server, _, _ := newTestServer(t, model, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := uploadFile(t, server, cookie, "doc.pdf", "application/pdf", []byte("%PDF"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", resp.StatusCode)
	}
	if model.ocrSeen {
		t.Error("rejected upload must not reach OCR")
	}
}

func TestPassageUploadNoTextFound(t *testing.T) {
	model := &fakeAI{ocrErr: ai.ErrNoTextFound}
	server, _, _ := newTestServer(t, model, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := uploadFile(t, server, cookie, "blank.png", "image/png", []byte{0x89})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func seedReadingSessions(t *testing.T, st *store.Store, user string, passages ...string) {
	t.Helper()
	h := st.History(user)
	for _, p := range passages {
		h.ReadingSessions = append([]store.PracticeSession{{
			ID: p, Date: p, Passage: p, Transcription: p,
			Vocabulary: []ai.VocabularyWord{},
		}}, h.ReadingSessions...)
	}
	if err := st.Reconcile(user, h); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateTestUsesRecentDistinctPassages(t *testing.T) {
	model := &fakeAI{quizQuestions: []ai.Question{
		{Question: "q1", Options: []string{"a", "b", "c", "d"}, Answer: "a"},
	}}
	server, _, st := newTestServer(t, model, noopTranscriber{})
	cookie := login(t, server, "alice")

	// Seven sessions with one duplicate; the newest five distinct win.
	seedReadingSessions(t, st, "alice", "p1", "p2", "p3", "p3", "p4", "p5", "p6")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/tests/generate", cookie,
		map[string]string{"kind": "grammar"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if model.quizKind != ai.QuizGrammar {
		t.Errorf("expected grammar kind, got %q", model.quizKind)
	}
	got := strings.Split(model.quizPassages, "\n\n---\n\n")
	want := []string{"p6", "p5", "p4", "p3", "p2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d passages, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("passage %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestGenerateTestWithoutPassages(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeAI{}, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/tests/generate", cookie,
		map[string]string{"kind": "vocabulary"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGenerateTestRejectsUnknownKind(t *testing.T) {
	server, _, st := newTestServer(t, &fakeAI{}, noopTranscriber{})
	cookie := login(t, server, "alice")
	seedReadingSessions(t, st, "alice", "p1")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/tests/generate", cookie,
		map[string]string{"kind": "spelling"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitTestGradesAndRecords(t *testing.T) {
	server, _, st := newTestServer(t, &fakeAI{}, noopTranscriber{})
	cookie := login(t, server, "alice")

	payload := map[string]any{
		"testType": "grammar",
		"questions": []ai.Question{
			{Question: "q1", Options: []string{"a", "b", "c", "d"}, Answer: "a"},
			{Question: "q2", Options: []string{"a", "b", "c", "d"}, Answer: "b"},
			{Question: "q3", Options: []string{"a", "b", "c", "d"}, Answer: "c"},
		},
		"userAnswers": map[string]string{"0": "a", "1": "d", "2": "c"},
	}
	resp := doJSON(t, http.MethodPost, server.URL+"/api/tests/submit", cookie, payload)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result store.TestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Score != "2/3" {
		t.Errorf("expected score 2/3, got %q", result.Score)
	}

	history := st.History("alice")
	if len(history.TestResults) != 1 {
		t.Fatalf("expected one recorded result, got %d", len(history.TestResults))
	}
	if history.TestResults[0].Score != "2/3" || history.TestResults[0].TestType != "grammar" {
		t.Errorf("unexpected recorded result %+v", history.TestResults[0])
	}
}

func TestSpeechStripsMarkdownAndWrapsWAV(t *testing.T) {
	model := &fakeAI{speechPCM: []byte{0x01, 0x02, 0x03, 0x04}}
	server, _, _ := newTestServer(t, model, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/speech", cookie,
		map[string]string{"text": "## Good job\n**The cat** sat.", "voice": "Puck"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %q", ct)
	}

	if model.spokenText != "Good job\nThe cat sat." {
		t.Errorf("markdown not stripped: %q", model.spokenText)
	}
	if model.spokenVoice != ai.VoicePuck {
		t.Errorf("expected Puck, got %q", model.spokenVoice)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	wav := body.Bytes()
	if len(wav) != 44+4 {
		t.Fatalf("expected 48 bytes, got %d", len(wav))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE header")
	}
	if !bytes.Equal(wav[44:], model.speechPCM) {
		t.Error("payload not carried through")
	}
}

func TestSpeechRejectsUnknownVoice(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeAI{}, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/speech", cookie,
		map[string]string{"text": "hello", "voice": "Alto"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	server, _, _ := newTestServer(t, &fakeAI{}, noopTranscriber{})
	cookie := login(t, server, "alice")

	resp := doJSON(t, http.MethodPost, server.URL+"/api/logout", cookie, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/api/history", cookie, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", resp.StatusCode)
	}
}

func TestSpeechTextStripping(t *testing.T) {
	cases := []struct{ in, want string }{
		{"**bold** and *italic*", "bold and italic"},
		{"## Heading\ntext", "Heading\ntext"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := speechText(tc.in); got != tc.want {
			t.Errorf("speechText(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
