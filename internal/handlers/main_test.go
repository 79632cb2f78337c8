package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbaillet/chatvox/internal/chat"
	"github.com/mbaillet/chatvox/internal/handlers"
	"github.com/mbaillet/chatvox/internal/models"
	"github.com/mbaillet/chatvox/internal/services"
)

type turn struct {
	chatID string
	text   string
}

type mockOrchestrator struct {
	state   chat.State
	sendErr error
	turns   chan turn
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{state: chat.StateIdle, turns: make(chan turn, 4)}
}

func (o *mockOrchestrator) SendMessage(_ context.Context, chatID, text string) error {
	o.turns <- turn{chatID: chatID, text: text}
	return o.sendErr
}

func (o *mockOrchestrator) State(string) chat.State {
	return o.state
}

func (o *mockOrchestrator) awaitTurn(t *testing.T) turn {
	t.Helper()
	select {
	case tn := <-o.turns:
		return tn
	case <-time.After(2 * time.Second):
		t.Fatal("no turn was submitted")
		return turn{}
	}
}

type mockChatStore struct {
	mu      sync.Mutex
	chats   []models.Chat
	msgs    map[string][]models.Message
	deleted []string

	chatsErr error
	addErr   error
}

func newMockChatStore() *mockChatStore {
	return &mockChatStore{msgs: make(map[string][]models.Message)}
}

func (s *mockChatStore) Chats(context.Context) ([]models.Chat, error) {
	if s.chatsErr != nil {
		return nil, s.chatsErr
	}
	return s.chats, nil
}

func (s *mockChatStore) AddChat(_ context.Context, c models.Chat) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = "1-" + c.ID
	s.chats = append(s.chats, c)
	return c.ID, nil
}

func (s *mockChatStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, chatID)
	return nil
}

func (s *mockChatStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[chatID], nil
}

type mockModelLister struct {
	ids []string
	err error
}

func (l mockModelLister) ListModels(context.Context) ([]string, error) {
	return l.ids, l.err
}

type mockTranscriber struct {
	text string
	err  error

	mu       sync.Mutex
	filename string
	audio    []byte
}

func (tr *mockTranscriber) Transcribe(_ context.Context, filename string, audio []byte) (string, error) {
	tr.mu.Lock()
	tr.filename = filename
	tr.audio = audio
	tr.mu.Unlock()
	return tr.text, tr.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	orch        *mockOrchestrator
	store       *mockChatStore
	lister      *mockModelLister
	transcriber *mockTranscriber
	router      chi.Router
}

func newFixture() fixture {
	orch := newMockOrchestrator()
	store := newMockChatStore()
	lister := &mockModelLister{}
	transcriber := &mockTranscriber{}

	logger := testLogger()
	m := handlers.NewMain(handlers.NewPublisher(logger), orch, store, lister, transcriber, logger)

	r := chi.NewRouter()
	r.Post("/chats", m.HandleChats)
	r.Get("/chats", m.HandleListChats)
	r.Get("/chats/{chatID}/messages", m.HandleMessages)
	r.Delete("/chats/{chatID}", m.HandleDeleteChat)
	r.Get("/models", m.HandleModels)
	r.Post("/transcriptions", m.HandleTranscriptions)

	return fixture{
		orch:        orch,
		store:       store,
		lister:      lister,
		transcriber: transcriber,
		router:      r,
	}
}

func (f fixture) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleChatsRequiresMessage(t *testing.T) {
	f := newFixture()

	rec := f.postForm("/chats", url.Values{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChatsCreatesChatAndRunsTurn(t *testing.T) {
	f := newFixture()

	rec := f.postForm("/chats", url.Values{"message": {"hello"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	chatID := resp["chat_id"]
	if chatID == "" {
		t.Fatal("response carries no chat_id")
	}
	if len(f.store.chats) != 1 || f.store.chats[0].ID != chatID {
		t.Errorf("store chats = %+v, want the new conversation under %q", f.store.chats, chatID)
	}

	tn := f.orch.awaitTurn(t)
	if tn.chatID != chatID || tn.text != "hello" {
		t.Errorf("submitted turn = %+v, want %q on %q", tn, "hello", chatID)
	}
}

func TestHandleChatsReusesExistingChat(t *testing.T) {
	f := newFixture()
	f.store.chats = []models.Chat{{ID: "c1", Title: "First"}}

	rec := f.postForm("/chats", url.Values{"message": {"hello"}, "chat_id": {"c1"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(f.store.chats) != 1 {
		t.Errorf("store chats = %+v, want no new conversation", f.store.chats)
	}

	tn := f.orch.awaitTurn(t)
	if tn.chatID != "c1" {
		t.Errorf("turn submitted on %q, want c1", tn.chatID)
	}
}

func TestHandleChatsUnknownChat(t *testing.T) {
	f := newFixture()

	rec := f.postForm("/chats", url.Values{"message": {"hello"}, "chat_id": {"missing"}})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	select {
	case tn := <-f.orch.turns:
		t.Errorf("turn %+v was submitted on an unknown conversation", tn)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleChatsRejectsBusyConversation(t *testing.T) {
	f := newFixture()
	f.store.chats = []models.Chat{{ID: "c1", Title: "First"}}
	f.orch.state = chat.StateStreaming

	rec := f.postForm("/chats", url.Values{"message": {"hello"}, "chat_id": {"c1"}})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	select {
	case tn := <-f.orch.turns:
		t.Errorf("turn %+v was submitted on a busy conversation", tn)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleListChats(t *testing.T) {
	f := newFixture()
	f.store.chats = []models.Chat{{ID: "c2", Title: "Second"}, {ID: "c1", Title: "First"}}

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var chats []models.Chat
	if err := json.NewDecoder(rec.Body).Decode(&chats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != "c2" {
		t.Errorf("chats = %+v, want the store's two chats in order", chats)
	}
}

func TestHandleListChatsEmpty(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want an empty JSON array", got)
	}
}

func TestHandleMessages(t *testing.T) {
	f := newFixture()
	f.store.msgs["c1"] = []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "hello"},
		{ID: "m2", Role: models.RoleAssistant, Content: "hi"},
	}

	req := httptest.NewRequest(http.MethodGet, "/chats/c1/messages", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var msgs []models.Message
	if err := json.NewDecoder(rec.Body).Decode(&msgs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" {
		t.Errorf("messages = %+v, want the conversation's two messages", msgs)
	}

	// Unknown conversations read as empty, not as an error.
	req = httptest.NewRequest(http.MethodGet, "/chats/missing/messages", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want an empty JSON array", got)
	}
}

func TestHandleDeleteChat(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodDelete, "/chats/c1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if len(f.store.deleted) != 1 || f.store.deleted[0] != "c1" {
		t.Errorf("deleted = %v, want [c1]", f.store.deleted)
	}
}

func TestHandleModels(t *testing.T) {
	f := newFixture()
	f.lister.ids = []string{"gpt-4o-mini", "tts-1"}

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string][]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp["models"]) != 2 {
		t.Errorf("models = %v, want both ids", resp["models"])
	}
}

func TestHandleModelsErrorStatus(t *testing.T) {
	f := newFixture()
	f.lister.err = &services.Error{Kind: services.ErrKindRateLimit, StatusCode: 429}

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field %q: %v", k, err)
		}
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		if _, err := part.Write(audio); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHandleTranscriptions(t *testing.T) {
	f := newFixture()
	f.transcriber.text = "hello world"

	body, contentType := multipartUpload(t, nil, "voice.m4a", []byte("fake-audio"))
	req := httptest.NewRequest(http.MethodPost, "/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %q", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["text"] != "hello world" {
		t.Errorf("text = %q, want %q", resp["text"], "hello world")
	}
	if f.transcriber.filename != "voice.m4a" || string(f.transcriber.audio) != "fake-audio" {
		t.Errorf("transcriber received %q/%q, want the uploaded file",
			f.transcriber.filename, f.transcriber.audio)
	}
}

func TestHandleTranscriptionsSubmitsTurn(t *testing.T) {
	f := newFixture()
	f.transcriber.text = "hello world"

	body, contentType := multipartUpload(t, map[string]string{"chat_id": "c1"}, "voice.m4a", []byte("fake-audio"))
	req := httptest.NewRequest(http.MethodPost, "/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	tn := f.orch.awaitTurn(t)
	if tn.chatID != "c1" || tn.text != "hello world" {
		t.Errorf("submitted turn = %+v, want the transcription on c1", tn)
	}
}

func TestHandleTranscriptionsRequiresFile(t *testing.T) {
	f := newFixture()

	body, contentType := multipartUpload(t, map[string]string{"chat_id": "c1"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleTranscriptionsErrorStatus(t *testing.T) {
	f := newFixture()
	f.transcriber.err = &services.Error{Kind: services.ErrKindInvalidAudio, Err: errors.New("empty audio payload")}

	body, contentType := multipartUpload(t, nil, "voice.m4a", []byte("fake-audio"))
	req := httptest.NewRequest(http.MethodPost, "/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
