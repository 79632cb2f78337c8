package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mbaillet/chatvox/internal/models"
	"github.com/mbaillet/chatvox/internal/services"
	"github.com/mbaillet/chatvox/internal/stream"
)

func TestNewOllamaInvalidURL(t *testing.T) {
	_, err := services.NewOllama("://not-a-url")
	if services.Kind(err) != services.ErrKindInvalidURL {
		t.Errorf("error kind = %v, want invalid_url", services.Kind(err))
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("request path = %q, want /api/chat", r.URL.Path)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Stream *bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if req.Stream == nil || *req.Stream {
			t.Error("stream flag not disabled for one-shot completion")
		}
		fmt.Fprintln(w, `{"model": "llama3", "message": {"role": "assistant", "content": "Hi there"}, "done": true}`)
	}))
	defer srv.Close()

	svc, err := services.NewOllama(srv.URL)
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	reply, err := svc.Complete(context.Background(), "llama3", []models.Message{
		{Role: models.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "Hi there" {
		t.Errorf("Complete() = %q, want %q", reply, "Hi there")
	}
}

func TestOllamaStreamEarlyStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		// The whole reply arrives in one final chunk, so the client sees a clean end of
		// stream even when the consumer has already stopped taking events.
		fmt.Fprintln(w, `{"model": "llama3", "message": {"role": "assistant", "content": "hi"}, "done": true}`)
	}))
	defer srv.Close()

	svc, err := services.NewOllama(srv.URL)
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}

	var events []stream.Event
	for ev, err := range svc.Stream(context.Background(), "llama3", "hello", nil) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		events = append(events, ev)
		break
	}

	if len(events) != 1 || events[0].Delta != "hi" {
		t.Errorf("events = %+v, want just the first delta", events)
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"model": "llama3", "message": {"role": "assistant", "content": "Hel"}, "done": false}`,
			`{"model": "llama3", "message": {"role": "assistant", "content": "lo"}, "done": false}`,
			`{"model": "llama3", "message": {"role": "assistant", "content": ""}, "done": true}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	svc, err := services.NewOllama(srv.URL)
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}

	var events []stream.Event
	for ev, err := range svc.Stream(context.Background(), "llama3", "hello", nil) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 deltas and a done", len(events))
	}
	if events[0].Delta != "Hel" || events[1].Delta != "lo" {
		t.Errorf("deltas = %q %q, want \"Hel\" \"lo\"", events[0].Delta, events[1].Delta)
	}
	last := events[2]
	if last.Type != stream.EventTypeDone || last.Text != "Hello" {
		t.Errorf("last event = %+v, want done with the accumulated text", last)
	}
}
