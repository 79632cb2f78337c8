package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbaillet/chatvox/internal/chat"
	"github.com/mbaillet/chatvox/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Orchestrator drives one conversation turn at a time. See chat.Orchestrator.
type Orchestrator interface {
	SendMessage(ctx context.Context, chatID, text string) error
	State(chatID string) chat.State
}

// Store defines the interface for managing chat and message persistence.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	DeleteChat(ctx context.Context, chatID string) error
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
}

// ModelLister lists the model ids available to the configured credential.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Transcriber turns a finished audio recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

const chatsSSETopic = "chats"

func chatTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// Publisher fans conversation state changes out to SSE subscribers. It implements
// chat.Notifier, so every placeholder mutation during streaming reaches observers in order.
type Publisher struct {
	sseSrv *sse.Server

	logger *slog.Logger
}

// NewPublisher creates a publisher whose SSE server subscribes every session to the chats
// topic, plus a chat-specific topic when the client requests one.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a chat-specific topic if the client requests updates for a
				// particular conversation.
				chatID := s.Req.URL.Query().Get("chat_id")
				if chatID != "" {
					topics = append(topics, chatTopic(chatID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		logger: logger.With(slog.String("module", "publisher")),
	}
}

// MessageUpdated publishes the message snapshot to the chat's topic.
func (p *Publisher) MessageUpdated(chatID string, message models.Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		p.logger.Error("Failed to marshal message", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(string(payload))
	if err := p.sseSrv.Publish(&msg, chatTopic(chatID)); err != nil {
		p.logger.Error("Failed to publish message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// ChatUpdated publishes the chat record to the chats topic.
func (p *Publisher) ChatUpdated(chat models.Chat) {
	payload, err := json.Marshal(chat)
	if err != nil {
		p.logger.Error("Failed to marshal chat", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(string(payload))
	if err := p.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		p.logger.Error("Failed to publish chat",
			slog.String("chatID", chat.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate.
func (p *Publisher) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway.
	_ = p.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return p.sseSrv.Shutdown(ctx)
}

// Main handles the HTTP surface of the chat application, delegating turns to the orchestrator
// and conversation reads to the store.
type Main struct {
	pub *Publisher

	orch        Orchestrator
	store       Store
	modelLister ModelLister
	transcriber Transcriber

	logger *slog.Logger
}

// NewMain creates a new Main instance with the provided collaborators.
func NewMain(
	pub *Publisher,
	orch Orchestrator,
	store Store,
	modelLister ModelLister,
	transcriber Transcriber,
	logger *slog.Logger,
) Main {
	return Main{
		pub:         pub,
		orch:        orch,
		store:       store,
		modelLister: modelLister,
		transcriber: transcriber,
		logger:      logger.With(slog.String("module", "handlers")),
	}
}

// HandleSSE serves the event-stream subscriptions.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.pub.sseSrv.ServeHTTP(w, r)
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

const errLoggerKey = "err"
