package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mbaillet/chatvox/internal/chat"
	"github.com/mbaillet/chatvox/internal/models"
)

// HandleChats accepts a user turn through a form POST. It expects a "message" field and an
// optional "chat_id" field; without a chat_id a new conversation is created first. The turn
// itself runs asynchronously — observers follow it over SSE — so a successful submission
// answers 202 with the conversation id. An unknown chat_id answers 404; a conversation with
// an unresolved turn answers 409.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		newID, err := m.newChat(r.Context())
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		chatID = newID
	} else {
		// A turn on a conversation the store has never seen would run without persisting
		// anything, so reject it up front.
		exists, err := m.chatExists(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to look up chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
	}

	if m.orch.State(chatID) != chat.StateIdle {
		http.Error(w, "A turn is already in progress", http.StatusConflict)
		return
	}

	// The request context dies with this handler; the turn owns its own lifetime.
	go m.runTurn(chatID, msg)

	m.writeJSON(w, http.StatusAccepted, map[string]string{"chat_id": chatID})
}

func (m Main) newChat(ctx context.Context) (string, error) {
	newChat := models.Chat{
		ID: uuid.New().String(),
	}
	newChatID, err := m.store.AddChat(ctx, newChat)
	if err != nil {
		return "", err
	}
	newChat.ID = newChatID

	m.pub.ChatUpdated(newChat)
	return newChatID, nil
}

func (m Main) chatExists(ctx context.Context, chatID string) (bool, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range chats {
		if c.ID == chatID {
			return true, nil
		}
	}
	return false, nil
}

func (m Main) runTurn(chatID, msg string) {
	if err := m.orch.SendMessage(context.Background(), chatID, msg); err != nil {
		if errors.Is(err, chat.ErrTurnInProgress) || errors.Is(err, chat.ErrEmptyMessage) {
			m.logger.Warn("Turn rejected",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		m.logger.Error("Turn failed",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleListChats returns all stored conversations.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	m.writeJSON(w, http.StatusOK, chats)
}

// HandleMessages returns the ordered message list of one conversation.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	m.writeJSON(w, http.StatusOK, messages)
}

// HandleDeleteChat removes a conversation and its messages.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := m.store.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
