package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mbaillet/chatvox/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrChatDoesNotExist is returned when an operation references a chat that was never stored or
// has been deleted.
var ErrChatDoesNotExist = errors.New("chat does not exist")

// RedisStore implements the conversation store on Redis. Chat records and their message lists
// are stored as JSON values, with a single index key holding the chat ids in insertion order.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client) RedisStore {
	return RedisStore{rdb: rdb}
}

const chatIndexKey = "chats"

func chatKey(chatID string) string {
	return fmt.Sprintf("chat:%s", chatID)
}

func chatMessagesKey(chatID string) string {
	return fmt.Sprintf("chat:%s:messages", chatID)
}

func (r RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r RedisStore) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Chats retrieves all stored chat records in reverse insertion order.
func (r RedisStore) Chats(ctx context.Context) ([]models.Chat, error) {
	var ids []string
	if _, err := r.getJSON(ctx, chatIndexKey, &ids); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(ids))
	for _, id := range ids {
		var chat models.Chat
		found, err := r.getJSON(ctx, chatKey(id), &chat)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		chats = append(chats, chat)
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores a new chat record, registers it in the index, and returns its ID.
func (r RedisStore) AddChat(ctx context.Context, chat models.Chat) (string, error) {
	if err := r.setJSON(ctx, chatKey(chat.ID), chat); err != nil {
		return "", err
	}
	if err := r.setJSON(ctx, chatMessagesKey(chat.ID), []models.Message{}); err != nil {
		return "", err
	}

	var ids []string
	if _, err := r.getJSON(ctx, chatIndexKey, &ids); err != nil {
		return "", err
	}
	ids = append(ids, chat.ID)
	if err := r.setJSON(ctx, chatIndexKey, ids); err != nil {
		return "", err
	}

	return chat.ID, nil
}

// UpdateChat modifies an existing chat record.
func (r RedisStore) UpdateChat(ctx context.Context, chat models.Chat) error {
	var existing models.Chat
	found, err := r.getJSON(ctx, chatKey(chat.ID), &existing)
	if err != nil {
		return err
	}
	if !found {
		return ErrChatDoesNotExist
	}
	return r.setJSON(ctx, chatKey(chat.ID), chat)
}

// DeleteChat removes a chat record, its messages, and its index entry.
func (r RedisStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := r.rdb.Del(ctx, chatKey(chatID), chatMessagesKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
	}

	var ids []string
	if _, err := r.getJSON(ctx, chatIndexKey, &ids); err != nil {
		return err
	}
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == chatID })
	return r.setJSON(ctx, chatIndexKey, ids)
}

// Messages retrieves all messages associated with the specified chat ID in stored order.
func (r RedisStore) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	if _, err := r.getJSON(ctx, chatMessagesKey(chatID), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to the chat's message list and returns its ID.
func (r RedisStore) AddMessage(ctx context.Context, chatID string, message models.Message) (string, error) {
	var messages []models.Message
	found, err := r.getJSON(ctx, chatMessagesKey(chatID), &messages)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrChatDoesNotExist
	}

	messages = append(messages, message)
	if err := r.setJSON(ctx, chatMessagesKey(chatID), messages); err != nil {
		return "", err
	}
	return message.ID, nil
}

// UpdateMessage replaces the stored message with the same ID. Unknown messages are silently
// ignored, matching the BoltDB store.
func (r RedisStore) UpdateMessage(ctx context.Context, chatID string, message models.Message) error {
	var messages []models.Message
	found, err := r.getJSON(ctx, chatMessagesKey(chatID), &messages)
	if err != nil {
		return err
	}
	if !found {
		return ErrChatDoesNotExist
	}

	idx := slices.IndexFunc(messages, func(m models.Message) bool { return m.ID == message.ID })
	if idx == -1 {
		return nil
	}
	messages[idx] = message
	return r.setJSON(ctx, chatMessagesKey(chatID), messages)
}
