package chat

import (
	"log/slog"

	"github.com/mbaillet/chatvox/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

const defaultHistoryTokenBudget = 3500

// Per-message overhead for role framing, on top of the encoded content.
const messageTokenOverhead = 4

// trimHistory drops the oldest messages until the history fits the token budget. The latest
// message always survives. When the model has no known encoding the count falls back to
// cl100k_base; an encoding failure leaves the history untrimmed.
func trimHistory(messages []models.Message, model string, budget int, logger *slog.Logger) []models.Message {
	if budget <= 0 {
		budget = defaultHistoryTokenBudget
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.Warn("No token encoding available, skipping history trim",
				slog.String("model", model),
				slog.String(errLoggerKey, err.Error()))
			return messages
		}
	}

	for len(messages) > 1 {
		total := 0
		for _, msg := range messages {
			total += len(enc.Encode(msg.Content, nil, nil)) + messageTokenOverhead
		}
		if total <= budget {
			break
		}
		messages = messages[1:]
		logger.Debug("History trimmed due to token limit", slog.Int("remaining", len(messages)))
	}

	return messages
}
