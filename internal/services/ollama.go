package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbaillet/chatvox/internal/models"
	"github.com/mbaillet/chatvox/internal/stream"
	"github.com/ollama/ollama/api"
)

// errStreamStopped aborts the chat callback loop once the consumer stops taking events.
var errStreamStopped = errors.New("stream consumer stopped")

// Ollama is an alternate completer backed by a local Ollama server. It speaks Ollama's own
// chat protocol and re-emits the reply as the same stream events the orchestrator consumes,
// synthesizing the terminal done event from the accumulated text.
type Ollama struct {
	host string

	client *api.Client
}

// NewOllama creates a new Ollama instance pointed at the given host URL.
func NewOllama(host string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, &Error{Kind: ErrKindInvalidURL, Err: err}
	}

	return Ollama{
		host:   host,
		client: api.NewClient(u, &http.Client{}),
	}, nil
}

func ollamaMessages(messages []models.Message) []api.Message {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Complete performs a non-streaming chat over the full message history.
func (o Ollama) Complete(ctx context.Context, model string, messages []models.Message) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    model,
		Messages: ollamaMessages(messages),
		Stream:   &f,
	}

	var content string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		content = res.Message.Content
		return nil
	}); err != nil {
		return "", &Error{Kind: ErrKindNetwork, Err: fmt.Errorf("error sending request: %w", err)}
	}

	return content, nil
}

// Stream streams a reply for a single raw input, yielding delta events per chunk and a final
// done event carrying the accumulated text. Tool descriptors are accepted for interface parity
// but Ollama requests never carry them.
func (o Ollama) Stream(
	ctx context.Context,
	model, input string,
	_ []models.Tool,
) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		t := true
		req := api.ChatRequest{
			Model: model,
			Messages: []api.Message{
				{
					Role:    string(models.RoleUser),
					Content: input,
				},
			},
			Stream: &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Once yield returns false no further yield call is allowed, even though the server
		// may still deliver its final chunk before Chat returns.
		stopped := false

		var acc strings.Builder
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content != "" {
				acc.WriteString(res.Message.Content)
				if !yield(stream.Event{Type: stream.EventTypeDelta, Delta: res.Message.Content}, nil) {
					stopped = true
					cancel()
					return errStreamStopped
				}
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, errStreamStopped) || errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, &Error{Kind: ErrKindNetwork, Err: fmt.Errorf("error sending request: %w", err)})
			return
		}
		if stopped {
			return
		}

		yield(stream.Event{Type: stream.EventTypeDone, Text: acc.String()}, nil)
	}
}

// GenerateTitle generates a short conversation title from the transcript.
func (o Ollama) GenerateTitle(ctx context.Context, model, transcript string) (string, error) {
	title, err := o.Complete(ctx, model, []models.Message{
		{
			Role:    models.RoleUser,
			Content: "Please generate a short, single-line title for this conversation:\n\n" + transcript,
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(title), nil
}
