package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mbaillet/chatvox/internal/models"
	"github.com/mbaillet/chatvox/internal/stream"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI talks to the hosted completion API. One-shot calls (chat completions, titles, model
// listing, transcription, speech) go through the go-openai client; the streaming responses
// endpoint is issued directly because the client library does not cover it.
type OpenAI struct {
	apiKey  string
	baseURL string

	client     *goopenai.Client
	httpClient *http.Client

	logger *slog.Logger
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// The request stage uses a short timeout to establish and send; the overall read budget is long
// to accommodate slow token streaming.
const (
	responseHeaderTimeout = 60 * time.Second
	streamReadTimeout     = 5 * time.Minute
)

const titleSystemPrompt = "You are a helpful assistant that generates concise, descriptive titles " +
	"for conversations. Your response should be a single line title that captures the main topic " +
	"or theme of the conversation. Do not include any additional text or formatting. Make it " +
	"short and concise."

type responsesRequest struct {
	Model  string        `json:"model"`
	Input  string        `json:"input"`
	Tools  []models.Tool `json:"tools"`
	Stream bool          `json:"stream"`
}

// NewOpenAI creates a new OpenAI instance with the specified API key and base URL. An empty
// baseURL selects the hosted endpoint.
func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) OpenAI {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  goopenai.NewClientWithConfig(cfg),
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: responseHeaderTimeout,
			},
		},
		logger: logger.With(slog.String("module", "openai")),
	}
}

func completionMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// Complete performs a one-shot chat completion over the full message history and returns the
// assistant's reply text.
func (o OpenAI) Complete(ctx context.Context, model string, messages []models.Message) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: completionMessages(messages),
	})
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: ErrKindInvalidResponse, Err: errors.New("no choices found")}
	}

	return resp.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion for a single raw input and yields decoded stream events
// in wire order. The iterator terminates after the first error; cancellation of ctx tears down
// the underlying transport. Exceeding the overall read budget surfaces a timeout error.
func (o OpenAI) Stream(
	ctx context.Context,
	model, input string,
	tools []models.Tool,
) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, streamReadTimeout)
		defer cancel()

		if tools == nil {
			tools = []models.Tool{}
		}
		reqBody := responsesRequest{
			Model:  model,
			Input:  input,
			Tools:  tools,
			Stream: true,
		}
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			o.baseURL+"/responses", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(stream.Event{}, &Error{Kind: ErrKindInvalidURL, Err: err})
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)

		resp, err := o.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, classify(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			e := classifyStatus(resp.StatusCode)
			e.Err = fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
			yield(stream.Event{}, e)
			return
		}

		for ev, err := range stream.Events(resp.Body, o.logger) {
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
					return
				}
				if ctx.Err() != nil {
					yield(stream.Event{}, &Error{Kind: ErrKindTimeout, Err: err})
					return
				}
				yield(stream.Event{}, classify(err))
				return
			}
			if !yield(ev, nil) {
				return
			}
			// The done event is terminal; anything after it is not ours to report.
			if ev.Type == stream.EventTypeDone {
				return
			}
		}
	}
}

// GenerateTitle asks for a short conversation title seeded with the full transcript.
func (o OpenAI) GenerateTitle(ctx context.Context, model, transcript string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: titleSystemPrompt,
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: "Please generate a title for this conversation:\n\n" + transcript,
			},
		},
	})
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: ErrKindInvalidResponse, Err: errors.New("no choices found")}
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ListModels returns the ids of all models the credential can use, sorted lexicographically.
func (o OpenAI) ListModels(ctx context.Context) ([]string, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, classify(err)
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

// Transcribe sends a finished audio recording to the transcription endpoint and returns the
// recognized text. The filename carries the container format for the endpoint.
func (o OpenAI) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", &Error{Kind: ErrKindInvalidAudio, Err: errors.New("empty audio payload")}
	}

	resp, err := o.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    goopenai.Whisper1,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", classify(err)
	}

	return resp.Text, nil
}

// Speech synthesizes text to raw audio bytes with the given voice.
func (o OpenAI) Speech(ctx context.Context, model, voice, input string) ([]byte, error) {
	resp, err := o.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model: goopenai.SpeechModel(model),
		Input: input,
		Voice: goopenai.SpeechVoice(voice),
	})
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, &Error{Kind: ErrKindInvalidResponse, Err: err}
	}
	return audio, nil
}
