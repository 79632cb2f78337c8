package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbaillet/chatvox/internal/models"
	"github.com/mbaillet/chatvox/internal/stream"
	"github.com/sourcegraph/conc"
)

// Completer produces assistant replies. Complete performs a one-shot call over the full
// history; Stream yields decoded stream events for a single raw input; GenerateTitle is the
// secondary completion used for conversation titles.
type Completer interface {
	Complete(ctx context.Context, model string, messages []models.Message) (string, error)
	Stream(ctx context.Context, model, input string, tools []models.Tool) iter.Seq2[stream.Event, error]
	GenerateTitle(ctx context.Context, model, transcript string) (string, error)
}

// Store is the slice of the conversation store the orchestrator writes through. The
// orchestrator is the only writer of conversation state.
type Store interface {
	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
	UpdateChat(ctx context.Context, chat models.Chat) error
}

// Speaker synthesizes text to raw audio bytes.
type Speaker interface {
	Speech(ctx context.Context, model, voice, input string) ([]byte, error)
}

// Player accepts raw audio bytes for playback. Playback device plumbing lives outside this
// package.
type Player interface {
	Play(audio []byte) error
}

// Notifier receives conversation state changes for fan-out to observers. Calls arrive from
// the single goroutine driving a turn, plus detached side-effect tasks for chat updates.
type Notifier interface {
	MessageUpdated(chatID string, message models.Message)
	ChatUpdated(chat models.Chat)
}

// Settings is the read-only configuration snapshot a turn runs under. It is captured by value
// when the turn starts; later mutations never affect an in-flight turn.
type Settings struct {
	APIKey       string
	Model        string
	TitleModel   string
	UseStreaming bool

	TTSEnabled bool
	TTSModel   string
	TTSVoice   string

	// HistoryTokenBudget caps the token count of the history sent on one-shot completions;
	// zero selects the default.
	HistoryTokenBudget int
}

// SettingsProvider supplies the current settings snapshot.
type SettingsProvider interface {
	Snapshot() Settings
}

// State identifies where a conversation is within its current turn.
type State string

const (
	// StateIdle means no turn is in flight.
	StateIdle State = "idle"
	// StateAwaitingResponse means the request is being built or awaited.
	StateAwaitingResponse State = "awaiting_response"
	// StateStreaming means deltas are being merged into the placeholder message.
	StateStreaming State = "streaming"
	// StateFinalizing means the answer is resolved and side effects are being scheduled.
	StateFinalizing State = "finalizing"
)

var (
	// ErrEmptyMessage is returned when the submitted text trims to nothing.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTurnInProgress is returned when a turn is submitted while the previous one for the
	// same conversation is unresolved.
	ErrTurnInProgress = errors.New("turn already in progress")
)

const advisoryMessage = "Please configure your OpenAI API key in the settings to use this feature."

// Orchestrator is the chat state machine. It validates preconditions, appends the user turn,
// drives the completion call, merges streamed output into the conversation store, and schedules
// the title and speech side effects. At most one turn per conversation is in flight; concurrent
// submissions are rejected.
type Orchestrator struct {
	completer Completer
	store     Store
	settings  SettingsProvider
	speaker   Speaker
	player    Player
	notifier  Notifier

	logger *slog.Logger

	mu     sync.Mutex
	states map[string]State

	sideEffects conc.WaitGroup
}

// Deps carries the collaborators an Orchestrator needs. Speaker and Player may be nil, which
// disables speech synthesis regardless of the settings toggle.
type Deps struct {
	Completer Completer
	Store     Store
	Settings  SettingsProvider
	Speaker   Speaker
	Player    Player
	Notifier  Notifier
	Logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator with all conversations idle.
func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		completer: deps.Completer,
		store:     deps.Store,
		settings:  deps.Settings,
		speaker:   deps.Speaker,
		player:    deps.Player,
		notifier:  deps.Notifier,
		logger:    deps.Logger.With(slog.String("module", "chat")),
		states:    make(map[string]State),
	}
}

// State reports the conversation's position in its current turn.
func (o *Orchestrator) State(chatID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[chatID]; ok {
		return s
	}
	return StateIdle
}

func (o *Orchestrator) begin(chatID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[chatID]; ok && s != StateIdle {
		return false
	}
	o.states[chatID] = StateAwaitingResponse
	return true
}

func (o *Orchestrator) setState(chatID string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[chatID] = s
}

func (o *Orchestrator) finish(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// Absent means idle; keeping entries around would grow the map with every conversation
	// ever touched.
	delete(o.states, chatID)
}

// SendMessage runs one full turn: it appends the user message, obtains the assistant reply in
// the configured mode, and schedules title generation and speech synthesis. It returns once
// the answer is resolved; side effects never block it. Any completion failure has already been
// converted into an error-labeled assistant message when SendMessage returns it.
func (o *Orchestrator) SendMessage(ctx context.Context, chatID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	if !o.begin(chatID) {
		return ErrTurnInProgress
	}
	defer o.finish(chatID)

	// Captured by value; settings mutated mid-turn must not change this turn's behavior.
	settings := o.settings.Snapshot()

	if strings.TrimSpace(settings.APIKey) == "" {
		if err := o.appendAssistantMessage(ctx, chatID, advisoryMessage); err != nil {
			return err
		}
		return nil
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	// The user message is visible before any network round-trip, and stays in history even if
	// the turn fails.
	msgID, err := o.store.AddMessage(ctx, chatID, userMsg)
	if err != nil {
		return fmt.Errorf("failed to add user message: %w", err)
	}
	userMsg.ID = msgID
	o.notifier.MessageUpdated(chatID, userMsg)

	var final string
	if settings.UseStreaming {
		final, err = o.streamTurn(ctx, chatID, settings, text)
	} else {
		final, err = o.completeTurn(ctx, chatID, settings)
	}
	if err != nil {
		return err
	}

	o.setState(chatID, StateFinalizing)
	o.scheduleSideEffects(chatID, settings, final)
	return nil
}

// streamTurn pre-appends an empty assistant placeholder, then overwrites its content with the
// delta accumulator on every event. Deltas are applied in arrival order and the accumulator is
// append-only within the turn; the done event's text is authoritative and overwrites the
// accumulator unconditionally.
func (o *Orchestrator) streamTurn(ctx context.Context, chatID string, settings Settings, input string) (string, error) {
	o.setState(chatID, StateStreaming)

	placeholder := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	msgID, err := o.store.AddMessage(ctx, chatID, placeholder)
	if err != nil {
		return "", fmt.Errorf("failed to add placeholder message: %w", err)
	}
	placeholder.ID = msgID
	o.notifier.MessageUpdated(chatID, placeholder)

	var acc strings.Builder
	done := false
	for ev, streamErr := range o.completer.Stream(ctx, settings.Model, input, nil) {
		if streamErr != nil {
			o.markFailed(ctx, chatID, &placeholder, streamErr)
			return "", streamErr
		}

		switch ev.Type {
		case stream.EventTypeDelta:
			acc.WriteString(ev.Delta)
			placeholder.Content = acc.String()
		case stream.EventTypeDone:
			placeholder.Content = ev.Text
			placeholder.Annotations = ev.Annotations
			done = true
		case stream.EventTypeUnrecognized:
			// Already logged by the decoder.
			continue
		}

		if err := o.store.UpdateMessage(ctx, chatID, placeholder); err != nil {
			err = fmt.Errorf("failed to update message: %w", err)
			// Best effort through the same store, so the placeholder is not left silently
			// half-written.
			o.markFailed(ctx, chatID, &placeholder, err)
			return "", err
		}
		o.notifier.MessageUpdated(chatID, placeholder)

		if done {
			break
		}
	}

	// A stream that ends without a done event resolves to the accumulated deltas.
	return placeholder.Content, nil
}

// completeTurn awaits a one-shot completion over the full prior history and appends the reply
// as a new assistant message.
func (o *Orchestrator) completeTurn(ctx context.Context, chatID string, settings Settings) (string, error) {
	history, err := o.store.Messages(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("failed to get messages: %w", err)
	}
	history = trimHistory(history, settings.Model, settings.HistoryTokenBudget, o.logger)

	reply, err := o.completer.Complete(ctx, settings.Model, history)
	if err != nil {
		if appendErr := o.appendAssistantMessage(ctx, chatID, errorLabel(err)); appendErr != nil {
			o.logger.Error("Failed to append error message",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, appendErr.Error()))
		}
		return "", err
	}

	if err := o.appendAssistantMessage(ctx, chatID, reply); err != nil {
		return "", err
	}
	return reply, nil
}

func (o *Orchestrator) appendAssistantMessage(ctx context.Context, chatID, content string) error {
	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
	msgID, err := o.store.AddMessage(ctx, chatID, msg)
	if err != nil {
		return fmt.Errorf("failed to add assistant message: %w", err)
	}
	msg.ID = msgID
	o.notifier.MessageUpdated(chatID, msg)
	return nil
}

// markFailed leaves the placeholder clearly error-marked instead of silently empty. Partial
// streamed content is kept above the marker.
func (o *Orchestrator) markFailed(ctx context.Context, chatID string, msg *models.Message, cause error) {
	o.logger.Error("Turn failed",
		slog.String("chatID", chatID),
		slog.String(errLoggerKey, cause.Error()))

	label := errorLabel(cause)
	if msg.Content != "" {
		msg.Content += "\n\n" + label
	} else {
		msg.Content = label
	}
	if err := o.store.UpdateMessage(ctx, chatID, *msg); err != nil {
		o.logger.Error("Failed to mark message as failed",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	o.notifier.MessageUpdated(chatID, *msg)
}

func errorLabel(err error) string {
	return "Error: " + err.Error()
}

// scheduleSideEffects detaches speech synthesis and title generation. Their failures are
// logged, never surfaced to the user, and never roll back the already-displayed answer.
func (o *Orchestrator) scheduleSideEffects(chatID string, settings Settings, finalText string) {
	if settings.TTSEnabled && o.speaker != nil && o.player != nil && finalText != "" {
		o.sideEffects.Go(func() {
			o.speak(settings, finalText)
		})
	}

	o.sideEffects.Go(func() {
		o.generateTitle(chatID, settings)
	})
}

func (o *Orchestrator) speak(settings Settings, text string) {
	audio, err := o.speaker.Speech(context.Background(), settings.TTSModel, settings.TTSVoice, text)
	if err != nil {
		o.logger.Error("Speech synthesis failed", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := o.player.Play(audio); err != nil {
		o.logger.Error("Audio playback failed", slog.String(errLoggerKey, err.Error()))
	}
}

// generateTitle asks for a short conversation title seeded with the full transcript. Skipped
// while the transcript has fewer than two messages. Repeat runs only rewrite the title field.
func (o *Orchestrator) generateTitle(chatID string, settings Settings) {
	messages, err := o.store.Messages(context.Background(), chatID)
	if err != nil {
		o.logger.Error("Failed to get messages for title",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if len(messages) < 2 {
		return
	}

	model := settings.TitleModel
	if model == "" {
		model = settings.Model
	}

	title, err := o.completer.GenerateTitle(context.Background(), model, transcript(messages))
	if err != nil {
		o.logger.Error("Error generating chat title",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	updatedChat := models.Chat{
		ID:    chatID,
		Title: title,
	}
	if err := o.store.UpdateChat(context.Background(), updatedChat); err != nil {
		o.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}
	o.notifier.ChatUpdated(updatedChat)
}

func transcript(messages []models.Message) string {
	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		speaker := "Assistant"
		if msg.Role == models.RoleUser {
			speaker = "User"
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
	}
	return sb.String()
}

// Shutdown waits for detached side-effect tasks to drain.
func (o *Orchestrator) Shutdown() {
	o.sideEffects.Wait()
}

const errLoggerKey = "err"
