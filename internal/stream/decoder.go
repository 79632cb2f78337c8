package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/mbaillet/chatvox/internal/models"
)

// EventType discriminates the variants of a decoded stream event.
type EventType string

const (
	// EventTypeDelta carries an incremental text fragment of the assistant reply.
	EventTypeDelta EventType = "delta"
	// EventTypeDone carries the authoritative final text and its annotations.
	EventTypeDone EventType = "done"
	// EventTypeUnrecognized marks a well-formed frame whose event name is unknown.
	EventTypeUnrecognized EventType = "unrecognized"
)

// Wire-level event names used by the completion endpoint.
const (
	deltaEventName = "response.output_text.delta"
	doneEventName  = "response.output_text.done"
)

// Event is a single decoded frame from the completion event stream.
type Event struct {
	Type EventType

	// Delta would be filled if Type is EventTypeDelta.
	Delta string

	// Text would be filled if Type is EventTypeDone.
	Text string
	// Annotations would be filled if Type is EventTypeDone.
	Annotations []models.Annotation

	// Name holds the raw wire event name if Type is EventTypeUnrecognized.
	Name string
}

type deltaPayload struct {
	Delta string `json:"delta"`
}

type donePayload struct {
	Text        string              `json:"text"`
	Annotations []models.Annotation `json:"annotations"`
}

// Decoder turns an incrementally-arriving byte stream into discrete typed events. The wire format
// separates events with a blank line; each event is an `event:` line followed by a `data:` line
// holding a JSON payload. A chunk may end mid-event, so the unconsumed tail is buffered and
// prepended to the next Feed call. Use one decoder per in-flight request.
type Decoder struct {
	buf []byte

	logger *slog.Logger
}

// NewDecoder creates a decoder for a single stream.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Feed appends chunk to the internal buffer and returns every event completed by it, in wire
// order. Frames that are structurally off (wrong line count) or whose JSON payload fails to
// decode are logged and skipped; decoding of subsequent events continues.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			return events
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+2:]

		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		ev, ok := d.decodeFrame(frame)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
}

func (d *Decoder) decodeFrame(frame []byte) (Event, bool) {
	lines := bytes.Split(frame, []byte("\n"))
	if len(lines) != 2 {
		d.logger.Debug("Skipping frame with unexpected line count", slog.Int("lines", len(lines)))
		return Event{}, false
	}

	name := string(bytes.TrimPrefix(lines[0], []byte("event: ")))
	data := bytes.TrimPrefix(lines[1], []byte("data: "))

	switch name {
	case deltaEventName:
		var p deltaPayload
		if err := json.Unmarshal(data, &p); err != nil {
			d.logger.Warn("Failed to decode delta payload", slog.String("err", err.Error()))
			return Event{}, false
		}
		return Event{Type: EventTypeDelta, Delta: p.Delta}, true
	case doneEventName:
		var p donePayload
		if err := json.Unmarshal(data, &p); err != nil {
			d.logger.Warn("Failed to decode done payload", slog.String("err", err.Error()))
			return Event{}, false
		}
		return Event{Type: EventTypeDone, Text: p.Text, Annotations: p.Annotations}, true
	default:
		d.logger.Debug("Unrecognized event type", slog.String("event", name))
		return Event{Type: EventTypeUnrecognized, Name: name}, true
	}
}

// Events reads r to exhaustion and yields decoded events in wire order. Only a read failure
// aborts the iteration; individual malformed frames are skipped by the decoder.
func Events(r io.Reader, logger *slog.Logger) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := NewDecoder(logger)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					if !yield(ev, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(Event{}, fmt.Errorf("error reading stream: %w", err))
				return
			}
		}
	}
}
