package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStart   EventType = "start"
	EventTypePartial EventType = "partial"
	EventTypeFinal   EventType = "final"
	EventTypeError   EventType = "error"
	// EventTypeInterrupt is emitted when a completion is stopped or superseded.
	// Completion carries the content accumulated so far.
	EventTypeInterrupt EventType = "interrupt"
)

// TopicChat is the topic completion lifecycle events are published on.
const TopicChat = "chat"

type EventMetadata struct {
	RequestID uuid.UUID `json:"request_id"`
	MessageID int64     `json:"message_id"`
	Model     string    `json:"model,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("request_id", em.RequestID.String())
	e.Int64("message_id", em.MessageID)
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

type Event struct {
	Type       EventType     `json:"type"`
	Metadata   EventMetadata `json:"meta"`
	Delta      string        `json:"delta,omitempty"`
	Completion string        `json:"completion,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (e *Event) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type))
	ev.Object("meta", e.Metadata)
	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

func NewStartEvent(metadata EventMetadata) *Event {
	return &Event{Type: EventTypeStart, Metadata: metadata}
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *Event {
	return &Event{Type: EventTypePartial, Metadata: metadata, Delta: delta, Completion: completion}
}

func NewFinalEvent(metadata EventMetadata, completion string) *Event {
	return &Event{Type: EventTypeFinal, Metadata: metadata, Completion: completion}
}

func NewErrorEvent(metadata EventMetadata, completion string, err error) *Event {
	ret := &Event{Type: EventTypeError, Metadata: metadata, Completion: completion}
	if err != nil {
		ret.Error = err.Error()
	}
	return ret
}

func NewInterruptEvent(metadata EventMetadata, completion string) *Event {
	return &Event{Type: EventTypeInterrupt, Metadata: metadata, Completion: completion}
}

func NewEventFromJson(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	switch e.Type {
	case EventTypeStart, EventTypePartial, EventTypeFinal, EventTypeError, EventTypeInterrupt:
		return &e, nil
	default:
		return nil, errors.Errorf("unknown event type %q", e.Type)
	}
}
