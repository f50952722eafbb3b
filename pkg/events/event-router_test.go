package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []*Event
	done   chan struct{}
}

func (r *recordingHandler) record(e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if e.Type == EventTypeFinal {
		close(r.done)
	}
	return nil
}

func (r *recordingHandler) HandleStart(ctx context.Context, e *Event) error     { return r.record(e) }
func (r *recordingHandler) HandlePartial(ctx context.Context, e *Event) error   { return r.record(e) }
func (r *recordingHandler) HandleFinal(ctx context.Context, e *Event) error     { return r.record(e) }
func (r *recordingHandler) HandleError(ctx context.Context, e *Event) error     { return r.record(e) }
func (r *recordingHandler) HandleInterrupt(ctx context.Context, e *Event) error { return r.record(e) }

func TestRouterDispatchesPublishedEvents(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	handler := &recordingHandler{done: make(chan struct{})}
	router.AddChatHandler("recorder", TopicChat, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	pm := NewPublisherManager()
	pm.SubscribePublisher(TopicChat, router.Publisher)

	meta := EventMetadata{RequestID: uuid.New(), MessageID: 7, Model: "gpt-4"}
	require.NoError(t, pm.Publish(NewStartEvent(meta)))
	require.NoError(t, pm.Publish(NewPartialEvent(meta, "he", "he")))
	require.NoError(t, pm.Publish(NewPartialEvent(meta, "llo", "hello")))
	require.NoError(t, pm.Publish(NewFinalEvent(meta, "hello")))

	select {
	case <-handler.done:
	case <-time.After(5 * time.Second):
		t.Fatal("final event not received")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.events, 4)
	assert.Equal(t, EventTypeStart, handler.events[0].Type)
	assert.Equal(t, "hello", handler.events[2].Completion)
	assert.Equal(t, meta, handler.events[3].Metadata)

	require.NoError(t, router.Close())
}

func TestNewEventFromJsonRejectsUnknownTypes(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)

	e, err := NewEventFromJson([]byte(`{"type":"error","error":"boom","meta":{"message_id":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, int64(3), e.Metadata.MessageID)
}

func TestPublishBlindOnNilManager(t *testing.T) {
	var pm *PublisherManager
	assert.NotPanics(t, func() {
		pm.PublishBlind(NewFinalEvent(EventMetadata{}, "x"))
	})
}
