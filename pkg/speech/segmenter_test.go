package speech

import (
	"context"
	"sync"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineSegmenterEmitsEachLineOnce(t *testing.T) {
	s := &LineSegmenter{}
	assert.Empty(t, s.Push("Hel"))
	assert.Empty(t, s.Push("Hello wor"))
	assert.Equal(t, []string{"Hello world"}, s.Push("Hello world\nSec"))
	assert.Empty(t, s.Push("Hello world\nSecond"))
	assert.Equal(t, []string{"Second", "Third"}, s.Push("Hello world\nSecond\n\nThird\nFo"))
	assert.Equal(t, []string{"Fourth"}, s.Flush("Hello world\nSecond\n\nThird\nFourth"))
	assert.Empty(t, s.Flush("Hello world\nSecond\n\nThird\nFourth"))
	// content that shrank (e.g. reduced to a code block) is not spoken again
	assert.Empty(t, s.Flush("ls"))
}

type recordingSpeaker struct {
	mu     sync.Mutex
	spoken [][2]string
}

func (r *recordingSpeaker) Speak(ttsID string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, [2]string{ttsID, text})
	return nil
}

func TestEventSpeakerReadsCompletionsLineByLine(t *testing.T) {
	ctx := context.Background()
	r := &recordingSpeaker{}
	s := NewEventSpeaker(r)
	meta := events.EventMetadata{RequestID: uuid.New(), MessageID: 4}
	id := meta.RequestID.String()

	require.NoError(t, s.HandleStart(ctx, events.NewStartEvent(meta)))
	require.NoError(t, s.HandlePartial(ctx, events.NewPartialEvent(meta, "First", "First")))
	require.NoError(t, s.HandlePartial(ctx, events.NewPartialEvent(meta, " line\nSec", "First line\nSec")))
	require.NoError(t, s.HandleFinal(ctx, events.NewFinalEvent(meta, "First line\nSecond")))

	assert.Equal(t, [][2]string{{id, "First line"}, {id, "Second"}}, r.spoken)

	other := events.EventMetadata{RequestID: uuid.New()}
	require.NoError(t, s.HandlePartial(ctx, events.NewPartialEvent(other, "a", "a")))
	require.NoError(t, s.HandleInterrupt(ctx, events.NewInterruptEvent(other, "a")))
	assert.Len(t, r.spoken, 2)
	assert.Empty(t, s.segmenters)
}
