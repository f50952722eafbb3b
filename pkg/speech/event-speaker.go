package speech

import (
	"context"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/rs/zerolog/log"
)

// Speaker accepts segments of an utterance. *Queue implements it.
type Speaker interface {
	Speak(ttsID string, text string) error
}

// EventSpeaker reads completions aloud line by line while they stream.
// The request id of a completion is used as the tts id, so a new completion
// interrupts the one being read.
type EventSpeaker struct {
	speaker Speaker

	mu         sync.Mutex
	segmenters map[string]*LineSegmenter
}

var _ events.ChatEventHandler = (*EventSpeaker)(nil)

func NewEventSpeaker(speaker Speaker) *EventSpeaker {
	return &EventSpeaker{
		speaker:    speaker,
		segmenters: map[string]*LineSegmenter{},
	}
}

func (s *EventSpeaker) segmenter(id string) *LineSegmenter {
	ret, ok := s.segmenters[id]
	if !ok {
		ret = &LineSegmenter{}
		s.segmenters[id] = ret
	}
	return ret
}

func (s *EventSpeaker) speak(id string, lines []string) error {
	for _, l := range lines {
		if err := s.speaker.Speak(id, l); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventSpeaker) HandleStart(ctx context.Context, e *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmenter(e.Metadata.RequestID.String())
	return nil
}

func (s *EventSpeaker) HandlePartial(ctx context.Context, e *events.Event) error {
	id := e.Metadata.RequestID.String()
	s.mu.Lock()
	lines := s.segmenter(id).Push(e.Completion)
	s.mu.Unlock()
	return s.speak(id, lines)
}

func (s *EventSpeaker) HandleFinal(ctx context.Context, e *events.Event) error {
	id := e.Metadata.RequestID.String()
	s.mu.Lock()
	lines := s.segmenter(id).Flush(e.Completion)
	delete(s.segmenters, id)
	s.mu.Unlock()
	return s.speak(id, lines)
}

func (s *EventSpeaker) HandleError(ctx context.Context, e *events.Event) error {
	s.forget(e)
	return nil
}

// HandleInterrupt only stops segmenting. Lines already queued are still
// spoken unless the queue is stopped.
func (s *EventSpeaker) HandleInterrupt(ctx context.Context, e *events.Event) error {
	s.forget(e)
	return nil
}

func (s *EventSpeaker) forget(e *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segmenters, e.Metadata.RequestID.String())
	log.Debug().Object("meta", e.Metadata).Msg("not reading completion any further")
}
