package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PublisherManager fans completion events out to every registered publisher.
// Each outgoing message carries a sequence number in the order Publish was called,
// plus the request id so subscribers can filter without decoding the payload.
type PublisherManager struct {
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.publishers[topic] = append(s.publishers[topic], pub)
}

func (s *PublisherManager) Publish(e *Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	var errs []error
	for topic, pubs := range s.publishers {
		for _, pub := range pubs {
			// watermill messages are acked per subscriber, so every publish gets its own copy
			msg := message.NewMessage(watermill.NewUUID(), b)
			msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
			msg.Metadata.Set("request_id", e.Metadata.RequestID.String())
			if err := pub.Publish(topic, msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.sequenceNumber++

	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "failed to publish to %d publishers", len(errs))
	}
	return nil
}

// PublishBlind publishes and only logs failures.
// A nil manager drops the event.
func (s *PublisherManager) PublishBlind(e *Event) {
	if s == nil {
		return
	}
	if err := s.Publish(e); err != nil {
		log.Warn().Err(err).Object("event", e).Msg("failed to publish")
	}
}
