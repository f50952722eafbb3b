package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// ChatEventHandler receives decoded completion events.
type ChatEventHandler interface {
	HandleStart(ctx context.Context, e *Event) error
	HandlePartial(ctx context.Context, e *Event) error
	HandleFinal(ctx context.Context, e *Event) error
	HandleError(ctx context.Context, e *Event) error
	HandleInterrupt(ctx context.Context, e *Event) error
}

// EventRouter is an in-process watermill router over a go channel pubsub.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		if verbose {
			r.logger = NewWatermillLogger(log.Logger)
		}
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close router")
	}
	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f message.NoPublishHandlerFunc) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddChatHandler registers a handler that decodes events on topic and dispatches them to handler.
func (e *EventRouter) AddChatHandler(name string, topic string, handler ChatEventHandler) {
	e.AddHandler(name, topic, NewChatDispatchHandler(handler))
}

// NewChatDispatchHandler decodes watermill messages into events and calls the matching handler method.
// Malformed payloads are logged and acked.
func NewChatDispatchHandler(handler ChatEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Str("payload", string(msg.Payload)).Msg("failed to parse chat event")
			return nil
		}

		ctx := msg.Context()
		switch e.Type {
		case EventTypeStart:
			err = handler.HandleStart(ctx, e)
		case EventTypePartial:
			err = handler.HandlePartial(ctx, e)
		case EventTypeFinal:
			err = handler.HandleFinal(ctx, e)
		case EventTypeError:
			err = handler.HandleError(ctx, e)
		case EventTypeInterrupt:
			err = handler.HandleInterrupt(ctx, e)
		}
		if err != nil {
			log.Error().Err(err).Object("event", e).Msg("error processing chat event")
			return err
		}
		return nil
	}
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
