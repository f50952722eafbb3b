package completion

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StoppedSuffix    = "\n\n(stopped)"
	SupersededSuffix = "\n\n(superseded)"

	// framing tokens of the chat template that are not sent to backends
	// which do their own prompt formatting
	nonChatFramingCorrection = 2
)

// Sink receives the output of a request. Partial is called with the accumulated
// content after every non-empty delta, Finish exactly once at the end.
type Sink interface {
	Partial(ctx context.Context, content string) error
	Finish(ctx context.Context, result *Result) error
}

type UsageRecorder interface {
	RecordCompletion(ctx context.Context, model string, promptTokens int, completionTokens int) error
}

type StopReason string

const (
	StopReasonNone       StopReason = ""
	StopReasonStopped    StopReason = "stopped"
	StopReasonSuperseded StopReason = "superseded"
)

type Result struct {
	RequestID uuid.UUID
	Content   string
	Status    store.Status
	// Err is the provider error of a failed request.
	Err        error
	StopReason StopReason

	PromptTokens     int
	CompletionTokens int
}

// Orchestrator runs streamed completions, one goroutine per request.
type Orchestrator struct {
	provider  Provider
	counter   tokens.Counter
	usage     UsageRecorder
	publisher *events.PublisherManager

	mu     sync.Mutex
	active map[uuid.UUID]*Handle
	byKey  map[string]*Handle
	wg     sync.WaitGroup
}

type OrchestratorOption func(*Orchestrator)

func WithCounter(counter tokens.Counter) OrchestratorOption {
	return func(o *Orchestrator) {
		o.counter = counter
	}
}

func WithUsageRecorder(usage UsageRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.usage = usage
	}
}

func WithPublisherManager(publisher *events.PublisherManager) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

func NewOrchestrator(provider Provider, options ...OrchestratorOption) *Orchestrator {
	ret := &Orchestrator{
		provider: provider,
		active:   map[uuid.UUID]*Handle{},
		byKey:    map[string]*Handle{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Start launches req in the background and returns immediately.
// The request is bound to ctx: canceling ctx stops it like Handle.Cancel.
func (o *Orchestrator) Start(ctx context.Context, req Request, sink Sink) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     uuid.New(),
		key:    req.Key,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StatePending,
	}

	o.mu.Lock()
	if prev, ok := o.byKey[req.Key]; ok && req.Key != "" {
		log.Debug().Str("key", req.Key).Str("superseded", prev.id.String()).Str("request", h.id.String()).Msg("superseding running completion")
		prev.interruptWith(StopReasonSuperseded)
	}
	o.active[h.id] = h
	if req.Key != "" {
		o.byKey[req.Key] = h
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer close(h.done)
		defer o.remove(h)
		defer cancel()
		o.run(runCtx, context.WithoutCancel(ctx), h, req, sink)
	}()

	return h
}

func (o *Orchestrator) remove(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, h.id)
	if o.byKey[h.key] == h {
		delete(o.byKey, h.key)
	}
}

// Stop cancels a running request. It returns false if id is not running.
func (o *Orchestrator) Stop(id uuid.UUID) bool {
	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	handles := make([]*Handle, 0, len(o.active))
	for _, h := range o.active {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Wait blocks until every started request has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, writeCtx context.Context, h *Handle, req Request, sink Sink) {
	meta := events.EventMetadata{RequestID: h.id, MessageID: req.MessageID, Model: req.Model}
	content := ""

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("request", h.id.String()).Msg("completion goroutine panicked")
			o.fail(writeCtx, h, sink, meta, content, errors.Errorf("internal error: %v", r))
		}
	}()

	o.publisher.PublishBlind(events.NewStartEvent(meta))

	stream, err := o.provider.Stream(ctx, req)
	if err != nil {
		if reason := h.interruption(ctx); reason != StopReasonNone {
			o.interrupted(writeCtx, h, sink, meta, content, reason)
			return
		}
		o.fail(writeCtx, h, sink, meta, content, err)
		return
	}
	defer func() {
		_ = stream.Close()
	}()
	h.setState(StateStreaming)

	for {
		delta, err := stream.Recv()

		// a stopped or superseded request drops whatever is still in flight
		if reason := h.interruption(ctx); reason != StopReasonNone {
			o.interrupted(writeCtx, h, sink, meta, content, reason)
			return
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			o.fail(writeCtx, h, sink, meta, content, err)
			return
		}
		if delta == "" {
			continue
		}

		content += delta
		if err := sink.Partial(writeCtx, content); err != nil {
			log.Warn().Err(err).Str("request", h.id.String()).Msg("failed to persist partial completion")
		}
		o.publisher.PublishBlind(events.NewPartialEvent(meta, delta, content))
	}

	o.complete(writeCtx, h, sink, meta, req, content)
}

func (o *Orchestrator) complete(ctx context.Context, h *Handle, sink Sink, meta events.EventMetadata, req Request, content string) {
	result := &Result{
		RequestID: h.id,
		Content:   content,
		Status:    store.StatusComplete,
	}

	if o.counter != nil {
		prompt, err := o.counter.CountMessages(req.Model, req.Messages)
		if err == nil && !o.provider.ChatFormatted() {
			prompt -= nonChatFramingCorrection
		}
		completion, err2 := o.counter.CountText(req.Model, content)
		if err == nil {
			err = err2
		}
		if err != nil {
			log.Warn().Err(err).Str("request", h.id.String()).Msg("could not count tokens of completion, usage not recorded")
		} else {
			result.PromptTokens = prompt
			result.CompletionTokens = completion
			if o.usage != nil {
				if err := o.usage.RecordCompletion(ctx, req.Model, prompt, completion); err != nil {
					log.Error().Err(err).Str("request", h.id.String()).Msg("failed to record completion usage")
				}
			}
		}
	}

	if req.CommandMode {
		if block, ok := ExtractCodeBlock(content); ok {
			result.Content = block
		}
	}

	if !h.settle(StateCompleted, result) {
		return
	}
	if err := sink.Finish(ctx, result); err != nil {
		log.Error().Err(err).Str("request", h.id.String()).Msg("failed to persist completion")
	}
	o.publisher.PublishBlind(events.NewFinalEvent(meta, result.Content))
}

func (o *Orchestrator) fail(ctx context.Context, h *Handle, sink Sink, meta events.EventMetadata, content string, err error) {
	decoded := DecodeError(err)
	log.Warn().Err(err).Str("request", h.id.String()).Str("decoded", decoded).Msg("completion failed")

	final := decoded
	if content != "" {
		final = fmt.Sprintf("%s\n\n%s", content, decoded)
	}
	result := &Result{
		RequestID: h.id,
		Content:   final,
		Status:    store.StatusFailed,
		Err:       err,
	}
	if !h.settle(StateFailed, result) {
		return
	}
	if err := sink.Finish(ctx, result); err != nil {
		log.Error().Err(err).Str("request", h.id.String()).Msg("failed to persist failed completion")
	}
	o.publisher.PublishBlind(events.NewErrorEvent(meta, final, err))
}

func (o *Orchestrator) interrupted(ctx context.Context, h *Handle, sink Sink, meta events.EventMetadata, content string, reason StopReason) {
	suffix := StoppedSuffix
	if reason == StopReasonSuperseded {
		suffix = SupersededSuffix
	}
	log.Debug().Str("request", h.id.String()).Str("reason", string(reason)).Int("length", len(content)).Msg("completion interrupted")

	result := &Result{
		RequestID:  h.id,
		Content:    content + suffix,
		Status:     store.StatusFailed,
		StopReason: reason,
	}
	if !h.settle(StateFailed, result) {
		return
	}
	if err := sink.Finish(ctx, result); err != nil {
		log.Error().Err(err).Str("request", h.id.String()).Msg("failed to persist interrupted completion")
	}
	o.publisher.PublishBlind(events.NewInterruptEvent(meta, result.Content))
}
