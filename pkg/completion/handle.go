package completion

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handle tracks one running request.
type Handle struct {
	id     uuid.UUID
	key    string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	reason StopReason
	result *Result
}

func (h *Handle) ID() uuid.UUID {
	return h.id
}

func (h *Handle) Key() string {
	return h.key
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cancel stops the request. The message keeps the content received so far.
func (h *Handle) Cancel() {
	h.interruptWith(StopReasonStopped)
}

func (h *Handle) interruptWith(reason StopReason) {
	h.mu.Lock()
	if h.reason == StopReasonNone {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

// interruption reports why the request should stop, if it should.
// A canceled parent context counts as a stop.
func (h *Handle) interruption(ctx context.Context) StopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason != StopReasonNone {
		return h.reason
	}
	if ctx.Err() != nil {
		return StopReasonStopped
	}
	return StopReasonNone
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		h.state = s
	}
}

// settle records the terminal state. It returns false if the request was already settled.
func (h *Handle) settle(s State, r *Result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result != nil {
		return false
	}
	h.state = s
	h.result = r
	return true
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the request settled or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
