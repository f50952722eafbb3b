package completion

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/tokens"
)

// Request is a single streamed completion.
type Request struct {
	// Key groups requests that target the same slot in the tree, usually the parent message id.
	// Starting a request with the key of a running request supersedes the running one.
	Key string
	// MessageID is the assistant message the output is written to.
	MessageID   int64
	Model       string
	Messages    []tokens.Message
	CommandMode bool
}

// Stream yields content deltas until io.EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	// ChatFormatted reports whether the backend applies chat framing to the prompt,
	// which decides whether framing tokens are billed.
	ChatFormatted() bool
}
