package completion

import (
	"context"
	"io"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
)

// OllamaProvider streams chat completions from a local ollama server.
// The host is taken from OLLAMA_HOST.
type OllamaProvider struct {
	client *api.Client
}

var _ Provider = (*OllamaProvider)(nil)

func NewOllamaProvider() (*OllamaProvider, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "create ollama client")
	}
	return &OllamaProvider{client: client}, nil
}

// ChatFormatted is false: ollama applies the model's own prompt template, the
// chat framing tokens counted locally are never sent.
func (p *OllamaProvider) ChatFormatted() bool {
	return false
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
	}

	ctx, cancel := context.WithCancel(ctx)
	ret := &chanStream{
		deltas: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(ret.done)
		ret.err = p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Done {
				return nil
			}
			select {
			case ret.deltas <- resp.Message.Content:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return ret, nil
}

// chanStream adapts a callback based client to Stream.
type chanStream struct {
	deltas chan string
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (s *chanStream) Recv() (string, error) {
	select {
	case d := <-s.deltas:
		return d, nil
	case <-s.done:
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
}

func (s *chanStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
