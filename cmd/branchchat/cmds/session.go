package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/speech"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// printer writes streamed completions to w as they arrive.
type printer struct {
	w io.Writer

	mu       sync.Mutex
	streamed map[uuid.UUID]string
}

var _ events.ChatEventHandler = (*printer)(nil)

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:        w,
		streamed: map[uuid.UUID]string{},
	}
}

func (p *printer) HandleStart(ctx context.Context, e *events.Event) error {
	return nil
}

func (p *printer) HandlePartial(ctx context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamed[e.Metadata.RequestID] = e.Completion
	_, err := fmt.Fprint(p.w, e.Delta)
	return err
}

// finish prints what the final content adds to the streamed text. Content
// that was rewritten after streaming (command mode) is printed in full.
func (p *printer) finish(e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	streamed := p.streamed[e.Metadata.RequestID]
	delete(p.streamed, e.Metadata.RequestID)

	var err error
	if rest, ok := strings.CutPrefix(e.Completion, streamed); ok {
		_, err = fmt.Fprintln(p.w, rest)
	} else {
		_, err = fmt.Fprintf(p.w, "\n---\n%s\n", e.Completion)
	}
	return err
}

func (p *printer) HandleFinal(ctx context.Context, e *events.Event) error {
	return p.finish(e)
}

func (p *printer) HandleError(ctx context.Context, e *events.Event) error {
	return p.finish(e)
}

func (p *printer) HandleInterrupt(ctx context.Context, e *events.Event) error {
	return p.finish(e)
}

// session runs the event router, and optionally the speech queue, while
// completions are requested.
type session struct {
	manager *conversation.Manager
	w       io.Writer
	queue   *speech.Queue

	cancel context.CancelFunc
	eg     *errgroup.Group
}

func startSession(ctx context.Context, app *App, w io.Writer, speak bool) (*session, error) {
	m, err := app.Manager()
	if err != nil {
		return nil, err
	}
	router, err := app.Router()
	if err != nil {
		return nil, err
	}
	router.AddChatHandler("printer", events.TopicChat, newPrinter(w))

	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	ret := &session{
		manager: m,
		w:       w,
		cancel:  cancel,
		eg:      eg,
	}

	if speak {
		synthesizer, err := app.Synthesizer()
		if err != nil {
			cancel()
			return nil, err
		}
		player, err := app.Player()
		if err != nil {
			cancel()
			return nil, err
		}
		ret.queue = speech.NewQueue(synthesizer, player)
		router.AddChatHandler("speaker", events.TopicChat, speech.NewEventSpeaker(ret.queue))
		eg.Go(func() error {
			return ret.queue.Run(ctx)
		})
	}

	eg.Go(func() error {
		return router.Run(ctx)
	})
	select {
	case <-router.Running():
	case <-ctx.Done():
		cancel()
		if err := eg.Wait(); err != nil {
			return nil, errors.Wrap(err, "event router stopped")
		}
		return nil, errors.New("event router stopped")
	}
	return ret, nil
}

// await blocks until h settled. An interrupt signal stops the completion
// instead of the program.
func (s *session) await(ctx context.Context, h *completion.Handle) error {
	if h == nil {
		// nothing was sent, a refusal ends up as a failed leaf
		if leaf := s.manager.State().Leaf(); leaf != nil && leaf.Status == store.StatusFailed {
			_, err := fmt.Fprintln(s.w, leaf.Content)
			return err
		}
		return nil
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	for {
		select {
		case <-h.Done():
			_, err := h.Wait(ctx)
			return err
		case <-sigs:
			h.Cancel()
		case <-ctx.Done():
			h.Cancel()
			<-h.Done()
			return ctx.Err()
		}
	}
}

// drain waits for queued speech to be played.
func (s *session) drain(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sigs:
			s.queue.Stop()
			cancel()
		case <-ctx.Done():
		}
	}()
	err := s.queue.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *session) close() error {
	s.cancel()
	return s.eg.Wait()
}
