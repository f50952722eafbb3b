package speech

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Synthesizer turns text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays audio and returns when playback ended or ctx is done.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

const defaultQueueSize = 64

type segment struct {
	generation uint64
	ctx        context.Context
	text       string
	audio      []byte
}

// Queue speaks text segments in arrival order. Segments are prepared
// (synthesized) and played on two lanes with one worker each, so the next
// segment is prepared while the current one plays.
//
// Segments belong to an utterance identified by a tts id. Speaking a segment
// of a new utterance flushes both lanes and cancels the work still running
// for the old one.
type Queue struct {
	synthesizer Synthesizer
	player      Player

	prepare chan *segment
	play    chan *segment

	mu         sync.Mutex
	ttsID      string
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc

	// pending counts segments not yet played or dropped. idle is closed
	// whenever pending is zero.
	pending int
	idle    chan struct{}
}

type QueueOption func(*Queue)

func WithQueueSize(size int) QueueOption {
	return func(q *Queue) {
		q.prepare = make(chan *segment, size)
		q.play = make(chan *segment, size)
	}
}

func NewQueue(synthesizer Synthesizer, player Player, options ...QueueOption) *Queue {
	ret := &Queue{
		synthesizer: synthesizer,
		player:      player,
		prepare:     make(chan *segment, defaultQueueSize),
		play:        make(chan *segment, defaultQueueSize),
		idle:        make(chan struct{}),
	}
	close(ret.idle)
	ret.ctx, ret.cancel = context.WithCancel(context.Background())
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Run processes both lanes until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	defer q.Stop()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return q.runPrepare(ctx)
	})
	eg.Go(func() error {
		return q.runPlay(ctx)
	})
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Speak enqueues text as the next segment of utterance ttsID.
func (q *Queue) Speak(ttsID string, text string) error {
	q.mu.Lock()
	if ttsID != q.ttsID {
		q.flushLocked()
		q.ttsID = ttsID
	}
	seg := &segment{generation: q.generation, ctx: q.ctx, text: text}
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.mu.Unlock()

	select {
	case q.prepare <- seg:
		return nil
	case <-seg.ctx.Done():
		q.finished()
		return nil
	}
}

// Wait blocks until every segment spoken so far was played or dropped.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) finished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// Stop discards all queued segments and cancels the running synthesis and playback.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
	q.ttsID = ""
}

func (q *Queue) flushLocked() {
	q.cancel()
	q.generation++
	q.ctx, q.cancel = context.WithCancel(context.Background())
	log.Trace().Uint64("generation", q.generation).Msg("flushed speech queue")
}

func (q *Queue) current(seg *segment) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return seg.generation == q.generation
}

func (q *Queue) runPrepare(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-q.prepare:
			if !q.current(seg) {
				q.finished()
				continue
			}
			audio, err := q.synthesizer.Synthesize(seg.ctx, seg.text)
			if !q.current(seg) {
				log.Trace().Str("text", seg.text).Msg("dropping audio of a flushed utterance")
				q.finished()
				continue
			}
			if err != nil {
				log.Warn().Err(err).Str("text", seg.text).Msg("could not synthesize speech")
				q.finished()
				continue
			}
			seg.audio = audio
			select {
			case q.play <- seg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (q *Queue) runPlay(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-q.play:
			if q.current(seg) && len(seg.audio) > 0 {
				if err := q.player.Play(seg.ctx, seg.audio); err != nil && q.current(seg) {
					log.Warn().Err(err).Msg("could not play speech")
				}
			}
			q.finished()
		}
	}
}
