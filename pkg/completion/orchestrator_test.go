package completion

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type chunk struct {
	delta string
	err   error
}

type fakeStream struct {
	ctx    context.Context
	chunks chan chunk
}

func (s *fakeStream) Recv() (string, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return "", io.EOF
		}
		return c.delta, c.err
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	return nil
}

// fakeProvider hands out streams fed by the test through the returned channels.
type fakeProvider struct {
	mu            sync.Mutex
	startErr      error
	panicOnStart  bool
	notChat       bool
	streams       chan chan chunk
	requests      []Request
	scriptedDelta []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{streams: make(chan chan chunk, 10)}
}

func (p *fakeProvider) ChatFormatted() bool {
	return !p.notChat
}

func (p *fakeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	scripted := p.scriptedDelta
	p.mu.Unlock()

	if p.panicOnStart {
		panic("boom")
	}
	if p.startErr != nil {
		return nil, p.startErr
	}

	c := make(chan chunk, 100)
	if scripted != nil {
		for _, d := range scripted {
			c <- chunk{delta: d}
		}
		close(c)
	} else {
		p.streams <- c
	}
	return &fakeStream{ctx: ctx, chunks: c}, nil
}

func (p *fakeProvider) nextStream(t *testing.T) chan chunk {
	select {
	case c := <-p.streams:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no stream started")
		return nil
	}
}

type recordingSink struct {
	mu       sync.Mutex
	partials []string
	finishes []*Result
	partial  chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{partial: make(chan string, 100)}
}

func (s *recordingSink) Partial(ctx context.Context, content string) error {
	s.mu.Lock()
	s.partials = append(s.partials, content)
	s.mu.Unlock()
	s.partial <- content
	return nil
}

func (s *recordingSink) Finish(ctx context.Context, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes = append(s.finishes, result)
	return nil
}

func (s *recordingSink) waitPartial(t *testing.T, want string) {
	for {
		select {
		case got := <-s.partial:
			if got == want {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("partial %q never arrived", want)
		}
	}
}

type wordCounter struct{}

func (wordCounter) CountText(model string, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (w wordCounter) CountMessages(model string, messages []tokens.Message) (int, error) {
	return tokens.CountMessagesWith(w, model, messages)
}

type usageRecord struct {
	model              string
	prompt, completion int
}

type fakeUsage struct {
	mu      sync.Mutex
	records []usageRecord
}

func (u *fakeUsage) RecordCompletion(ctx context.Context, model string, prompt int, completion int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, usageRecord{model, prompt, completion})
	return nil
}

func wait(t *testing.T, h *Handle) *Result {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func testRequest(key string) Request {
	return Request{
		Key:       key,
		MessageID: 3,
		Model:     "gpt-4",
		Messages: []tokens.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "say hello world"},
		},
	}
}

func TestStreamingAccumulatesAndRecordsUsage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	p.scriptedDelta = []string{"Hello", "", " wide", " world"}
	usage := &fakeUsage{}
	o := NewOrchestrator(p, WithCounter(wordCounter{}), WithUsageRecorder(usage))
	sink := newRecordingSink()

	h := o.Start(context.Background(), testRequest("1"), sink)
	r := wait(t, h)
	o.Wait()

	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, store.StatusComplete, r.Status)
	assert.Equal(t, "Hello wide world", r.Content)
	assert.Equal(t, []string{"Hello", "Hello wide", "Hello wide world"}, sink.partials)
	for i := 1; i < len(sink.partials); i++ {
		assert.True(t, strings.HasPrefix(sink.partials[i], sink.partials[i-1]))
	}
	require.Len(t, sink.finishes, 1)

	// 2 + (1+2+4) + (1+3+4)
	require.Len(t, usage.records, 1)
	assert.Equal(t, usageRecord{"gpt-4", 17, 3}, usage.records[0])
	assert.Equal(t, 0, o.Running())
}

func TestNonChatFormattedProviderCorrection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	p.notChat = true
	p.scriptedDelta = []string{"hi"}
	usage := &fakeUsage{}
	o := NewOrchestrator(p, WithCounter(wordCounter{}), WithUsageRecorder(usage))

	wait(t, o.Start(context.Background(), testRequest("1"), newRecordingSink()))
	o.Wait()

	require.Len(t, usage.records, 1)
	assert.Equal(t, 15, usage.records[0].prompt)
}

func TestCancelKeepsPartialContent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	usage := &fakeUsage{}
	o := NewOrchestrator(p, WithCounter(wordCounter{}), WithUsageRecorder(usage))
	sink := newRecordingSink()

	h := o.Start(context.Background(), testRequest("1"), sink)
	stream := p.nextStream(t)
	stream <- chunk{delta: "Once upon"}
	stream <- chunk{delta: " a time"}
	sink.waitPartial(t, "Once upon a time")

	assert.True(t, o.Stop(h.ID()))
	r := wait(t, h)
	o.Wait()

	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, store.StatusFailed, r.Status)
	assert.Equal(t, StopReasonStopped, r.StopReason)
	assert.Equal(t, "Once upon a time"+StoppedSuffix, r.Content)
	assert.Empty(t, usage.records)
	assert.False(t, o.Stop(h.ID()))
}

func TestParentContextCancelStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	o := NewOrchestrator(p)
	ctx, cancel := context.WithCancel(context.Background())

	h := o.Start(ctx, testRequest("1"), newRecordingSink())
	p.nextStream(t)
	cancel()

	r := wait(t, h)
	o.Wait()
	assert.Equal(t, StopReasonStopped, r.StopReason)
	assert.Equal(t, StoppedSuffix, r.Content)
}

func TestSupersededRequestDropsChunks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	o := NewOrchestrator(p)
	first := newRecordingSink()
	second := newRecordingSink()

	h1 := o.Start(context.Background(), testRequest("parent-7"), first)
	s1 := p.nextStream(t)
	s1 <- chunk{delta: "old"}
	first.waitPartial(t, "old")

	h2 := o.Start(context.Background(), testRequest("parent-7"), second)
	s2 := p.nextStream(t)

	r1 := wait(t, h1)
	// chunks arriving after the supersession are never written
	s1 <- chunk{delta: " late"}

	s2 <- chunk{delta: "new"}
	close(s2)
	r2 := wait(t, h2)
	o.Wait()

	assert.Equal(t, StopReasonSuperseded, r1.StopReason)
	assert.Equal(t, "old"+SupersededSuffix, r1.Content)
	assert.Equal(t, []string{"old"}, first.partials)
	require.Len(t, first.finishes, 1)

	assert.Equal(t, store.StatusComplete, r2.Status)
	assert.Equal(t, "new", r2.Content)
}

func TestStopAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	o := NewOrchestrator(p)

	h1 := o.Start(context.Background(), testRequest("a"), newRecordingSink())
	p.nextStream(t)
	h2 := o.Start(context.Background(), testRequest("b"), newRecordingSink())
	p.nextStream(t)
	assert.Equal(t, 2, o.Running())

	o.StopAll()
	assert.Equal(t, StopReasonStopped, wait(t, h1).StopReason)
	assert.Equal(t, StopReasonStopped, wait(t, h2).StopReason)
	o.Wait()
	assert.Equal(t, 0, o.Running())
}

func TestProviderErrorsAreDecoded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	p.startErr = &go_openai.APIError{Type: "invalid_request_error", Message: "Incorrect API key provided", HTTPStatusCode: 401}
	o := NewOrchestrator(p)
	sink := newRecordingSink()

	r := wait(t, o.Start(context.Background(), testRequest("1"), sink))
	o.Wait()

	assert.Equal(t, store.StatusFailed, r.Status)
	assert.Equal(t, "invalid_request_error: Incorrect API key provided", r.Content)
	assert.Error(t, r.Err)
	assert.Empty(t, sink.partials)
}

func TestMidStreamErrorKeepsContent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	o := NewOrchestrator(p)
	sink := newRecordingSink()

	h := o.Start(context.Background(), testRequest("1"), sink)
	s := p.nextStream(t)
	s <- chunk{delta: "abc"}
	s <- chunk{err: errors.New(`{"error":{"message":"The server is overloaded","type":"server_error"}}`)}

	r := wait(t, h)
	o.Wait()
	assert.Equal(t, store.StatusFailed, r.Status)
	assert.Equal(t, "abc\n\nserver_error: The server is overloaded", r.Content)
}

func TestPanicIsReportedAsFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	p.panicOnStart = true
	o := NewOrchestrator(p)

	r := wait(t, o.Start(context.Background(), testRequest("1"), newRecordingSink()))
	o.Wait()
	assert.Equal(t, store.StatusFailed, r.Status)
	assert.Contains(t, r.Content, "boom")
}

func TestCommandModeExtractsCodeBlock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newFakeProvider()
	p.scriptedDelta = []string{"Run this:\n```bash\n", "ls -la\n```\nand enjoy"}
	o := NewOrchestrator(p)
	req := testRequest("1")
	req.CommandMode = true

	r := wait(t, o.Start(context.Background(), req, newRecordingSink()))
	o.Wait()
	assert.Equal(t, "ls -la", r.Content)
}
