package cmds

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinterPrintsDeltasOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	ctx := context.Background()
	meta := events.EventMetadata{RequestID: uuid.New(), MessageID: 3}

	require.NoError(t, p.HandleStart(ctx, events.NewStartEvent(meta)))
	require.NoError(t, p.HandlePartial(ctx, events.NewPartialEvent(meta, "Hello ", "Hello ")))
	require.NoError(t, p.HandlePartial(ctx, events.NewPartialEvent(meta, "world", "Hello world")))
	require.NoError(t, p.HandleFinal(ctx, events.NewFinalEvent(meta, "Hello world")))

	assert.Equal(t, "Hello world\n", buf.String())
}

func TestPrinterAppendsInterruptSuffix(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	ctx := context.Background()
	meta := events.EventMetadata{RequestID: uuid.New()}

	require.NoError(t, p.HandlePartial(ctx, events.NewPartialEvent(meta, "Hel", "Hel")))
	require.NoError(t, p.HandleInterrupt(ctx, events.NewInterruptEvent(meta, "Hel\n\n(stopped)")))

	assert.Equal(t, "Hel\n\n(stopped)\n", buf.String())
}

func TestPrinterShowsRewrittenContent(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	ctx := context.Background()
	meta := events.EventMetadata{RequestID: uuid.New()}

	streamed := "Run this:\n```\nls -la\n```"
	require.NoError(t, p.HandlePartial(ctx, events.NewPartialEvent(meta, streamed, streamed)))
	require.NoError(t, p.HandleFinal(ctx, events.NewFinalEvent(meta, "ls -la")))

	assert.Equal(t, streamed+"\n---\nls -la\n", buf.String())
}

func TestParseID(t *testing.T) {
	id, err := parseID("#42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID("abc")
	assert.Error(t, err)
}

func TestParseSwitch(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "OFF": false, "true": true, "0": false} {
		got, err := parseSwitch(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSwitch("maybe")
	assert.Error(t, err)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****cdef", maskSecret("api_key", "sk-abcdef"))
	assert.Equal(t, "****", maskSecret("tts_key", "abc"))
	assert.Equal(t, "gpt-4", maskSecret("model", "gpt-4"))
	assert.Equal(t, "", maskSecret("api_key", ""))
}

func TestPrintStateMarksBranches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := conversation.NewManager(s, nil)

	_, err := m.AppendMessage(ctx, nil, store.NewMessage{Role: store.RoleUser, Content: "first"})
	require.NoError(t, err)

	var buf bytes.Buffer
	printState(&buf, m.State(), false)
	assert.Contains(t, buf.String(), "first")
	assert.NotContains(t, buf.String(), "helpful assistant")

	buf.Reset()
	printState(&buf, m.State(), true)
	assert.Contains(t, buf.String(), "helpful assistant")

	// editing the system prompt does not request a reply
	h, err := m.EditMessage(ctx, 1, "You are a pirate.")
	require.NoError(t, err)
	assert.Nil(t, h)

	buf.Reset()
	printState(&buf, m.State(), false)
	out := buf.String()
	assert.Contains(t, out, "system [2/2]")
	assert.Contains(t, out, "You are a pirate.")
	assert.NotContains(t, out, "first")

	st := m.State()
	depth, err := depthOf(st, st.Leaf().ID)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	_, err = depthOf(st, 9999)
	assert.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "one ...", firstLine("one\ntwo", 60))
	assert.Equal(t, "abc...", firstLine("abcdef", 3))
	assert.Equal(t, "plain", firstLine("  plain  ", 60))
}
