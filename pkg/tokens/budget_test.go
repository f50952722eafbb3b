package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runeCounter counts one token per rune, which keeps the arithmetic in tests obvious.
type runeCounter struct {
	calls int
}

func (r *runeCounter) CountText(model string, text string) (int, error) {
	r.calls++
	return len([]rune(text)), nil
}

func (r *runeCounter) CountMessages(model string, messages []Message) (int, error) {
	return CountMessagesWith(r, model, messages)
}

func msgs(contents ...string) []Message {
	ret := []Message{}
	for _, c := range contents {
		ret = append(ret, Message{Role: "user", Content: c})
	}
	return ret
}

func TestMaxTokens(t *testing.T) {
	n, err := MaxTokens(0.01, 0.00001)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	_, err = MaxTokens(0.01, 0)
	assert.Error(t, err)
}

func TestFitUnderBudgetIsNoop(t *testing.T) {
	b := NewBudgeter(&runeCounter{}, WithExpectedGeneratedTokens(0))
	in := msgs("system", "hello")
	out, err := b.Fit("m", in, 1000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFitDropsOldestFirst(t *testing.T) {
	b := NewBudgeter(&runeCounter{}, WithExpectedGeneratedTokens(0))
	in := msgs(strings.Repeat("a", 50), strings.Repeat("b", 20), strings.Repeat("c", 10))

	// 2 reply + (4+20+4) + (4+10+4) = 48
	out, err := b.Fit("m", in, 48)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[1:], out)
	assert.Len(t, in, 3, "input must not be modified")
}

func TestFitTruncatesLastMessage(t *testing.T) {
	b := NewBudgeter(&runeCounter{}, WithExpectedGeneratedTokens(10))
	in := msgs(strings.Repeat("x", 500), strings.Repeat("y", 1000))

	out, err := b.Fit("m", in, 300)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, strings.HasSuffix(out[0].Content, TruncationMarker))
	assert.True(t, strings.HasPrefix(out[0].Content, "yyy"))

	n, err := b.counter.CountMessages("m", out)
	require.NoError(t, err)
	assert.LessOrEqual(t, n+10, 300)
}

func TestFitNeverReturnsEmpty(t *testing.T) {
	b := NewBudgeter(&runeCounter{})
	out, err := b.Fit("m", msgs("hello", "world"), 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "world", out[0].Content)

	out, err = b.Fit("m", []Message{}, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFitConvergesForManySizes(t *testing.T) {
	c := &runeCounter{}
	b := NewBudgeter(c, WithExpectedGeneratedTokens(150))
	for _, size := range []int{10, 100, 1000, 5000} {
		for _, maxTokens := range []int{200, 400, 1000} {
			out, err := b.Fit("m", msgs(strings.Repeat("a", size), strings.Repeat("b", size)), maxTokens)
			require.NoError(t, err)
			require.NotEmpty(t, out)
			n, err := c.CountMessages("m", out)
			require.NoError(t, err)
			assert.LessOrEqual(t, n+150, maxTokens, "size=%d max=%d", size, maxTokens)
		}
	}
}

func TestFitLeavesShortMessageUntruncated(t *testing.T) {
	b := NewBudgeter(&runeCounter{})
	// below the expected reply alone, nothing can fit
	out, err := b.Fit("m", msgs("ls -la"), 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ls -la", out[0].Content)
}

func TestFitKeepsPrefixUnderTinyBudget(t *testing.T) {
	b := NewBudgeter(&runeCounter{})
	in := msgs(strings.Repeat("z", 100))
	out, err := b.Fit("m", in, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "z"+TruncationMarker, out[0].Content)
	assert.Less(t, len([]rune(out[0].Content)), len([]rune(in[0].Content)))
	assert.Equal(t, strings.Repeat("z", 100), in[0].Content, "input must not be modified")
}
