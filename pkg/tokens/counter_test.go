package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTextGrowsWithPrefix(t *testing.T) {
	c, err := NewTiktokenCounter()
	require.NoError(t, err)

	words := strings.Fields("The quick brown fox jumps over the lazy dog and packs my box with five dozen liquor jugs")
	prev := 0
	for i := 1; i <= len(words); i++ {
		prefix := strings.Join(words[:i], " ")
		n, err := c.CountText("gpt-3.5-turbo", prefix)
		require.NoError(t, err)
		assert.Greater(t, n, prev, "prefix %q", prefix)
		prev = n
	}
}

func TestCountTextUnknownModelFallsBack(t *testing.T) {
	c, err := NewTiktokenCounter()
	require.NoError(t, err)

	known, err := c.CountText("gpt-4", "hello world")
	require.NoError(t, err)
	unknown, err := c.CountText("my-local-llama", "hello world")
	require.NoError(t, err)
	assert.Equal(t, known, unknown)
	assert.Greater(t, known, 0)
}

func TestCountMessagesAddsFraming(t *testing.T) {
	c, err := NewTiktokenCounter()
	require.NoError(t, err)

	text, err := c.CountText("gpt-4", "hello world")
	require.NoError(t, err)
	system, err := c.CountText("gpt-4", "system")
	require.NoError(t, err)
	user, err := c.CountText("gpt-4", "user")
	require.NoError(t, err)
	require.Positive(t, system)
	require.Positive(t, user)

	n, err := c.CountMessages("gpt-4", []Message{
		{Role: "system", Content: "hello world"},
		{Role: "user", Content: "hello world"},
	})
	require.NoError(t, err)
	assert.Equal(t, system+user+2*(text+TokensPerMessage)+TokensPerReply, n)

	empty, err := c.CountMessages("gpt-4", nil)
	require.NoError(t, err)
	assert.Equal(t, TokensPerReply, empty)
}

func TestCountTextIsCached(t *testing.T) {
	c, err := NewTiktokenCounter(WithCacheSize(2))
	require.NoError(t, err)

	long := strings.Repeat("token ", 100)
	first, err := c.CountText("gpt-4", long)
	require.NoError(t, err)
	second, err := c.CountText("gpt-4", long)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.cache.Len())

	for _, s := range []string{"a", "b", "c"} {
		_, err := c.CountText("gpt-4", s)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.cache.Len())
}
