package speech

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPlayerPipesAudio(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewCommandPlayer("cat")
	require.NoError(t, err)
	assert.NoError(t, p.Play(context.Background(), []byte("audio")))

	_, err = NewCommandPlayer("  ")
	assert.Error(t, err)
}

func TestCommandPlayerIsCanceled(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p, err := NewCommandPlayer("sleep 10")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = p.Play(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPico2WaveReportsMissingBinary(t *testing.T) {
	p := NewPico2WaveSynthesizer("branchchat-no-such-pico2wave", "")
	_, err := p.Synthesize(context.Background(), "hello")
	assert.Error(t, err)
}
