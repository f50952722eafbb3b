package speech

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTTRecorder struct {
	model      string
	durationMs int64
}

func (f *fakeSTTRecorder) RecordSTT(ctx context.Context, model string, durationMs int64) error {
	f.model = model
	f.durationMs = durationMs
	return nil
}

func TestWhisperTranscriberRecordsDuration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "de", r.FormValue("language"))
		f, _, err := r.FormFile("file")
		if assert.NoError(t, err) {
			b, _ := io.ReadAll(f)
			assert.Equal(t, "RIFF....", string(b))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"task":"transcribe","language":"german","duration":2.5,"text":"Hallo Welt"}`)
	}))
	defer server.Close()

	cfg := go_openai.DefaultConfig("sk-test")
	cfg.BaseURL = server.URL + "/v1"
	usage := &fakeSTTRecorder{}
	w := NewWhisperTranscriber(go_openai.NewClientWithConfig(cfg), "de", usage)

	text, err := w.Transcribe(context.Background(), strings.NewReader("RIFF...."), "audio.wav")
	require.NoError(t, err)
	assert.Equal(t, "Hallo Welt", text)
	assert.Equal(t, "whisper-1", usage.model)
	assert.Equal(t, int64(2500), usage.durationMs)
}
