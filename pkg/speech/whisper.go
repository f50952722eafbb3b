package speech

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

type STTRecorder interface {
	RecordSTT(ctx context.Context, model string, durationMs int64) error
}

// WhisperTranscriber turns recorded speech into text with the OpenAI
// transcription endpoint.
type WhisperTranscriber struct {
	client   *go_openai.Client
	language string
	usage    STTRecorder
}

func NewWhisperTranscriber(client *go_openai.Client, language string, usage STTRecorder) *WhisperTranscriber {
	return &WhisperTranscriber{client: client, language: language, usage: usage}
}

// Transcribe sends the audio read from r. name is the file name reported to
// the API, its extension tells the audio format.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, r io.Reader, name string) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, go_openai.AudioRequest{
		Model:    go_openai.Whisper1,
		FilePath: name,
		Reader:   r,
		Language: w.language,
		Format:   go_openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return "", errors.Wrap(err, "transcription")
	}

	durationMs := int64(resp.Duration * 1000)
	log.Debug().Int64("durationMs", durationMs).Int("chars", len(resp.Text)).Msg("transcribed audio")
	if w.usage != nil {
		if err := w.usage.RecordSTT(ctx, go_openai.Whisper1, durationMs); err != nil {
			log.Warn().Err(err).Msg("could not record stt usage")
		}
	}
	return resp.Text, nil
}
