package speech

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	AzureOutputFormat = "audio-48khz-96kbitrate-mono-mp3"
	azureEndpoint     = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
)

type TTSRecorder interface {
	RecordTTS(ctx context.Context, region string, characters int) error
}

type AzureSettings struct {
	Region   string
	Key      string
	Voice    string
	Language string
}

// AzureSynthesizer synthesizes speech with the Azure text to speech REST API.
// Audio is cached by SSML, so repeated lines are only paid for once.
type AzureSynthesizer struct {
	settings AzureSettings
	client   *http.Client
	endpoint string
	cache    store.AudioCacheStore
	usage    TTSRecorder
}

var _ Synthesizer = (*AzureSynthesizer)(nil)

type AzureOption func(*AzureSynthesizer)

func WithHTTPClient(client *http.Client) AzureOption {
	return func(a *AzureSynthesizer) {
		a.client = client
	}
}

// WithEndpoint replaces the regional endpoint URL.
func WithEndpoint(endpoint string) AzureOption {
	return func(a *AzureSynthesizer) {
		a.endpoint = endpoint
	}
}

func WithAudioCache(cache store.AudioCacheStore) AzureOption {
	return func(a *AzureSynthesizer) {
		a.cache = cache
	}
}

func WithTTSRecorder(usage TTSRecorder) AzureOption {
	return func(a *AzureSynthesizer) {
		a.usage = usage
	}
}

func NewAzureSynthesizer(settings AzureSettings, options ...AzureOption) (*AzureSynthesizer, error) {
	if settings.Region == "" || settings.Key == "" {
		return nil, errors.New("azure tts needs a region and a key")
	}
	ret := &AzureSynthesizer{
		settings: settings,
		client:   &http.Client{Timeout: 60 * time.Second},
		endpoint: fmt.Sprintf(azureEndpoint, settings.Region),
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func escapeXML(s string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(s))
	return escaped.String()
}

// SSML wraps text into a speak document for the configured voice.
func (a *AzureSynthesizer) SSML(text string) string {
	lang := a.settings.Language
	if lang == "" {
		lang = "en-US"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s">`, escapeXML(lang))
	fmt.Fprintf(&sb, `<voice name="%s">%s</voice>`, escapeXML(a.settings.Voice), escapeXML(text))
	sb.WriteString(`</speak>`)
	return sb.String()
}

func (a *AzureSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return a.SynthesizeSSML(ctx, nil, a.SSML(text), utf8.RuneCountInString(text))
}

// SynthesizeSSML returns the audio for ssml, from the cache when possible.
// A non-nil messageID ties the cached audio to that message. characters is
// the billed length recorded on a cache miss.
func (a *AzureSynthesizer) SynthesizeSSML(ctx context.Context, messageID *int64, ssml string, characters int) ([]byte, error) {
	if a.cache != nil {
		audio, ok, err := a.cache.GetAudio(ctx, ssml)
		if err != nil {
			log.Warn().Err(err).Msg("could not read tts cache")
		} else if ok {
			log.Trace().Int("bytes", len(audio)).Msg("tts cache hit")
			return audio, nil
		}
	}

	audio, err := a.request(ctx, ssml)
	if err != nil {
		return nil, err
	}

	if a.usage != nil {
		if err := a.usage.RecordTTS(ctx, a.settings.Region, characters); err != nil {
			log.Warn().Err(err).Msg("could not record tts usage")
		}
	}
	if a.cache != nil {
		if err := a.cache.PutAudio(ctx, messageID, ssml, audio); err != nil {
			log.Warn().Err(err).Msg("could not write tts cache")
		}
	}
	return audio, nil
}

func (a *AzureSynthesizer) request(ctx context.Context, ssml string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, errors.Wrap(err, "build tts request")
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.settings.Key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", AzureOutputFormat)
	req.Header.Set("User-Agent", "branchchat")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tts request")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read tts response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tts request failed with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
