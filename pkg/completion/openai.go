package completion

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

type Variant string

const (
	// VariantOpenAI talks to api.openai.com with a bearer token.
	VariantOpenAI Variant = "openai"
	// VariantProxy is an OpenAI compatible endpoint at a custom base URL.
	VariantProxy Variant = "proxy"
	// VariantAzure is an Azure OpenAI deployment authenticated with the api-key header.
	VariantAzure Variant = "azure"
	// VariantAzureAD is an Azure OpenAI deployment authenticated with an AAD bearer token.
	VariantAzureAD Variant = "azure-ad"
	VariantOllama  Variant = "ollama"
)

type OpenAISettings struct {
	Variant         Variant
	APIKey          string
	BaseURL         string
	AzureAPIVersion string
	// AzureDeployment overrides the model to deployment name mapping when set.
	AzureDeployment string
}

func (s OpenAISettings) ClientConfig() (go_openai.ClientConfig, error) {
	switch s.Variant {
	case VariantOpenAI, "":
		if s.APIKey == "" {
			return go_openai.ClientConfig{}, errors.New("no OpenAI API key configured")
		}
		return go_openai.DefaultConfig(s.APIKey), nil

	case VariantProxy:
		if s.BaseURL == "" {
			return go_openai.ClientConfig{}, errors.New("proxy endpoint needs a base URL")
		}
		config := go_openai.DefaultConfig(s.APIKey)
		config.BaseURL = s.BaseURL
		return config, nil

	case VariantAzure, VariantAzureAD:
		if s.BaseURL == "" {
			return go_openai.ClientConfig{}, errors.New("azure endpoint needs a base URL")
		}
		if s.APIKey == "" {
			return go_openai.ClientConfig{}, errors.New("no Azure API key configured")
		}
		config := go_openai.DefaultAzureConfig(s.APIKey, s.BaseURL)
		if s.Variant == VariantAzureAD {
			config.APIType = go_openai.APITypeAzureAD
		}
		if s.AzureAPIVersion != "" {
			config.APIVersion = s.AzureAPIVersion
		}
		if s.AzureDeployment != "" {
			deployment := s.AzureDeployment
			config.AzureModelMapperFunc = func(model string) string {
				return deployment
			}
		}
		return config, nil
	}

	return go_openai.ClientConfig{}, errors.Errorf("unknown api variant %q", s.Variant)
}

// OpenAIProvider streams chat completions through go-openai.
type OpenAIProvider struct {
	client *go_openai.Client
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(s OpenAISettings) (*OpenAIProvider, error) {
	config, err := s.ClientConfig()
	if err != nil {
		return nil, err
	}
	return &OpenAIProvider{client: go_openai.NewClientWithConfig(config)}, nil
}

// NewOpenAIProviderFromClient wraps an already configured client.
func NewOpenAIProviderFromClient(client *go_openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

func (p *OpenAIProvider) ChatFormatted() bool {
	return true
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	log.Debug().Str("model", req.Model).Int("messages", len(msgs)).Msg("starting openai chat completion stream")

	stream, err := p.client.CreateChatCompletionStream(ctx, go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *go_openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	response, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return response.Choices[0].Delta.Content, nil
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
