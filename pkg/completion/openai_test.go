package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseChunk(t *testing.T, content string) string {
	b, err := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-4",
		"choices": []map[string]interface{}{
			{"index": 0, "delta": map[string]string{"content": content}},
		},
	})
	require.NoError(t, err)
	return fmt.Sprintf("data: %s\n\n", b)
}

func TestOpenAIProviderStreamsDeltas(t *testing.T) {
	var got go_openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunk(t, "Hel"))
		_, _ = io.WriteString(w, sseChunk(t, "lo"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAISettings{Variant: VariantProxy, APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)
	assert.True(t, p.ChatFormatted())

	stream, err := p.Stream(context.Background(), Request{
		Model:    "gpt-4",
		Messages: []tokens.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer func() {
		_ = stream.Close()
	}()

	content := ""
	for {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		content += d
	}
	assert.Equal(t, "Hello", content)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestOpenAIProviderDecodesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAISettings{Variant: VariantProxy, APIKey: "bad", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = p.Stream(context.Background(), Request{Model: "gpt-4"})
	require.Error(t, err)
	assert.Equal(t, "invalid_request_error: Incorrect API key provided", DecodeError(err))
}

func TestClientConfigVariants(t *testing.T) {
	_, err := OpenAISettings{Variant: VariantOpenAI}.ClientConfig()
	assert.Error(t, err)

	c, err := OpenAISettings{Variant: VariantOpenAI, APIKey: "sk"}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, go_openai.APITypeOpenAI, c.APIType)

	_, err = OpenAISettings{Variant: VariantProxy, APIKey: "sk"}.ClientConfig()
	assert.Error(t, err)

	c, err = OpenAISettings{Variant: VariantAzure, APIKey: "k", BaseURL: "https://example.openai.azure.com", AzureDeployment: "chat"}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, go_openai.APITypeAzure, c.APIType)
	assert.Equal(t, "chat", c.AzureModelMapperFunc("gpt-4"))

	c, err = OpenAISettings{Variant: VariantAzureAD, APIKey: "k", BaseURL: "https://example.openai.azure.com", AzureAPIVersion: "2023-07-01-preview"}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, go_openai.APITypeAzureAD, c.APIType)
	assert.Equal(t, "2023-07-01-preview", c.APIVersion)

	_, err = OpenAISettings{Variant: "nope"}.ClientConfig()
	assert.Error(t, err)
}
