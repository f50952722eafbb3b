package completion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// DecodeError turns a provider error into the text shown in a failed message.
// Structured API errors render as "type: message".
func DecodeError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return formatTypedMessage(apiErr.Type, apiErr.Message)
	}

	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Err != nil {
			return DecodeErrorBody(reqErr.Err.Error())
		}
		return fmt.Sprintf("request failed with status code %d", reqErr.HTTPStatusCode)
	}

	return DecodeErrorBody(err.Error())
}

type errorBody struct {
	Error json.RawMessage `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// DecodeErrorBody decodes `{"error": {"message": ..., "type": ...}}` and `{"error": "..."}`
// bodies. Anything else is returned verbatim.
func DecodeErrorBody(body string) string {
	trimmed := strings.TrimSpace(body)

	var b errorBody
	if err := json.Unmarshal([]byte(trimmed), &b); err != nil || len(b.Error) == 0 {
		return trimmed
	}

	var detail errorDetail
	if err := json.Unmarshal(b.Error, &detail); err == nil && detail.Message != "" {
		return formatTypedMessage(detail.Type, detail.Message)
	}

	var s string
	if err := json.Unmarshal(b.Error, &s); err == nil && s != "" {
		return s
	}

	return trimmed
}

func formatTypedMessage(typ string, message string) string {
	if typ == "" {
		return message
	}
	return typ + ": " + message
}
