package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/sashabaranov/go-openai"
)

const openAISystemPrompt = "You extract software intent from test evidence. Reply with one JSON object that matches the schema in the user message."

// OpenAIService calls an OpenAI-compatible chat completions endpoint in
// JSON mode.
type OpenAIService struct {
	client *openai.Client
	model  string
}

// OpenAIOptions configures NewOpenAIService.
type OpenAIOptions struct {
	BaseURL string
	Model   string
	// KeyEnv names the environment variable holding the API key.
	KeyEnv string
}

// NewOpenAIService creates the backend. The API key is read from
// opts.KeyEnv; an empty key is allowed for local compatible servers.
func NewOpenAIService(opts OpenAIOptions) *OpenAIService {
	key := ""
	if opts.KeyEnv != "" {
		key = os.Getenv(opts.KeyEnv)
	}
	cfg := openai.DefaultConfig(key)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIService{client: openai.NewClientWithConfig(cfg), model: model}
}

// Name implements Service.
func (s *OpenAIService) Name() string { return "openai" }

// Infer implements Service.
func (s *OpenAIService) Infer(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: openAISystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt + "\n\nJSON schema:\n" + string(req.Schema)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return nil, openAIFailure(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, Fail(FailureInvalidResponse, true, errors.New("no choices returned"))
	}
	raw, ok := ExtractJSON(resp.Choices[0].Message.Content)
	if !ok {
		return nil, Fail(FailureInvalidResponse, true, errors.New("reply is not JSON"))
	}
	return raw, nil
}

func openAIFailure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Fail(FailureTimeout, true, err)
	}
	if ctx.Err() != nil {
		return Fail(FailureInternal, false, err)
	}

	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	default:
		// Transport errors before any status: connection refused, resets.
		return Fail(FailureUnavailable, true, err)
	}

	switch {
	case code == http.StatusTooManyRequests:
		return Fail(FailureRateLimited, true, err)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Fail(FailureTimeout, true, err)
	case code >= 500:
		return Fail(FailureUnavailable, true, err)
	default:
		return Fail(FailureRejected, false, err)
	}
}
