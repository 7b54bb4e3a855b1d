// Package openai adapts OpenAI's Chat Completions API to model.Client.
package openai

import (
	"context"
	"errors"
	"net/http"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hatmanstack/plot-palette/job/model"
)

// Client implements model.Client against OpenAI's Chat Completions API.
type Client struct {
	apiKey string
}

// New returns a Client authenticated with apiKey.
func New(apiKey string) *Client {
	return &Client{apiKey: apiKey}
}

// Invoke implements model.Client.
func (c *Client) Invoke(ctx context.Context, modelID, prompt string, _ int, maxOutputTokens int) (model.Output, error) {
	if c.apiKey == "" {
		return model.Output{}, &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: errors.New("openai: API key is required")}
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(modelID),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
	}
	if maxOutputTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(maxOutputTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Output{}, classify(modelID, err)
	}
	if len(resp.Choices) == 0 {
		return model.Output{}, &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: errors.New("openai: empty choices")}
	}

	return model.Output{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func classify(modelID string, err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return &model.Error{Kind: model.KindQuota, Model: modelID, Cause: err}
		case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &model.Error{Kind: model.KindTransient, Model: modelID, Cause: err}
		default:
			return &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.Error{Kind: model.KindTransient, Model: modelID, Cause: err}
	}
	return &model.Error{Kind: model.KindTransient, Model: modelID, Cause: err}
}
