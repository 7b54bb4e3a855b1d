// Package anthropic adapts Anthropic's Claude API to model.Client.
package anthropic

import (
	"context"
	"errors"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hatmanstack/plot-palette/job/model"
)

// Client implements model.Client against Anthropic's Messages API.
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
		return model.Output{}, &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: errors.New("anthropic: API key is required")}
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 4096
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	resp, err := client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelID),
		MaxTokens: int64(maxOutputTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return model.Output{}, classify(modelID, err)
	}

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if text != "" {
				text += "\n"
			}
			text += tb.Text
		}
	}

	return model.Output{
		Text:         text,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// classify maps Anthropic SDK errors onto the three-way provider-error
// taxonomy every Model Client implementation must honor.
func classify(modelID string, err error) error {
	var apiErr *anthropicsdk.Error
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
