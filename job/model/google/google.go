// Package google adapts Google's Gemini API (generative-ai-go) to model.Client.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/hatmanstack/plot-palette/job/model"
)

// Client implements model.Client against the Gemini GenerateContent API.
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
		return model.Output{}, &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: errors.New("google: API key is required")}
	}

	genClient, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.Output{}, classify(modelID, err)
	}
	defer genClient.Close()

	gm := genClient.GenerativeModel(modelID)
	if maxOutputTokens > 0 {
		gm.SetMaxOutputTokens(int32(maxOutputTokens))
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return model.Output{}, classify(modelID, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.Output{}, &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: errors.New("google: no candidates returned")}
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}

	out := model.Output{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func classify(modelID string, err error) error {
	var apiErr *genai.BlockedError
	if errors.As(err, &apiErr) {
		return &model.Error{Kind: model.KindPermanent, Model: modelID, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.Error{Kind: model.KindTransient, Model: modelID, Cause: err}
	}
	msg := fmt.Sprintf("%v", err)
	if containsAny(msg, "429", "RESOURCE_EXHAUSTED", "rate limit") {
		return &model.Error{Kind: model.KindQuota, Model: modelID, Cause: err}
	}
	if containsAny(msg, "500", "502", "503", "504", "deadline", "timeout") {
		return &model.Error{Kind: model.KindTransient, Model: modelID, Cause: err}
	}
	return &model.Error{Kind: model.KindTransient, Model: modelID, Cause: err}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
