package model

import (
	"context"
	"sync"
)

// MockCall records a single Invoke call observed by MockClient.
type MockCall struct {
	ModelID         string
	Prompt          string
	MaxInputTokens  int
	MaxOutputTokens int
}

// MockClient is a deterministic, in-process Client for tests and the demo
// CLI. Each call to Invoke returns the next entry of Responses (repeating
// the last entry once exhausted), or Err if set.
type MockClient struct {
	// Responses are returned in order, one per Invoke call.
	Responses []Output
	// Errs, if non-nil, is consulted in parallel with Responses: a non-nil
	// entry at the current call index is returned instead of a response.
	// Once the calls outrun Errs, its last entry applies to every later call.
	Errs []error
	// Err, if set, is returned for every call regardless of Responses.
	Err error

	mu    sync.Mutex
	Calls []MockCall
	index int
}

// Invoke implements Client.
func (m *MockClient) Invoke(ctx context.Context, modelID, prompt string, maxInputTokens, maxOutputTokens int) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{
		ModelID:         modelID,
		Prompt:          prompt,
		MaxInputTokens:  maxInputTokens,
		MaxOutputTokens: maxOutputTokens,
	})

	if m.Err != nil {
		return Output{}, m.Err
	}

	idx := m.index
	if idx >= len(m.Errs) {
		idx = len(m.Errs) - 1
	}
	if idx >= 0 && m.Errs[idx] != nil {
		m.advanceLocked()
		return Output{}, m.Errs[idx]
	}

	if len(m.Responses) == 0 {
		m.advanceLocked()
		return Output{InputTokens: len(prompt) / 4, OutputTokens: 1}, nil
	}

	ridx := m.index
	if ridx >= len(m.Responses) {
		ridx = len(m.Responses) - 1
	}
	out := m.Responses[ridx]
	m.advanceLocked()
	return out, nil
}

func (m *MockClient) advanceLocked() {
	m.index++
}

// CallCount returns the number of Invoke calls observed so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears call history and rewinds the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.index = 0
}
