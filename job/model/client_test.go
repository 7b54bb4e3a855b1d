package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	err := &Error{Kind: KindQuota, Model: "tier-1", Cause: errors.New("rate limited")}
	require.True(t, IsTransient(err))
	require.True(t, IsQuota(err))

	permanent := &Error{Kind: KindPermanent, Model: "tier-1", Cause: errors.New("bad request")}
	require.False(t, IsTransient(permanent))
	require.False(t, IsQuota(permanent))

	require.False(t, IsTransient(errors.New("plain error")))
}

func TestMockClientReturnsResponsesInOrderThenRepeatsLast(t *testing.T) {
	m := &MockClient{Responses: []Output{
		{Text: "one", InputTokens: 10, OutputTokens: 5},
		{Text: "two", InputTokens: 20, OutputTokens: 6},
	}}

	out1, err := m.Invoke(context.Background(), "tier-1", "p1", 100, 100)
	require.NoError(t, err)
	require.Equal(t, "one", out1.Text)

	out2, err := m.Invoke(context.Background(), "tier-1", "p2", 100, 100)
	require.NoError(t, err)
	require.Equal(t, "two", out2.Text)

	out3, err := m.Invoke(context.Background(), "tier-1", "p3", 100, 100)
	require.NoError(t, err)
	require.Equal(t, "two", out3.Text, "should repeat last response once exhausted")

	require.Equal(t, 3, m.CallCount())
}

func TestMockClientInjectsPerCallErrors(t *testing.T) {
	m := &MockClient{
		Responses: []Output{{Text: "ok"}, {}},
		Errs:      []error{nil, &Error{Kind: KindTransient, Cause: errors.New("timeout")}},
	}
	_, err := m.Invoke(context.Background(), "tier-1", "p1", 10, 10)
	require.NoError(t, err)

	_, err = m.Invoke(context.Background(), "tier-1", "p2", 10, 10)
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestMockClientRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &MockClient{}
	_, err := m.Invoke(ctx, "tier-1", "p", 1, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMockClientReset(t *testing.T) {
	m := &MockClient{Responses: []Output{{Text: "a"}, {Text: "b"}}}
	_, _ = m.Invoke(context.Background(), "tier-1", "p1", 1, 1)
	_, _ = m.Invoke(context.Background(), "tier-1", "p2", 1, 1)
	m.Reset()
	require.Equal(t, 0, m.CallCount())

	out, err := m.Invoke(context.Background(), "tier-1", "p3", 1, 1)
	require.NoError(t, err)
	require.Equal(t, "a", out.Text)
}
