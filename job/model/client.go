// Package model provides the abstract Model Client contract and its
// concrete provider adapters.
package model

import (
	"context"
	"errors"
)

// Kind classifies a Client error so the worker runtime can react without
// string-matching provider-specific messages.
type Kind int

const (
	// KindPermanent marks an error that will never succeed on retry:
	// malformed request, auth failure, content policy rejection.
	KindPermanent Kind = iota
	// KindTransient marks a retryable error: network timeout, 5xx,
	// context deadline.
	KindTransient
	// KindQuota marks a rate-limit or quota error: retryable, but callers
	// should back off longer than for KindTransient.
	KindQuota
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Error wraps a provider-specific failure with its classification.
type Error struct {
	Kind  Kind
	Model string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String() + " model error"
	}
	return e.Kind.String() + " model error (" + e.Model + "): " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// IsTransient reports whether err (or a wrapped *Error) should be retried
// with the standard backoff, including quota errors.
func IsTransient(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == KindTransient || me.Kind == KindQuota
	}
	return false
}

// IsQuota reports whether err is a quota/rate-limit error specifically, so
// callers can apply a longer backoff than for ordinary transient failures.
func IsQuota(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == KindQuota
	}
	return false
}

// Output is the result of a single model invocation.
type Output struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the abstract Model Client: a single invoke
// operation, fixed token accounting semantics, and a three-way error
// classification. Implementations (anthropic, openai, google, mock) must
// not change these semantics — batching providers must still report
// accurate per-invocation token counts.
type Client interface {
	// Invoke sends prompt to modelID and returns its text output plus the
	// token counts actually consumed, or a classified *Error.
	Invoke(ctx context.Context, modelID, prompt string, maxInputTokens, maxOutputTokens int) (Output, error)
}
