// Package llm provides the typed language-model client used by the
// classifier suite and the DTMF chooser.
//
// The package exposes a single operation, [Analyzer.Analyze]: send a system
// and user message to a chat-completion backend, force a strict JSON-object
// response matching a caller-supplied schema, and decode the result into a
// Go struct. Free-form completions are deliberately not offered — every call
// must carry a schema, which keeps classifier outputs machine-checkable.
//
// Failures are surfaced as distinct error kinds so callers can decide
// whether to fall back to a conservative default:
//
//   - [ErrRequest]        network or API failure
//   - [ErrTimeout]        the per-call deadline elapsed
//   - [ErrInvalidJSON]    the model returned syntactically broken JSON
//   - [ErrSchemaMismatch] valid JSON that does not fit the requested schema
//
// Retries are never automatic; callers decide.
package llm

import (
	"context"
	"errors"
	"time"
)

// Errors returned by [Analyzer.Analyze]. Wrapped with call detail; test with
// [errors.Is].
var (
	ErrRequest        = errors.New("llm: request failed")
	ErrTimeout        = errors.New("llm: deadline exceeded")
	ErrInvalidJSON    = errors.New("llm: invalid JSON in response")
	ErrSchemaMismatch = errors.New("llm: response does not match schema")
)

const (
	// callTimeout is the hard per-call ceiling. Voice turns cannot afford to
	// wait longer; the caller's fallback path takes over on expiry.
	callTimeout = 15 * time.Second

	// maxClassifierTemperature caps the sampling temperature on every
	// Analyze call. Classifier verdicts must be near-deterministic.
	maxClassifierTemperature = 0.3
)

// Request describes one structured analysis call.
type Request struct {
	// System is the instruction message framing the task.
	System string

	// User is the content to analyse (usually a transcript fragment plus
	// serialized context).
	User string

	// Schema is the strict JSON schema the response must satisfy.
	// A request with a zero-value schema is rejected.
	Schema ResponseSchema

	// Model overrides the client's default model when non-empty.
	Model string

	// MaxTokens caps the completion length. Zero means the client default.
	MaxTokens int

	// Temperature is clamped to [0, maxClassifierTemperature].
	Temperature float64
}

// Analyzer is the abstraction over the chat-completion backend.
// Implementations must be safe for concurrent use and must respect context
// cancellation promptly.
type Analyzer interface {
	// Analyze sends req and decodes the JSON response into out, which must
	// be a non-nil pointer to a struct matching req.Schema.
	Analyze(ctx context.Context, req Request, out any) error
}

// withCallDeadline derives the per-call context. The caller's context may
// already carry a tighter turn deadline; the shorter one wins.
func withCallDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}
