// Package mock provides an in-memory mock implementation of [llm.Analyzer]
// for use in unit tests.
//
// The mock records every Analyze call and lets the test script responses per
// schema name via exported fields. It is safe for concurrent use.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dialtree/dialtree/internal/llm"
)

// Compile-time interface assertion.
var _ llm.Analyzer = (*Analyzer)(nil)

// AnalyzeCall records the arguments of a single [Analyzer.Analyze] call.
type AnalyzeCall struct {
	// Schema is the name of the requested response schema.
	Schema string
	// System is the system message of the request.
	System string
	// User is the user message of the request.
	User string
}

// Analyzer is a mock implementation of [llm.Analyzer].
//
// Responses are keyed by schema name: each value must be a struct (or a JSON
// string) that is marshalled and decoded into the caller's output target.
// Schemas with no scripted response yield Err, or a zero-value decode when
// Err is nil and Strict is false.
type Analyzer struct {
	mu sync.Mutex

	// Responses maps schema name → scripted response value.
	Responses map[string]any

	// Err, when non-nil, is returned by every Analyze call.
	Err error

	// Strict makes Analyze fail on schemas without a scripted response.
	Strict bool

	// Calls accumulates one record per Analyze invocation.
	Calls []AnalyzeCall
}

// Respond scripts a response for the given schema name.
func (a *Analyzer) Respond(schema string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Responses == nil {
		a.Responses = make(map[string]any)
	}
	a.Responses[schema] = value
}

// Analyze implements [llm.Analyzer].
func (a *Analyzer) Analyze(_ context.Context, req llm.Request, out any) error {
	a.mu.Lock()
	a.Calls = append(a.Calls, AnalyzeCall{
		Schema: req.Schema.Name,
		System: req.System,
		User:   req.User,
	})
	err := a.Err
	value, scripted := a.Responses[req.Schema.Name]
	strict := a.Strict
	a.mu.Unlock()

	if err != nil {
		return err
	}
	if !scripted {
		if strict {
			return fmt.Errorf("mock: no response scripted for schema %q", req.Schema.Name)
		}
		return nil
	}

	raw, merr := json.Marshal(value)
	if merr != nil {
		return fmt.Errorf("mock: marshal scripted response: %w", merr)
	}
	if uerr := json.Unmarshal(raw, out); uerr != nil {
		return fmt.Errorf("mock: decode scripted response into target: %w", uerr)
	}
	return nil
}

// CallsFor returns the recorded calls whose schema name matches.
func (a *Analyzer) CallsFor(schema string) []AnalyzeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AnalyzeCall
	for _, c := range a.Calls {
		if c.Schema == schema {
			out = append(out, c)
		}
	}
	return out
}
