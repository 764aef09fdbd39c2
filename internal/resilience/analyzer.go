// Package resilience keeps the classifier pipeline serving turns while an
// LLM backend misbehaves. Every backend sits behind its own three-state
// circuit breaker, and [Analyzer] fails over from the primary to any
// registered fallback backends, so a dead endpoint costs one fast rejection
// instead of a full request timeout on every classifier in the turn.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dialtree/dialtree/internal/llm"
)

// Compile-time interface assertion.
var _ llm.Analyzer = (*Analyzer)(nil)

// ErrAllFailed reports that every configured backend either returned an
// error or had an open breaker.
var ErrAllFailed = errors.New("resilience: all llm backends failed")

// FallbackConfig holds the breaker settings stamped out for each backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// backend pairs an [llm.Analyzer] with the breaker guarding it.
type backend struct {
	name     string
	analyzer llm.Analyzer
	breaker  *CircuitBreaker
}

// Analyzer is a breaker-protected [llm.Analyzer]. Backends are tried in
// registration order; a backend whose breaker is open is skipped without a
// network round trip. Classifier callers already degrade to conservative
// defaults on error, so an exhausted chain costs one cautious turn rather
// than a stuck call.
type Analyzer struct {
	backends []backend
	cfg      FallbackConfig
}

// NewAnalyzer wraps primary as the first backend in the chain.
func NewAnalyzer(primary llm.Analyzer, name string, cfg FallbackConfig) *Analyzer {
	a := &Analyzer{cfg: cfg}
	a.add(name, primary)
	return a
}

// AddFallback registers a backend tried after the primary, for example a
// second OpenAI-compatible endpoint. Register fallbacks during startup,
// before the analyzer sees traffic.
func (a *Analyzer) AddFallback(name string, fallback llm.Analyzer) {
	a.add(name, fallback)
}

func (a *Analyzer) add(name string, an llm.Analyzer) {
	bc := a.cfg.CircuitBreaker
	bc.Name = name
	a.backends = append(a.backends, backend{
		name:     name,
		analyzer: an,
		breaker:  NewCircuitBreaker(bc),
	})
}

// Analyze implements [llm.Analyzer]. It returns the first backend success,
// or [ErrAllFailed] wrapping the last error once the chain is exhausted.
func (a *Analyzer) Analyze(ctx context.Context, req llm.Request, out any) error {
	var lastErr error
	for i := range a.backends {
		b := &a.backends[i]
		err := b.breaker.Execute(func() error {
			return b.analyzer.Analyze(ctx, req, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("llm backend skipped, breaker open", "backend", b.name)
		} else {
			slog.Warn("llm backend failed, trying next", "backend", b.name, "err", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
