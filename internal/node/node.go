// Package node implements the agent service registry: where agent services
// register their endpoints, and where the scheduler dispatches node work. Each
// service sits behind a circuit breaker so a failing agent sheds load instead
// of eating retries.
package node

import (
	"context"
	"errors"
)

// Invocation is one unit of work dispatched to an agent service.
type Invocation struct {
	CaseID    string         `json:"case_id"`
	NodeID    string         `json:"node_id"`
	Operation string         `json:"operation"`
	Attempt   int            `json:"attempt"`
	Input     map[string]any `json:"input,omitempty"`
}

// Result is what an agent service returns for a completed invocation.
type Result struct {
	Output   map[string]any `json:"output,omitempty"`
	CostUSD  float64        `json:"cost_usd,omitempty"`
	Evidence []Citation     `json:"evidence,omitempty"`
}

// Citation is a source reference with a trust score attached by the agent.
type Citation struct {
	SourceRef string  `json:"source_ref"`
	Trust     float64 `json:"trust"`
}

// Invoker executes invocations against one agent service.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// transientError marks a failure worth retrying (timeouts, 5xx, open breaker
// is NOT transient from the caller's view — see Registry.Invoke).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error to mark it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an invocation error is worth retrying.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
