package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agi-run/missionctl/model"
)

// HTTPInvoker calls an agent service over HTTP. The service exposes one
// endpoint per operation at POST {base}/v1/operations/{operation}; the body is
// the Invocation, the response body is the Result.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker creates an invoker for the given base URL. A nil client gets
// a default with a 60s transport-level timeout; per-node SLA timeouts come in
// through the context.
func NewHTTPInvoker(baseURL string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPInvoker{baseURL: baseURL, client: client}
}

// Invoke executes one invocation. Transport failures and 5xx responses are
// transient; 4xx responses are permanent. Retried attempts reuse the
// case+node+attempt idempotency key so the agent can deduplicate.
func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return Result{}, fmt.Errorf("marshal invocation: %w", err)
	}

	url := fmt.Sprintf("%s/v1/operations/%s", h.baseURL, inv.Operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(inv))
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, Transient(fmt.Errorf("invoke %s: %w", inv.Operation, ctx.Err()))
		}
		return Result{}, Transient(fmt.Errorf("invoke %s: %w", inv.Operation, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return Result{}, model.NewNodeExecutionError(
				fmt.Sprintf("agent returned malformed result: %v", err))
		}
		return result, nil
	case resp.StatusCode >= 500:
		return Result{}, Transient(model.NewNodeExecutionError(
			fmt.Sprintf("agent returned %d: %s", resp.StatusCode, truncate(payload, 512))))
	default:
		return Result{}, model.NewNodeExecutionError(
			fmt.Sprintf("agent rejected invocation with %d: %s", resp.StatusCode, truncate(payload, 512)))
	}
}

// idempotencyKey is stable across retries of the same attempt so agents can
// deduplicate replays, but differs between attempts.
func idempotencyKey(inv Invocation) string {
	return fmt.Sprintf("%s:%s:%d", inv.CaseID, inv.NodeID, inv.Attempt)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
