package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// wireRequest is the transport-independent call shape: the resolved
// with-map plus context hints for the tool's own logging.
type wireRequest struct {
	Args         map[string]any `json:"args"`
	ContextHints struct {
		TaskID  string `json:"task_id"`
		RunID   string `json:"run_id"`
		Attempt int    `json:"attempt"`
	} `json:"context_hints"`
}

// HTTPInvoker posts wire requests to http(s) tool endpoints. Endpoints that
// keep failing trip a per-endpoint circuit breaker, shedding calls fast
// instead of tying up workers on a dead dependency.
type HTTPInvoker struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPInvoker builds the invoker with a shared transport. Per-call
// deadlines come from the step context, not the client.
func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{
		client:   &http.Client{},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *HTTPInvoker) breaker(endpoint string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[endpoint]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    endpoint,
			Timeout: 30 * time.Second,
		})
		h.breakers[endpoint] = cb
	}
	return cb
}

// Invoke posts the call and interprets the response: 2xx with a JSON body
// is the output document, anything else is decoded as a structured error.
func (h *HTTPInvoker) Invoke(ctx context.Context, spec *Spec, inv Invocation) (map[string]any, error) {
	req := wireRequest{Args: inv.Args}
	req.ContextHints.TaskID = inv.TaskID
	req.ContextHints.RunID = inv.RunID
	req.ContextHints.Attempt = inv.Attempt

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: "transport", Message: fmt.Sprintf("encode request: %v", err)}
	}

	out, err := h.breaker(spec.Endpoint).Execute(func() (any, error) {
		return h.post(ctx, spec.Endpoint, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &Error{Kind: "unavailable", Message: fmt.Sprintf("endpoint %s: %v", spec.Endpoint, err), Retryable: true}
		}
		return nil, err
	}
	return out.(map[string]any), nil
}

func (h *HTTPInvoker) post(ctx context.Context, endpoint string, body []byte) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: "transport", Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: "transport", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Kind: "transport", Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var toolErr Error
		if json.Unmarshal(data, &toolErr) == nil && toolErr.Message != "" {
			if toolErr.Kind == "" {
				toolErr.Kind = "tool"
			}
			return nil, &toolErr
		}
		return nil, &Error{
			Kind:      "tool",
			Message:   fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
			Retryable: resp.StatusCode >= 500,
		}
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Kind: "tool", Message: fmt.Sprintf("response is not a JSON document: %v", err)}
	}
	return out, nil
}
