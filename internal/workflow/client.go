// Package workflow calls the external workflow executor that performs the
// automation behind a classified message. The executor is opaque: it takes a
// workflow name plus parameters and answers with a success flag and a
// user-facing message.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/circuitbreaker"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/traces"
)

// ErrExecutionFailed wraps every executor failure. The wrapped cause is for
// logs only and must never reach an end user.
var ErrExecutionFailed = errors.New("workflow: execution failed")

const maxResponseBytes = 256 << 10

// Request is one executor call.
type Request struct {
	Workflow   string         `json:"workflow"`
	Parameters map[string]any `json:"parameters"`
	ProfileID  string         `json:"profileId"`
	ChatID     string         `json:"chatId"`
}

// Response is the executor's answer.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client calls POST {base}/webhook/{workflow}.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates an executor client.
func NewClient(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second, logging.OrDefault(logger))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Execute runs req.Workflow. A non-2xx status, success=false, an undecodable
// body, a timeout, or an open circuit all return ErrExecutionFailed.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, span := traces.StartSpan(ctx, "workflow.execute",
		traces.Workflow(req.Workflow), traces.ProfileID(req.ProfileID))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var out *Response
	err := c.breaker.Execute(ctx, "workflow:"+req.Workflow, func(ctx context.Context) error {
		var err error
		out, err = c.call(ctx, req)
		return err
	})
	if err != nil {
		metrics.WorkflowExecutionsTotal.WithLabelValues(req.Workflow, "failure").Inc()
		traces.Fail(span, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrExecutionFailed, req.Workflow, err)
	}

	metrics.WorkflowExecutionsTotal.WithLabelValues(req.Workflow, "success").Inc()
	return out, nil
}

func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/webhook/" + url.PathEscape(req.Workflow)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	traces.Inject(ctx, httpReq.Header)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !out.Success {
		return nil, errors.New("executor reported failure")
	}
	if strings.TrimSpace(out.Message) == "" {
		return nil, errors.New("executor returned empty message")
	}
	return &out, nil
}
