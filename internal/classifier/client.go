package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/circuitbreaker"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/traces"
)

const breakerKey = "classifier"

// maxResponseBytes bounds what is read back from the completion service.
const maxResponseBytes = 1 << 20

// Config configures a Client.
type Config struct {
	URL       string // full chat-completions endpoint
	APIKey    string
	Model     string
	Timeout   time.Duration
	Workflows []Workflow
}

// Client classifies messages with an OpenAI-compatible chat-completions API.
type Client struct {
	url         string
	apiKey      string
	model       string
	timeout     time.Duration
	catalog     Catalog
	instruction string
	http        *http.Client
	breaker     *circuitbreaker.Breaker
}

// NewClient creates a classifier client. breaker may be shared with other
// outbound clients; this client uses its own key.
func NewClient(cfg Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	workflows := cfg.Workflows
	if len(workflows) == 0 {
		workflows = DefaultWorkflows
	}
	catalog := NewCatalog(workflows)
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second, logging.OrDefault(logger))
	}
	return &Client{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		catalog:     catalog,
		instruction: SystemInstruction(catalog),
		http:        &http.Client{Timeout: cfg.Timeout},
		breaker:     breaker,
	}
}

// Catalog returns the workflows this client routes to.
func (c *Client) Catalog() Catalog {
	return c.catalog
}

type completionRequest struct {
	Model          string              `json:"model"`
	Messages       []completionMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *responseFormat     `json:"response_format,omitempty"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

// Classify returns the validated Decision for text. Any failure, including a
// timeout or an answer that does not fit the Decision contract, is returned
// as an error; callers fall back to Fallback().
func (c *Client) Classify(ctx context.Context, text string) (Decision, error) {
	ctx, span := traces.StartSpan(ctx, "classifier.classify")
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var content string
	err := c.breaker.Execute(ctx, breakerKey, func(ctx context.Context) error {
		var err error
		content, err = c.complete(ctx, text)
		return err
	})
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.Fail(span, err)
		return Decision{}, err
	}

	d, err := Parse(content, c.catalog)
	if err != nil {
		traces.Fail(span, err)
		return Decision{}, err
	}
	span.SetAttributes(traces.Action(string(d.Action)))
	return d, nil
}

func (c *Client) complete(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []completionMessage{
			{Role: "system", Content: c.instruction},
			{Role: "user", Content: text},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion service returned status %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: completion envelope: %v", ErrMalformedOutput, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedOutput)
	}
	return out.Choices[0].Message.Content, nil
}

// Parse decodes and validates model output. Surrounding markdown code fences
// are tolerated; anything else that is not a single valid Decision is not.
func Parse(content string, catalog Catalog) (Decision, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var d Decision
	dec := json.NewDecoder(strings.NewReader(content))
	if err := dec.Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if dec.More() {
		return Decision{}, fmt.Errorf("%w: trailing data", ErrMalformedOutput)
	}
	if err := d.Validate(catalog); err != nil {
		return Decision{}, err
	}
	return d, nil
}
