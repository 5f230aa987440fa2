package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/admin"
	"github.com/mbd888/chatgate/internal/auth"
	"github.com/mbd888/chatgate/internal/retry"
	"github.com/mbd888/chatgate/internal/usage"
)

const maxResponseBytes = 4 << 20

// Config points the client at a running chatgate server.
type Config struct {
	APIURL      string // e.g. "http://localhost:8080"
	AdminSecret string
}

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// Client calls the chatgate admin API. Reads and PUTs are retried on
// network errors and 5xx answers; POSTs are sent once.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	retry   retry.Policy
}

func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		secret:  cfg.AdminSecret,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond},
	}
}

// GetProfile returns a profile and its evaluated access state.
func (c *Client) GetProfile(ctx context.Context, profileID string) (*admin.ProfileView, error) {
	var v admin.ProfileView
	if err := c.do(ctx, http.MethodGet, profilePath(profileID), nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListUsage returns one page of usage records for a profile, newest first.
// cursor is the NextCursor of the previous page or "".
func (c *Client) ListUsage(ctx context.Context, profileID, cursor string, limit int) (*usage.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out usage.Page
	if err := c.do(ctx, http.MethodGet, profilePath(profileID)+"/usage", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartTrial begins the profile's one-time trial.
func (c *Client) StartTrial(ctx context.Context, profileID string) (*admin.ProfileView, error) {
	var v admin.ProfileView
	if err := c.do(ctx, http.MethodPost, profilePath(profileID)+"/trial", nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// BindChat links chatID to the profile.
func (c *Client) BindChat(ctx context.Context, profileID, chatID string) (*admin.ProfileView, error) {
	var v admin.ProfileView
	body := admin.BindChatRequest{ChatID: chatID}
	if err := c.do(ctx, http.MethodPut, profilePath(profileID)+"/chat", nil, body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func profilePath(id string) string {
	return "/v1/admin/profiles/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	policy := c.retry
	if method == http.MethodPost {
		policy.Attempts = 1
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set(auth.AdminSecretHeader, c.secret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
			var e struct {
				Code    string `json:"error"`
				Message string `json:"message"`
			}
			if json.Unmarshal(raw, &e) == nil && e.Message != "" {
				apiErr.Code, apiErr.Message = e.Code, e.Message
			}
			if resp.StatusCode < 500 {
				return retry.Permanent(apiErr)
			}
			return apiErr
		}

		if err := json.Unmarshal(raw, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

// IsConflict reports whether err is a 409 from the admin API, optionally
// with one of the given error codes.
func IsConflict(err error, codes ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}
