package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/admin"
	"github.com/mbd888/chatgate/internal/entitlement"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/retry"
	"github.com/mbd888/chatgate/internal/usage"
)

// --- Test helpers ---

func newTestClient(url, secret string) *Client {
	c := NewClient(Config{APIURL: url, AdminSecret: secret})
	c.retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return c
}

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	return NewHandlers(newTestClient(ts.URL, "admin_test")), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsAdminSecret(t *testing.T) {
	var gotSecret, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Admin-Secret")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"profile":{"id":"prf_1","tier":"free"},"access":{"state":"no_access"}}`))
	}))
	defer ts.Close()

	client := newTestClient(ts.URL+"/", "s3cret")
	v, err := client.GetProfile(context.Background(), "prf_1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "/v1/admin/profiles/prf_1", gotPath)
	assert.Equal(t, entitlement.StateNoAccess, v.Access.State)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "Profile not found",
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, "")
	_, err := client.GetProfile(context.Background(), "prf_x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Profile not found")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := newTestClient(ts.URL, "")
	_, err := client.ListUsage(context.Background(), "prf_1", "", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
	assert.Equal(t, int32(3), calls.Load(), "reads are retried on 5xx")
}

func TestClient_PostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL, "").StartTrial(context.Background(), "prf_1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BindChatSendsBody(t *testing.T) {
	var gotMethod, gotPath string
	var got admin.BindChatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"profile":{"id":"prf_1","chatId":"42"},"access":{"state":"no_access"}}`))
	}))
	defer ts.Close()

	v, err := newTestClient(ts.URL, "").BindChat(context.Background(), "prf_1", "42")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/v1/admin/profiles/prf_1/chat", gotPath)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "42", v.Profile.ChatID)
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1", "")
	_, err := client.GetProfile(context.Background(), "prf_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetAccessState(t *testing.T) {
	last := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(admin.ProfileView{
			Profile: &profile.Profile{
				ID:                   "prf_1",
				Email:                "user@example.com",
				ChatID:               "42",
				Tier:                 profile.TierPro,
				StripeSubscriptionID: "sub_1",
				SubscriptionStatus:   profile.SubscriptionActive,
				CreditsRemaining:     480,
				CreditsUsed:          20,
				LastActivityAt:       &last,
			},
			Access: entitlement.Result{State: entitlement.StateActivePaid, CreditsRemaining: 480},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetAccessState(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Tier: pro")
	assert.Contains(t, text, "Access: active_paid")
	assert.Contains(t, text, "480 remaining, 20 used")
	assert.Contains(t, text, "Chat: 42")
	assert.Contains(t, text, "sub_1 (active)")
	assert.Contains(t, text, "2026-04-02T10:00:00Z")
}

func TestHandleGetAccessState_Trial(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(admin.ProfileView{
			Profile: &profile.Profile{ID: "prf_2", Tier: profile.TierFree, CreditsRemaining: 49},
			Access:  entitlement.Result{State: entitlement.StateActiveTrial, DaysRemaining: 3},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetAccessState(context.Background(), makeRequest(map[string]any{"profile_id": "prf_2"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Access: active_trial")
	assert.Contains(t, text, "Trial days left: 3")
	assert.Contains(t, text, "Chat: not linked")
}

func TestHandleGetAccessState_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetAccessState(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "profile_id is required")
}

func TestHandleGetAccessState_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden","message":"Invalid admin secret."}`))
	}))
	defer cleanup()

	result, err := h.HandleGetAccessState(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Invalid admin secret.")
}

func TestHandleListUsage(t *testing.T) {
	var gotLimit string
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []usage.Record{
				{ID: "use_2", ProfileID: "prf_1", Action: "workflow:weather", MessageRef: "42:8", CreatedAt: at},
				{ID: "use_1", ProfileID: "prf_1", Action: usage.ActionDirectResponse, CreatedAt: at.Add(-time.Minute)},
			},
			"count": 2,
		})
	}))
	defer cleanup()

	result, err := h.HandleListUsage(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1", "limit": float64(5)}))
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)

	text := resultText(t, result)
	assert.Contains(t, text, "2 recent message(s) for prf_1")
	assert.Contains(t, text, "1. 2026-04-02T10:00:00Z  workflow:weather  (42:8)")
	assert.Contains(t, text, "2. 2026-04-02T09:59:00Z  direct_response")
}

func TestHandleListUsage_PassesCursor(t *testing.T) {
	var gotCursor string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		_, _ = w.Write([]byte(`{"records":[{"id":"use_3","profileId":"prf_1","action":"direct_response","createdAt":"2026-04-02T10:00:00Z"}],"count":1,"nextCursor":"next-page"}`))
	}))
	defer cleanup()

	result, err := h.HandleListUsage(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1", "cursor": "abc"}))
	require.NoError(t, err)
	assert.Equal(t, "abc", gotCursor)
	assert.Contains(t, resultText(t, result), `pass cursor "next-page"`)
}

func TestHandleListUsage_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"records":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListUsage(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No usage recorded for prf_1.", resultText(t, result))
}

func TestHandleStartTrial(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/profiles/prf_1/trial", r.URL.Path)
		_ = json.NewEncoder(w).Encode(admin.ProfileView{
			Profile: &profile.Profile{ID: "prf_1", Tier: profile.TierFree, CreditsRemaining: 50},
			Access:  entitlement.Result{State: entitlement.StateActiveTrial, DaysRemaining: 7},
		})
	}))
	defer cleanup()

	result, err := h.HandleStartTrial(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Trial started.")
	assert.Contains(t, text, "Trial days left: 7")
}

func TestHandleStartTrial_AlreadyUsed(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"trial_used","message":"The trial has already been started for this profile"}`))
	}))
	defer cleanup()

	result, err := h.HandleStartTrial(context.Background(), makeRequest(map[string]any{"profile_id": "prf_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Trial not started")
}

func TestHandleLinkChat(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		status  int
		body    string
		isError bool
		want    string
	}{
		{"linked", map[string]any{"profile_id": "prf_1", "chat_id": "42"}, http.StatusOK,
			`{"profile":{"id":"prf_1","tier":"free","chatId":"42"},"access":{"state":"no_access"}}`, false, "Chat: 42"},
		{"taken", map[string]any{"profile_id": "prf_1", "chat_id": "42"}, http.StatusConflict,
			`{"error":"chat_taken","message":"This chat is already linked to another profile"}`, true, "already linked"},
		{"missing chat", map[string]any{"profile_id": "prf_1"}, http.StatusOK, `{}`, true, "chat_id are required"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer cleanup()

			result, err := h.HandleLinkChat(context.Background(), makeRequest(tc.args))
			require.NoError(t, err)
			assert.Equal(t, tc.isError, result.IsError)
			assert.Contains(t, resultText(t, result), tc.want)
		})
	}
}

func TestIsConflict(t *testing.T) {
	conflict := &APIError{Status: http.StatusConflict, Code: "trial_used"}
	assert.True(t, IsConflict(conflict))
	assert.True(t, IsConflict(conflict, "chat_taken", "trial_used"))
	assert.False(t, IsConflict(conflict, "chat_taken"))
	assert.False(t, IsConflict(&APIError{Status: http.StatusNotFound}))
	assert.False(t, IsConflict(nil))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)
}
