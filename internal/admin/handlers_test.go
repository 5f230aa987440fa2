package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/entitlement"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router   *gin.Engine
	profiles *profile.MemoryStore
	recorder *usage.Recorder
	now      time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		profiles: profile.NewMemoryStore(),
		now:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.recorder = usage.NewRecorder(usage.NewMemoryStore(), nil, nil)

	h := NewHandler(f.profiles, f.recorder)
	h.now = func() time.Time { return f.now }

	f.router = gin.New()
	h.RegisterRoutes(f.router.Group("/v1"))
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) ProfileView {
	t.Helper()
	var v ProfileView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCreateProfile(t *testing.T) {
	f := setup(t)

	w := f.do("POST", "/v1/admin/profiles", `{"authId":"auth0|abc","email":" User@Example.com "}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	v := decodeView(t, w)
	assert.True(t, strings.HasPrefix(v.Profile.ID, "prf_"))
	assert.Equal(t, "user@example.com", v.Profile.Email)
	assert.Equal(t, profile.TierFree, v.Profile.Tier)
	assert.Nil(t, v.Profile.TrialStartedAt)
	assert.Equal(t, entitlement.StateNoAccess, v.Access.State)
	assert.True(t, v.Access.TrialEligible)

	w = f.do("POST", "/v1/admin/profiles", `{"authId":"auth0|abc","email":"other@example.com"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateProfile_Validation(t *testing.T) {
	f := setup(t)

	w := f.do("POST", "/v1/admin/profiles", `{"email":"user@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "authId")

	w = f.do("POST", "/v1/admin/profiles", `{"authId":"a","email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do("POST", "/v1/admin/profiles", `{bad`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartTrial(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/admin/profiles", `{"id":"prf_1","authId":"a1"}`).Code)

	f.now = f.now.Add(time.Hour)
	w := f.do("POST", "/v1/admin/profiles/prf_1/trial", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decodeView(t, w)
	assert.Equal(t, entitlement.StateActiveTrial, v.Access.State)
	assert.Equal(t, 7, v.Access.DaysRemaining)
	assert.Equal(t, int64(profile.TrialCredits), v.Access.CreditsRemaining)

	w = f.do("POST", "/v1/admin/profiles/prf_1/trial", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "trial_used")

	w = f.do("POST", "/v1/admin/profiles/prf_missing/trial", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTrial_Ineligible(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/admin/profiles", `{"id":"prf_1","authId":"a1"}`).Code)

	f.now = f.now.Add(25 * time.Hour)
	w := f.do("POST", "/v1/admin/profiles/prf_1/trial", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "trial_ineligible")
}

func TestBindChat(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/admin/profiles", `{"id":"prf_1","authId":"a1"}`).Code)
	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/admin/profiles", `{"id":"prf_2","authId":"a2"}`).Code)

	w := f.do("PUT", "/v1/admin/profiles/prf_1/chat", `{"chatId":"42"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "42", decodeView(t, w).Profile.ChatID)

	// Rebinding the same chat to the same profile is fine.
	assert.Equal(t, http.StatusOK, f.do("PUT", "/v1/admin/profiles/prf_1/chat", `{"chatId":"42"}`).Code)

	w = f.do("PUT", "/v1/admin/profiles/prf_2/chat", `{"chatId":"42"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "chat_taken")

	assert.Equal(t, http.StatusBadRequest, f.do("PUT", "/v1/admin/profiles/prf_2/chat", `{"chatId":"abc"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do("PUT", "/v1/admin/profiles/prf_9/chat", `{"chatId":"7"}`).Code)
}

func TestGetProfile(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/admin/profiles", `{"id":"prf_1","authId":"a1"}`).Code)

	w := f.do("GET", "/v1/admin/profiles/prf_1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prf_1", decodeView(t, w).Profile.ID)

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/v1/admin/profiles/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/v1/admin/profiles/bad%20id", "").Code)
}

func TestListUsage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.Equal(t, http.StatusCreated, f.do("POST", "/v1/admin/profiles", `{"id":"prf_1","authId":"a1"}`).Code)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.recorder.Record(ctx, "prf_1", usage.ActionDirectResponse, "42:1"))
	}

	w := f.do("GET", "/v1/admin/profiles/prf_1/usage?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body usage.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, usage.ActionDirectResponse, body.Records[0].Action)
	require.NotEmpty(t, body.NextCursor)

	w = f.do("GET", "/v1/admin/profiles/prf_1/usage?limit=2&cursor="+body.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	var rest usage.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rest))
	assert.Equal(t, 1, rest.Count)
	assert.Empty(t, rest.NextCursor)
	assert.NotEqual(t, body.Records[0].ID, rest.Records[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/v1/admin/profiles/prf_1/usage?cursor=%25%25", "").Code)

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/v1/admin/profiles/prf_9/usage", "").Code)
}
