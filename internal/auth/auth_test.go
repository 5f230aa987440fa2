package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runRequireAdmin(secret, header string) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/admin/profiles", nil)
	if header != "" {
		c.Request.Header.Set(AdminSecretHeader, header)
	}
	RequireAdmin(secret)(c)
	return w, c
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	_, c := runRequireAdmin("supersecret123", "supersecret123")
	assert.False(t, c.IsAborted())
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	w, c := runRequireAdmin("supersecret123", "wrongsecret")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	w, c := runRequireAdmin("supersecret123", "")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin_NotConfigured(t *testing.T) {
	w, c := runRequireAdmin("", "anything")
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "admin_disabled")
}
