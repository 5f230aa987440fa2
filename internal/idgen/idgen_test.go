package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	assert.NoError(t, err)
	assert.NotEqual(t, New(), New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("prf_")
	assert.True(t, strings.HasPrefix(id, "prf_"))
	assert.Len(t, id, len("prf_")+24)
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}

func TestIsValidRequestID(t *testing.T) {
	assert.True(t, IsValidRequestID("req-123_abc"))
	assert.False(t, IsValidRequestID(""))
	assert.False(t, IsValidRequestID("has space"))
	assert.False(t, IsValidRequestID("inject\nline"))
	assert.False(t, IsValidRequestID(strings.Repeat("a", 65)))
}
