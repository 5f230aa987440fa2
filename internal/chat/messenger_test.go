package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramMessenger_SendMessage(t *testing.T) {
	type call struct {
		path string
		body map[string]any
	}
	calls := make(chan call, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls <- call{r.URL.Path, body}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	m := NewTelegramMessenger(srv.URL, "123:abc")
	require.NoError(t, m.SendMessage(context.Background(), "42", "hello"))
	got := <-calls
	assert.Equal(t, "/bot123:abc/sendMessage", got.path)
	assert.Equal(t, "42", got.body["chat_id"])
	assert.Equal(t, "hello", got.body["text"])

	require.NoError(t, m.SendTyping(context.Background(), "42"))
	got = <-calls
	assert.Equal(t, "/bot123:abc/sendChatAction", got.path)
	assert.Equal(t, "typing", got.body["action"])
}

func TestTelegramMessenger_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	m := NewTelegramMessenger(srv.URL, "t")
	require.NoError(t, m.SendMessage(context.Background(), "42", "hi"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestTelegramMessenger_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	m := NewTelegramMessenger(srv.URL, "t")
	err := m.SendMessage(context.Background(), "42", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegramMessenger_LongFloodWaitIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests: retry after 60","parameters":{"retry_after":60}}`))
	}))
	defer srv.Close()

	m := NewTelegramMessenger(srv.URL, "t")
	err := m.SendMessage(context.Background(), "42", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry after 60")
	assert.Equal(t, int32(1), calls.Load())
}
