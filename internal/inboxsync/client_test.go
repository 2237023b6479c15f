package inboxsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/operators/op_retry/conversations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"conversationKey":"961700000001","lastMessageId":"01A","lastMessageBody":"hi","lastMessageAt":"2026-03-01T12:00:00Z","unreadCount":0}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	list, err := client.ListConversations(context.Background(), "op_retry")
	require.NoError(t, err, "retry should recover from a transient 503")
	require.Len(t, list, 1)
	require.Equal(t, "961700000001", list[0].ConversationKey)
	require.True(t, list[0].LastMessageAt.Equal(testBase), "lastMessageAt %s", list[0].LastMessageAt)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls), "expected exactly one retry")
}

func TestHTTPClientListMessagesEscapesKeyAndSendsCorrelationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.Equal(t, "/v1/operators/op_1/conversations/a%2Fb/messages", r.URL.EscapedPath()) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "inbox_"),
			"correlation id header %q", r.Header.Get("X-Correlation-Id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"01A","operatorId":"op_1","conversationKey":"a/b","direction":"inbound","body":"hi","createdAt":"2026-03-01T12:00:00Z"}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	messages, err := client.ListMessages(context.Background(), "op_1", "a/b")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "01A", messages[0].ID)
	require.Equal(t, DirectionInbound, messages[0].Direction)
}

func TestHTTPClientAppendDoesNotRetryServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"boom"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	_, err := client.Append(context.Background(), "op_1", "k", DirectionOutbound, "hello")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	require.Equal(t, "internal_error", httpErr.Code)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTTPClientAppendPostsMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body appendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DirectionOutbound, body.Direction)
		assert.Equal(t, "hello", body.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"01B","conversationKey":"k","direction":"outbound","body":"hello","createdAt":"2026-03-01T12:00:01Z"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, server.Client())
	msg, err := client.Append(context.Background(), "op_1", "k", DirectionOutbound, "hello")
	require.NoError(t, err)
	require.Equal(t, "01B", msg.ID)
	require.True(t, msg.CreatedAt.Equal(testBase.Add(time.Second)), "createdAt %s", msg.CreatedAt)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 2*time.Second, parseRetryAfter("2"))
	require.Zero(t, parseRetryAfter(""), "empty header")
	require.Zero(t, parseRetryAfter("soon"), "invalid header")
}
