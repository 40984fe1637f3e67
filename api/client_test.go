package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

func writeEnvelope(w http.ResponseWriter, status int, msg string, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.Envelope{StatusCode: status, Message: msg, Timestamp: time.Now().Format(time.RFC3339), Data: raw})
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig(srv.URL)
	cfg.RetryMaxElapsed = 2 * time.Second
	return New(cfg, StaticToken("tok"), nil)
}

func TestGetConversationsDecodesPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "30", r.URL.Query().Get("size"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, "ok", models.Page[models.Conversation]{
			Meta:    &models.Meta{Current: 2, PageSize: 30, Pages: 4, Total: 100},
			Results: []models.Conversation{{ID: 1, Name: "general", UnreadCount: 2}},
		})
	})

	page, err := c.GetConversations(context.Background(), 2, 30)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "general", page.Results[0].Name)
	assert.True(t, page.HasMore(30))
}

func TestErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/1/read":
			writeEnvelope(w, http.StatusNotFound, "conversation not found", nil)
		case "/api/conversations/2/read":
			writeEnvelope(w, http.StatusOK, "ok", nil)
		case "/api/conversations/3/read":
			// envelope status wins over transport status
			raw, _ := json.Marshal(models.Envelope{StatusCode: http.StatusForbidden, Message: "not a member"})
			w.Write(raw)
		default:
			http.Error(w, "nope", http.StatusUnauthorized)
		}
	})
	ctx := context.Background()

	err := c.MarkAsRead(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)
	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "conversation not found", ae.Message)

	assert.NoError(t, c.MarkAsRead(ctx, 2))
	assert.ErrorIs(t, c.MarkAsRead(ctx, 3), ErrForbidden)
	assert.ErrorIs(t, c.MarkAsRead(ctx, 4), ErrUnauthorized)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeEnvelope(w, http.StatusServiceUnavailable, "warming up", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "ok", models.Page[models.Message]{
			Results: []models.Message{{ID: 2, ConversationID: 9}, {ID: 1, ConversationID: 9}},
		})
	})

	page, err := c.GetMessages(context.Background(), 9, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, page.Results, 2)
	assert.True(t, page.HasMore(2), "a full page without meta may have more")
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusBadRequest, "bad page", nil)
	})
	_, err := c.GetMessages(context.Background(), 9, -1, 2)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusInternalServerError, "db down", nil)
	})
	_, err := c.SendMessage(context.Background(), 1, models.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrServer)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessageBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations/5/messages", r.URL.Path)
		var req models.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeEnvelope(w, http.StatusCreated, "created", models.Message{
			ID: 77, ConversationID: 5, SenderID: 1, Type: req.Type, Content: req.Content, ClientID: req.ClientID,
		})
	})

	m, err := c.SendMessage(context.Background(), 5, models.SendMessageRequest{
		Type: models.MessageTypeText, Content: "hello", ClientID: "4b1b7a4e-3c5e-4d6b-9d69-0d1b0e1f2a3b",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), m.ID)
	assert.Equal(t, "4b1b7a4e-3c5e-4d6b-9d69-0d1b0e1f2a3b", m.ClientID)
}

func TestFlagAndDeleteEndpoints(t *testing.T) {
	type call struct{ method, path, body string }
	var got []call
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		raw, _ := json.Marshal(body)
		got = append(got, call{r.Method, r.URL.Path, string(raw)})
		writeEnvelope(w, http.StatusOK, "ok", nil)
	})
	ctx := context.Background()

	require.NoError(t, c.SetMuted(ctx, 3, true))
	require.NoError(t, c.SetPinned(ctx, 3, false))
	require.NoError(t, c.LeaveConversation(ctx, 3))
	require.NoError(t, c.DeleteMessage(ctx, 3, 8))

	assert.Equal(t, []call{
		{http.MethodPut, "/api/conversations/3/mute", `{"muted":true}`},
		{http.MethodPut, "/api/conversations/3/pin", `{"pinned":false}`},
		{http.MethodDelete, "/api/conversations/3/members/me", "null"},
		{http.MethodDelete, "/api/conversations/3/messages/8", "null"},
	}, got)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusInternalServerError, "boom", nil)
	}))
	defer srv.Close()
	cfg := DefaultConfig(srv.URL)
	cfg.BreakerMaxFailures = 2
	cfg.BreakerTimeout = time.Minute
	c := New(cfg, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, c.MarkAsRead(ctx, 1), ErrServer)
	assert.ErrorIs(t, c.MarkAsRead(ctx, 1), ErrServer)
	err := c.MarkAsRead(ctx, 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}
