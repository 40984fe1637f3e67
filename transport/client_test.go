package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// fakeBroker speaks the frame protocol and remembers what it was sent
type fakeBroker struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	dials  int
	frames []models.Frame
	subs   map[string]string // live subscription id -> topic
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{subs: make(map[string]string)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.dials++
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f models.Frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			b.mu.Lock()
			b.frames = append(b.frames, f)
			switch f.Type {
			case models.FrameSubscribe:
				b.subs[f.ID] = f.Topic
			case models.FrameUnsubscribe:
				delete(b.subs, f.ID)
			}
			b.mu.Unlock()
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBroker) push(topic string, payload any) {
	raw, _ := json.Marshal(payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return
	}
	conn := b.conns[len(b.conns)-1]
	for id, tp := range b.subs {
		if tp == topic {
			data, _ := json.Marshal(models.Frame{Type: models.FrameMessage, ID: id, Topic: topic, Payload: raw})
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func (b *fakeBroker) pushRaw(data string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn := b.conns[len(b.conns)-1]
	conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// dropAll simulates a network blip; the broker forgets subscriptions
func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
	b.subs = make(map[string]string)
}

func (b *fakeBroker) liveSubs(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, tp := range b.subs {
		if tp == topic {
			n++
		}
	}
	return n
}

func (b *fakeBroker) count(ft models.FrameType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.frames {
		if f.Type == ft {
			n++
		}
	}
	return n
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func testToken(t *testing.T, userID int64, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.OutboxSize = 2
	return cfg
}

func connected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
}

func testMessage(id int64) models.Message {
	return models.Message{ID: id, ConversationID: 5, SenderID: 2, Type: models.MessageTypeText,
		Content: "hi", CreatedAt: time.Unix(1700000000+id, 0).UTC()}
}

func TestConnectRejectsBadArguments(t *testing.T) {
	c := New(testConfig(), nil)
	future := time.Now().Add(time.Hour)

	assert.ErrorIs(t, c.Connect("", testToken(t, 7, future), 7), ErrInvalidURL)
	assert.ErrorIs(t, c.Connect("ws://x", "not-a-jwt", 7), ErrInvalidToken)
	assert.ErrorIs(t, c.Connect("ws://x", testToken(t, 8, future), 7), ErrIdentityMismatch)
	assert.ErrorIs(t, c.Connect("ws://x", testToken(t, 7, time.Now().Add(-time.Minute)), 7), ErrTokenExpired)
	assert.False(t, c.Connected())
}

func TestSubscribeBeforeConnectDelivers(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()

	got := make(chan models.Message, 4)
	c.SubscribeToConversation(5, func(m models.Message) { got <- m })

	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)
	require.Eventually(t, func() bool { return b.liveSubs(models.ConversationTopic(5)) == 1 }, time.Second, 5*time.Millisecond)

	b.push(models.ConversationTopic(5), testMessage(1))
	select {
	case m := <-got:
		assert.Equal(t, int64(1), m.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestConnectSameIdentityIsNoop(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()
	tok := testToken(t, 7, time.Now().Add(time.Hour))

	require.NoError(t, c.Connect(b.url(), tok, 7))
	connected(t, c)
	require.NoError(t, c.Connect(b.url(), tok, 7))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount())
}

func TestConnectOtherIdentityDropsSubscriptions(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()

	c.SubscribeToNotifications(7, func(models.Notification) {})
	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)

	require.NoError(t, c.Connect(b.url(), testToken(t, 9, time.Now().Add(time.Hour)), 9))
	connected(t, c)
	assert.Equal(t, 0, c.Subscriptions(models.UserNotificationsTopic(7)))
	assert.Equal(t, int64(9), c.Status().UserID)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()

	var mu sync.Mutex
	var ids []int64
	c.SubscribeToConversation(5, func(m models.Message) {
		mu.Lock()
		ids = append(ids, m.ID)
		mu.Unlock()
	})
	c.SubscribeToNotifications(7, func(models.Notification) {})

	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)
	require.Eventually(t, func() bool { return b.liveSubs(models.ConversationTopic(5)) == 1 }, time.Second, 5*time.Millisecond)

	b.dropAll()
	require.Eventually(t, func() bool { return b.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.liveSubs(models.ConversationTopic(5)) == 1 && b.liveSubs(models.UserNotificationsTopic(7)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	b.push(models.ConversationTopic(5), testMessage(2))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 1 && ids[0] == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Subscriptions(models.ConversationTopic(5)))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()
	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)

	unsub := c.SubscribeToTyping(5, func(models.TypingStatus) {})
	require.Eventually(t, func() bool { return b.liveSubs(models.TypingTopic(5)) == 1 }, time.Second, 5*time.Millisecond)
	unsub()
	unsub()
	require.Eventually(t, func() bool { return b.liveSubs(models.TypingTopic(5)) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.count(models.FrameUnsubscribe))
}

func TestOutboxFlushesAfterConnect(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()

	require.NoError(t, c.Publish("/app/a", map[string]int{"n": 1}))
	require.NoError(t, c.Publish("/app/b", map[string]int{"n": 2}))
	require.NoError(t, c.Publish("/app/c", map[string]int{"n": 3}))
	assert.Equal(t, 2, c.OutboxLen(), "oldest frame dropped on overflow")

	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)
	require.Eventually(t, func() bool { return b.count(models.FrameSend) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.OutboxLen())

	b.mu.Lock()
	defer b.mu.Unlock()
	var topics []string
	for _, f := range b.frames {
		if f.Type == models.FrameSend {
			topics = append(topics, f.Topic)
		}
	}
	assert.Equal(t, []string{"/app/b", "/app/c"}, topics)
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	defer c.Disconnect()

	got := make(chan models.Message, 4)
	c.SubscribeToConversation(5, func(m models.Message) { got <- m })
	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)
	require.Eventually(t, func() bool { return b.liveSubs(models.ConversationTopic(5)) == 1 }, time.Second, 5*time.Millisecond)

	b.pushRaw("{not json")
	b.push(models.ConversationTopic(5), map[string]any{"content": "missing ids"})
	b.push(models.ConversationTopic(5), testMessage(3))

	select {
	case m := <-got:
		assert.Equal(t, int64(3), m.ID)
	case <-time.After(time.Second):
		t.Fatal("valid message not delivered")
	}
	assert.True(t, c.Connected())
}

func TestDisconnectIsSafeTwice(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	c.SubscribeToPresence(func(models.PresenceEvent) {})
	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	connected(t, c)

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.Connected())
	assert.Equal(t, 0, c.Subscriptions(models.PresenceTopic))
}

func TestTypingIsThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxSize = 10
	cfg.TypingPerSecond = 0.001
	cfg.TypingBurst = 1
	c := New(cfg, nil)

	require.NoError(t, c.SendTyping(5, true))
	require.NoError(t, c.SendTyping(5, true))
	require.NoError(t, c.SendTyping(5, false))
	assert.Equal(t, 2, c.OutboxLen())
}

func TestDroppedSessionsBackOff(t *testing.T) {
	var dials atomic.Int64
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.InitialBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = 400 * time.Millisecond
	c := New(cfg, nil)
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect("ws"+strings.TrimPrefix(srv.URL, "http"), testToken(t, 7, time.Now().Add(time.Hour)), 7))

	time.Sleep(time.Second)
	n := dials.Load()
	assert.GreaterOrEqual(t, n, int64(2))
	assert.LessOrEqual(t, n, int64(10), "reconnects must wait out the backoff")

	st := c.Status()
	assert.GreaterOrEqual(t, st.Attempts, 1)
	assert.NotEmpty(t, st.LastError)
}

func TestWaitConnected(t *testing.T) {
	b := newFakeBroker(t)
	c := New(testConfig(), nil)
	t.Cleanup(c.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitConnected(ctx), context.DeadlineExceeded)

	require.NoError(t, c.Connect(b.url(), testToken(t, 7, time.Now().Add(time.Hour)), 7))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, c.WaitConnected(ctx2))
	assert.True(t, c.Connected())
}
