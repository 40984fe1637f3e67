package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

var (
	ErrInvalidURL       = errors.New("transport: empty broker url")
	ErrIdentityMismatch = errors.New("transport: token subject does not match user id")

	errConnectionLost = errors.New("transport: connection lost")
)

// Handler receives the raw payload of a message frame
type Handler func(payload json.RawMessage)

// Config tunes keepalive, reconnection and buffering
type Config struct {
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	StableAfter      time.Duration // a session must last this long before backoff resets
	SendBuffer       int
	OutboxSize       int     // frames kept while disconnected
	TypingPerSecond  float64 // typing frames allowed per second
	TypingBurst      int
}

// DefaultConfig mirrors the keepalive constants used by the broker
func DefaultConfig() Config {
	pongWait := 60 * time.Second
	return Config{
		WriteWait:        10 * time.Second,
		PongWait:         pongWait,
		PingPeriod:       (pongWait * 9) / 10,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   64 * 1024,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		StableAfter:      10 * time.Second,
		SendBuffer:       256,
		OutboxSize:       256,
		TypingPerSecond:  1,
		TypingBurst:      2,
	}
}

// Status is a snapshot of the connection state
type Status struct {
	Connected bool
	UserID    int64
	Attempts  int // failed dials and dropped short sessions since the last stable one
	LastError string
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// session is one live websocket connection
type session struct {
	conn *websocket.Conn
	send chan []byte
}

// Client is a session-scoped connection manager to the real-time broker.
// It is constructed explicitly and shared by reference; subscriptions
// outlive individual connections and are replayed after every reconnect.
type Client struct {
	cfg    Config
	log    *zap.Logger
	dialer *websocket.Dialer
	typing *rate.Limiter

	mu       sync.Mutex
	url      string
	token    string
	userID   int64
	cancel   context.CancelFunc
	done     chan struct{}
	sess     *session
	subs     map[string]*subscription
	order    []string // subscription ids in registration order
	outbox   [][]byte
	attempts int
	lastErr  error
	changed  chan struct{} // closed and replaced on every connect/disconnect
}

// New creates a disconnected client
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: logging.OrNop(logger).Named("transport"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		typing:  rate.NewLimiter(rate.Limit(cfg.TypingPerSecond), cfg.TypingBurst),
		subs:    make(map[string]*subscription),
		changed: make(chan struct{}),
	}
}

// Connect starts a session for the given identity. Calling it again with the
// same identity is a no-op; a different identity tears the old session down
// (subscriptions included) first. Dial failures are retried in the background
// and never returned.
func (c *Client) Connect(url, token string, userID int64) error {
	if url == "" {
		return ErrInvalidURL
	}
	if err := checkIdentity(token, userID, time.Now()); err != nil {
		return err
	}

	c.mu.Lock()
	active := c.cancel != nil
	if active && c.url == url && c.token == token && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	switchUser := active && c.userID != userID
	c.mu.Unlock()

	if switchUser {
		c.Disconnect()
	} else {
		// first connect, token refresh or new url: keep subscriptions
		c.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.url, c.token, c.userID = url, token, userID
	c.cancel, c.done = cancel, done
	c.attempts, c.lastErr = 0, nil
	c.mu.Unlock()

	c.log.Info("connecting", zap.String("url", url), zap.Int64("user_id", userID))
	go c.run(ctx, done)
	return nil
}

// Disconnect tears down every subscription and the connection. It is safe
// to call when already disconnected.
func (c *Client) Disconnect() {
	c.stop()

	c.mu.Lock()
	c.subs = make(map[string]*subscription)
	c.order = nil
	c.outbox = nil
	c.url, c.token, c.userID = "", "", 0
	c.mu.Unlock()
}

// stop ends the supervisor and waits for it to exit
func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("disconnected")
}

// Connected reports whether a broker session is currently live
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Status returns a snapshot of the connection state
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Connected: c.sess != nil, UserID: c.userID, Attempts: c.attempts}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// WaitConnected blocks until a session is live or ctx is done
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.sess != nil {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Subscribe registers handler for topic and returns an idempotent
// unsubscribe func. The subscription survives reconnects.
func (c *Client) Subscribe(topic string, handler Handler) func() {
	sub := &subscription{id: uuid.NewString(), topic: topic, handler: handler}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.order = append(c.order, sub.id)
	if c.sess != nil {
		c.enqueueLocked(c.sess, frameBytes(models.Frame{Type: models.FrameSubscribe, ID: sub.id, Topic: topic}))
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(sub.id) })
	}
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return
	}
	delete(c.subs, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.sess != nil {
		c.enqueueLocked(c.sess, frameBytes(models.Frame{Type: models.FrameUnsubscribe, ID: id, Topic: sub.topic}))
	}
}

// Subscriptions returns the number of registered subscriptions on topic
func (c *Client) Subscriptions(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if s.topic == topic {
			n++
		}
	}
	return n
}

// Publish sends payload to a destination. While disconnected the frame is
// kept in a bounded outbox and flushed after the next connect; when the
// outbox is full the oldest frame is dropped.
func (c *Client) Publish(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data := frameBytes(models.Frame{Type: models.FrameSend, Topic: topic, Payload: raw})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.enqueueLocked(c.sess, data)
		return nil
	}
	if c.cfg.OutboxSize <= 0 {
		c.log.Warn("dropping frame while disconnected", zap.String("topic", topic))
		metrics.DroppedFrames.WithLabelValues("disconnected").Inc()
		return nil
	}
	if len(c.outbox) >= c.cfg.OutboxSize {
		c.log.Warn("outbox full, dropping oldest frame", zap.Int("size", len(c.outbox)))
		metrics.DroppedFrames.WithLabelValues("outbox_full").Inc()
		c.outbox = c.outbox[1:]
	}
	c.outbox = append(c.outbox, data)
	return nil
}

// OutboxLen returns the number of frames waiting for a connection
func (c *Client) OutboxLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// SendTyping publishes the local typing state. Frames over the rate limit
// are dropped; typing state is refreshed often enough that this is harmless.
func (c *Client) SendTyping(conversationID int64, isTyping bool) error {
	if conversationID <= 0 {
		return nil
	}
	// stop events always go out so remote indicators clear promptly
	if isTyping && !c.typing.Allow() {
		return nil
	}
	return c.Publish(models.TypingDestination(conversationID), models.TypingRequest{IsTyping: isTyping})
}

// enqueueLocked hands a frame to the write pump without blocking
func (c *Client) enqueueLocked(s *session, data []byte) {
	select {
	case s.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame")
		metrics.DroppedFrames.WithLabelValues("send_buffer_full").Inc()
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry forever, Disconnect is the only way out
	b.Reset()
	return b
}

// run dials with backoff and serves connections until ctx is canceled.
// The backoff keeps growing across sessions that drop before StableAfter,
// so a broker that accepts and then closes is not hammered.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := c.newBackOff()
	first := true
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.retryAfter(ctx, b, err, "dial failed, retrying") {
				return
			}
			continue
		}

		if !first {
			metrics.Reconnects.Inc()
		}
		first = false
		started := time.Now()
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= c.cfg.StableAfter {
			b.Reset()
			c.mu.Lock()
			c.attempts, c.lastErr = 0, nil
			c.mu.Unlock()
		}
		if !c.retryAfter(ctx, b, errConnectionLost, "connection lost, reconnecting") {
			return
		}
	}
}

// retryAfter records a failed attempt and waits out the next backoff. It
// reports false when ctx ended first.
func (c *Client) retryAfter(ctx context.Context, b backoff.BackOff, err error, msg string) bool {
	wait := b.NextBackOff()
	c.mu.Lock()
	c.attempts++
	c.lastErr = err
	attempts := c.attempts
	c.mu.Unlock()
	c.log.Warn(msg, zap.Error(err), zap.Int("attempt", attempts), zap.Duration("wait", wait))

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	url, token := c.url, c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve runs one connection: it replays subscriptions, flushes the outbox,
// then reads until the connection fails or ctx is canceled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	s := &session{conn: conn, send: make(chan []byte, c.cfg.SendBuffer+len(c.order)+len(c.outbox))}
	for _, id := range c.order {
		sub := c.subs[id]
		s.send <- frameBytes(models.Frame{Type: models.FrameSubscribe, ID: sub.id, Topic: sub.topic})
	}
	for _, data := range c.outbox {
		s.send <- data
	}
	replayed, flushed := len(c.order), len(c.outbox)
	c.outbox = nil
	c.sess = s
	c.signalLocked()
	c.mu.Unlock()

	metrics.Connections.Inc()
	c.log.Info("connected", zap.Int("subscriptions", replayed), zap.Int("flushed", flushed))

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()
	go c.writePump(s)
	c.readPump(s)
	close(stopped)

	c.mu.Lock()
	c.sess = nil
	close(s.send)
	c.signalLocked()
	c.mu.Unlock()
	metrics.Connections.Dec()
}

func (c *Client) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) readPump(s *session) {
	conn := s.conn
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.dispatch(data)
	}
}

func (c *Client) writePump(s *session) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Handlers run on the read goroutine, so
// delivery order per connection is network order.
func (c *Client) dispatch(data []byte) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		return
	}

	switch f.Type {
	case models.FrameMessage:
		for _, h := range c.handlersFor(f) {
			c.invoke(f.Topic, h, f.Payload)
		}
	case models.FrameError:
		c.log.Warn("broker error", zap.String("topic", f.Topic), zap.ByteString("payload", f.Payload))
	case models.FrameConnected:
		c.log.Debug("broker acknowledged session")
	default:
		c.log.Debug("ignoring frame", zap.String("type", string(f.Type)))
	}
}

func (c *Client) handlersFor(f models.Frame) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.ID != "" {
		if sub, ok := c.subs[f.ID]; ok {
			return []Handler{sub.handler}
		}
		return nil
	}
	var hs []Handler
	for _, id := range c.order {
		if sub := c.subs[id]; sub.topic == f.Topic {
			hs = append(hs, sub.handler)
		}
	}
	return hs
}

// invoke shields the read loop from a panicking handler
func (c *Client) invoke(topic string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	h(payload)
}

func frameBytes(f models.Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}
