package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/middleware"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

var errForbiddenTopic = errors.New("forbidden topic")

// Directory answers the membership questions the broker needs.
// *database.Store satisfies it.
type Directory interface {
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
	GetUserByID(ctx context.Context, id int64) (models.User, error)
}

// Backplane carries published payloads to every broker instance, this one
// included. RedisBackplane is the production implementation.
type Backplane interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Client is one websocket connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   int64
	username string
	subs     map[string]string // subscription id -> topic, guarded by hub.mu
}

type delivery struct {
	topic   string
	payload []byte
}

// Hub is the topic broker. Connections subscribe to topics after the
// handshake; anything published to a topic is fanned out to every live
// subscription as a message frame carrying that subscription's id.
type Hub struct {
	dir       Directory
	backplane Backplane
	log       *zap.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}

	mu     sync.RWMutex
	topics map[string]map[*Client]map[string]struct{} // topic -> client -> sub ids
	users  map[int64]int                               // live connections per user
}

func NewHub(dir Directory, backplane Backplane, logger *zap.Logger) *Hub {
	return &Hub{
		dir:        dir,
		backplane:  backplane,
		log:        logging.OrNop(logger).Named("hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
		topics:     make(map[string]map[*Client]map[string]struct{}),
		users:      make(map[int64]int),
	}
}

// Run owns connection bookkeeping until ctx ends
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.users[c.userID]++
			first := h.users[c.userID] == 1
			h.mu.Unlock()
			metrics.BrokerClients.Inc()
			h.log.Info("client connected", zap.Int64("user_id", c.userID))
			if first {
				h.presence(ctx, c.userID, true)
			}

		case c := <-h.unregister:
			h.mu.Lock()
			for id, topic := range c.subs {
				h.removeLocked(c, id, topic)
			}
			h.users[c.userID]--
			last := h.users[c.userID] == 0
			if last {
				delete(h.users, c.userID)
			}
			h.mu.Unlock()
			close(c.send)
			metrics.BrokerClients.Dec()
			h.log.Info("client disconnected", zap.Int64("user_id", c.userID))
			if last {
				h.presence(ctx, c.userID, false)
			}

		case d := <-h.broadcast:
			h.deliverLocal(d.topic, d.payload)
		}
	}
}

// presence announces a user's first connection or last disconnection
func (h *Hub) presence(ctx context.Context, userID int64, online bool) {
	ev := models.PresenceEvent{UserID: userID, Online: online, LastSeen: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if h.backplane != nil {
		if err := h.backplane.Publish(ctx, models.PresenceTopic, data); err == nil {
			return
		}
	}
	h.deliverLocal(models.PresenceTopic, data)
}

// Publish sends v to everyone subscribed to topic. With a backplane the
// payload goes through it so subscribers on other instances see it too.
func (h *Hub) Publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if h.backplane != nil {
		err := h.backplane.Publish(ctx, topic, data)
		if err == nil {
			return nil
		}
		h.log.Warn("backplane publish failed, delivering locally", zap.String("topic", topic), zap.Error(err))
	}
	return h.Deliver(ctx, topic, data)
}

// Deliver fans an encoded payload out to this instance's subscribers only
func (h *Hub) Deliver(ctx context.Context, topic string, payload []byte) error {
	select {
	case h.broadcast <- delivery{topic: topic, payload: payload}:
		return nil
	case <-h.done:
		return errors.New("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) deliverLocal(topic string, payload []byte) {
	var slow []*Client
	h.mu.RLock()
	for c, ids := range h.topics[topic] {
		for id := range ids {
			data, _ := json.Marshal(models.Frame{Type: models.FrameMessage, ID: id, Topic: topic, Payload: payload})
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	// closing the socket ends the read pump, which unregisters the client
	for _, c := range slow {
		h.log.Warn("closing slow client", zap.Int64("user_id", c.userID))
		c.conn.Close()
	}
}

func (h *Hub) subscribe(c *Client, id, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := c.subs[id]; ok {
		h.removeLocked(c, id, old)
	}
	c.subs[id] = topic
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]map[string]struct{})
	}
	if h.topics[topic][c] == nil {
		h.topics[topic][c] = make(map[string]struct{})
	}
	h.topics[topic][c][id] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic, ok := c.subs[id]; ok {
		h.removeLocked(c, id, topic)
	}
}

func (h *Hub) removeLocked(c *Client, id, topic string) {
	delete(c.subs, id)
	ids := h.topics[topic][c]
	delete(ids, id)
	if len(ids) == 0 {
		delete(h.topics[topic], c)
	}
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

// Revoke drops every subscription userID holds on a conversation's topics
func (h *Hub) Revoke(userID, conversationID int64) {
	prefix := models.ConversationTopic(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, clients := range h.topics {
		if topic != prefix && !strings.HasPrefix(topic, prefix+"/") {
			continue
		}
		for c, ids := range clients {
			if c.userID != userID {
				continue
			}
			for id := range ids {
				h.removeLocked(c, id, topic)
			}
		}
	}
}

// authorize decides whether userID may subscribe to topic
func (h *Hub) authorize(ctx context.Context, userID int64, topic string) error {
	scope, id, rest, err := models.ParseTopic(topic)
	if err != nil {
		return err
	}
	switch scope {
	case "topic":
		if id == 0 {
			if rest == "presence" {
				return nil
			}
			return errForbiddenTopic
		}
		switch rest {
		case "", "deleted", "typing", "read":
		default:
			return errForbiddenTopic
		}
		ok, err := h.dir.IsMember(ctx, id, userID)
		if err != nil {
			return err
		}
		if !ok {
			return errForbiddenTopic
		}
		return nil
	case "user":
		if id != userID || (rest != "queue/messages" && rest != "queue/notifications") {
			return errForbiddenTopic
		}
		return nil
	}
	return errForbiddenTopic
}

// ServeWS upgrades an authenticated request and starts the client pumps
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r)
	user, err := h.dir.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		userID:   user.ID,
		username: user.Username,
		subs:     make(map[string]string),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	ack, _ := json.Marshal(map[string]int64{"userId": user.ID})
	c.reply(models.Frame{Type: models.FrameConnected, Payload: ack})

	go c.writePump()
	go c.readPump()
}

// reply queues a frame for this client only
func (c *Client) reply(f models.Frame) {
	data, _ := json.Marshal(f)
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) replyError(f models.Frame, msg string) {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	c.reply(models.Frame{Type: models.FrameError, ID: f.ID, Topic: f.Topic, Payload: payload})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read failed", zap.Int64("user_id", c.userID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f models.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f models.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch f.Type {
	case models.FrameSubscribe:
		if f.ID == "" {
			c.replyError(f, "subscription id required")
			return
		}
		if err := c.hub.authorize(ctx, c.userID, f.Topic); err != nil {
			c.hub.log.Debug("subscription refused", zap.Int64("user_id", c.userID), zap.String("topic", f.Topic), zap.Error(err))
			c.replyError(f, "subscription refused")
			return
		}
		c.hub.subscribe(c, f.ID, f.Topic)

	case models.FrameUnsubscribe:
		c.hub.unsubscribe(c, f.ID)

	case models.FrameSend:
		c.relayTyping(ctx, f)
	}
}

// relayTyping turns a typing publish into a TypingStatus on the
// conversation's typing topic. It is the only client destination.
func (c *Client) relayTyping(ctx context.Context, f models.Frame) {
	scope, convID, rest, err := models.ParseTopic(f.Topic)
	if err != nil || scope != "app" || convID == 0 || rest != "typing" {
		c.replyError(f, "unknown destination")
		return
	}
	ok, err := c.hub.dir.IsMember(ctx, convID, c.userID)
	if err != nil || !ok {
		c.replyError(f, "not a member of this conversation")
		return
	}
	var req models.TypingRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		c.replyError(f, "invalid typing payload")
		return
	}
	status := models.TypingStatus{
		ConversationID: convID,
		UserID:         c.userID,
		UserName:       c.username,
		IsTyping:       req.IsTyping,
	}
	if err := c.hub.Publish(ctx, models.TypingTopic(convID), status); err != nil {
		c.hub.log.Warn("typing relay failed", zap.Int64("conversation_id", convID), zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
