package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/cache"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/reconcile"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/registry"
)

var (
	ErrNoActiveConversation = errors.New("session: no active conversation")
	ErrEmptyMessage         = errors.New("session: message has no content or attachment")
)

// Transport is the real-time side of a session. *transport.Client satisfies it.
type Transport interface {
	registry.Source
	Connect(url, token string, userID int64) error
	Disconnect()
	Connected() bool
	SendTyping(conversationID int64, isTyping bool) error
}

// Backend is the REST side of a session. *api.Client satisfies it.
type Backend interface {
	GetConversations(ctx context.Context, page, size int) (models.Page[models.Conversation], error)
	GetMessages(ctx context.Context, conversationID int64, page, size int) (models.Page[models.Message], error)
	CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error)
	SendMessage(ctx context.Context, conversationID int64, req models.SendMessageRequest) (models.Message, error)
	MarkAsRead(ctx context.Context, conversationID int64) error
	SetMuted(ctx context.Context, conversationID int64, muted bool) error
	SetPinned(ctx context.Context, conversationID int64, pinned bool) error
	LeaveConversation(ctx context.Context, conversationID int64) error
	DeleteMessage(ctx context.Context, conversationID, messageID int64) error
}

type Config struct {
	WSURL          string
	Token          string
	UserID         int64
	PageSize       int
	DedupWindow    int
	UnreadDebounce time.Duration
	TypingTTL      time.Duration
	FeedSize       int // notifications kept in memory
}

// Session is the application context of one signed-in user. It owns the
// caches and keeps them in sync with the backend and the broker.
type Session struct {
	cfg       Config
	log       *zap.Logger
	transport Transport
	backend   Backend

	Messages      *cache.MessageCache
	Conversations *cache.ConversationCache
	TypingUsers   *cache.TypingTracker
	Presence      *cache.PresenceTracker

	reconciler *reconcile.Reconciler
	registry   *registry.Registry

	selMu sync.Mutex // serializes conversation switches

	mu       sync.Mutex
	gen      uint64 // bumped whenever the active conversation changes
	feed     []models.Notification
	onMsg    func(models.Message, reconcile.Outcome)
	onScroll func(models.Message)
}

func New(cfg Config, t Transport, b Backend, logger *zap.Logger) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Second
	}
	if cfg.FeedSize <= 0 {
		cfg.FeedSize = 50
	}
	log := logging.OrNop(logger).Named("session")
	s := &Session{
		cfg:           cfg,
		log:           log,
		transport:     t,
		backend:       b,
		Messages:      cache.NewMessageCache(cfg.UserID, nil),
		Conversations: cache.NewConversationCache(),
		TypingUsers:   cache.NewTypingTracker(cfg.TypingTTL),
		Presence:      cache.NewPresenceTracker(),
	}
	s.reconciler = reconcile.New(s.Messages, s.Conversations, reconcile.Config{
		LocalUserID: cfg.UserID,
		Window:      cfg.DedupWindow,
		Debounce:    cfg.UnreadDebounce,
		Refetch:     s.refreshConversations,
		OnScroll:    s.handleScroll,
		Logger:      logger,
	})
	s.registry = registry.New(t, registry.Handlers{
		Message:      s.handleMessage,
		UserMessage:  s.handleMessage,
		Delete:       func(ev models.MessageDeleted) { s.reconciler.HandleDelete(ev) },
		Read:         s.reconciler.HandleReadReceipt,
		Typing:       s.handleTyping,
		Notification: s.handleNotification,
		Presence:     s.Presence.Apply,
	})
	return s
}

// OnMessage registers a callback for every routed push message
func (s *Session) OnMessage(fn func(models.Message, reconcile.Outcome)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMsg = fn
}

// OnScroll registers a callback for live messages in the open conversation
// that should scroll the view to the bottom
func (s *Session) OnScroll(fn func(models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onScroll = fn
}

func (s *Session) handleScroll(msg models.Message) {
	s.mu.Lock()
	fn := s.onScroll
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) handleMessage(msg models.Message) {
	outcome := s.reconciler.HandleMessage(msg)
	s.mu.Lock()
	fn := s.onMsg
	s.mu.Unlock()
	if fn != nil {
		fn(msg, outcome)
	}
}

func (s *Session) handleTyping(st models.TypingStatus) {
	if st.UserID == s.cfg.UserID {
		return
	}
	s.TypingUsers.Apply(st)
}

func (s *Session) handleNotification(n models.Notification) {
	s.mu.Lock()
	s.feed = append(s.feed, n)
	if over := len(s.feed) - s.cfg.FeedSize; over > 0 {
		s.feed = append([]models.Notification(nil), s.feed[over:]...)
	}
	s.mu.Unlock()

	if n.Kind == models.NotificationRemoved && n.ConversationID != 0 {
		s.log.Info("removed from conversation", zap.Int64("conversation_id", n.ConversationID))
		s.forget(n.ConversationID)
	}
}

// Start connects to the broker, opens the user subscriptions and loads the
// first page of conversations. A failed list fetch is logged and left to the
// next refetch. Calling it again reopens every subscription.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transport.Connect(s.cfg.WSURL, s.cfg.Token, s.cfg.UserID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if s.registry.UserMessages.Key() == s.cfg.UserID {
		// started before; the transport may have dropped every subscription
		s.registry.Resubscribe()
	} else {
		s.registry.BindUser(s.cfg.UserID)
	}
	if err := s.refreshConversations(ctx); err != nil {
		s.log.Warn("initial conversation fetch failed", zap.Error(err))
	}
	s.log.Info("session started", zap.Int64("user_id", s.cfg.UserID))
	return nil
}

func (s *Session) refreshConversations(ctx context.Context) error {
	page, err := s.backend.GetConversations(ctx, 0, s.cfg.PageSize)
	if err != nil {
		return err
	}
	s.Conversations.Refresh(page.Results)
	// the open conversation is read by definition
	if active := s.reconciler.Active(); active != 0 {
		s.Conversations.MarkRead(active)
	}
	return nil
}

// activate switches the open conversation and its subscriptions in one step
func (s *Session) activate(conversationID int64) uint64 {
	s.selMu.Lock()
	defer s.selMu.Unlock()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.reconciler.SetActive(conversationID)
	s.registry.BindConversation(conversationID)
	return gen
}

// current reports whether gen still names the open conversation
func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// Open makes conversationID the active conversation: it rebinds the
// conversation subscriptions, loads the newest page and marks it read.
// Results that land after the user moved on are dropped.
func (s *Session) Open(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return s.Close(ctx)
	}
	gen := s.activate(conversationID)

	page, err := s.backend.GetMessages(ctx, conversationID, 0, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", conversationID, err)
	}
	if !s.current(gen) {
		s.log.Debug("dropping stale page", zap.Int64("conversation_id", conversationID))
		return nil
	}
	s.Messages.Load(conversationID, 0, page.Results, page.HasMore(s.cfg.PageSize))

	if err := s.backend.MarkAsRead(ctx, conversationID); err != nil {
		s.log.Warn("mark as read failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	if s.current(gen) {
		s.Conversations.MarkRead(conversationID)
	}
	return nil
}

// Close leaves the open conversation without selecting another
func (s *Session) Close(ctx context.Context) error {
	prev := s.reconciler.Active()
	s.activate(0)
	if prev != 0 {
		s.TypingUsers.Clear(prev)
		if err := s.transport.SendTyping(prev, false); err != nil {
			s.log.Debug("typing stop failed", zap.Error(err))
		}
	}
	return nil
}

// LoadOlder fetches the next page of history for the open conversation and
// reports whether more remains
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	id := s.reconciler.Active()
	if id == 0 {
		return false, ErrNoActiveConversation
	}
	if !s.Messages.HasMore(id) {
		return false, nil
	}
	next := s.Messages.NextPage(id)
	page, err := s.backend.GetMessages(ctx, id, next, s.cfg.PageSize)
	if err != nil {
		return true, fmt.Errorf("load page %d of %d: %w", next, id, err)
	}
	if !s.current(gen) {
		return false, nil
	}
	more := page.HasMore(s.cfg.PageSize)
	s.Messages.Load(id, next, page.Results, more)
	return more, nil
}

// Send posts a message to the open conversation. It shows up at once as a
// pending entry and is replaced by the server's copy, or removed on failure.
func (s *Session) Send(ctx context.Context, msgType models.MessageType, content string, att *models.Attachment) (models.Message, error) {
	id := s.reconciler.Active()
	if id == 0 {
		return models.Message{}, ErrNoActiveConversation
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if content == "" && att == nil {
		return models.Message{}, ErrEmptyMessage
	}
	clientID := uuid.NewString()
	s.Messages.AppendPending(models.Message{
		ConversationID: id,
		SenderID:       s.cfg.UserID,
		Type:           msgType,
		Content:        content,
		Attachment:     att,
		CreatedAt:      time.Now(),
		ClientID:       clientID,
	})

	msg, err := s.backend.SendMessage(ctx, id, models.SendMessageRequest{
		Type: msgType, Content: content, Attachment: att, ClientID: clientID,
	})
	if err != nil {
		s.Messages.FailPending(id, clientID)
		return models.Message{}, fmt.Errorf("send to %d: %w", id, err)
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	s.reconciler.Confirm(msg)
	return msg, nil
}

// Typing publishes the local typing state for the open conversation
func (s *Session) Typing(isTyping bool) error {
	id := s.reconciler.Active()
	if id == 0 {
		return ErrNoActiveConversation
	}
	return s.transport.SendTyping(id, isTyping)
}

// CreateConversation creates a conversation and lists it right away
func (s *Session) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error) {
	conv, err := s.backend.CreateConversation(ctx, req)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.Conversations.Upsert(conv)
	return conv, nil
}

func (s *Session) SetMuted(ctx context.Context, conversationID int64, muted bool) error {
	return s.Conversations.SetMuted(ctx, conversationID, muted, func(ctx context.Context) error {
		return s.backend.SetMuted(ctx, conversationID, muted)
	})
}

func (s *Session) SetPinned(ctx context.Context, conversationID int64, pinned bool) error {
	return s.Conversations.SetPinned(ctx, conversationID, pinned, func(ctx context.Context) error {
		return s.backend.SetPinned(ctx, conversationID, pinned)
	})
}

// Leave removes the user from a conversation and drops it locally
func (s *Session) Leave(ctx context.Context, conversationID int64) error {
	if err := s.backend.LeaveConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("leave %d: %w", conversationID, err)
	}
	s.forget(conversationID)
	return nil
}

// forget drops a conversation from every cache and deselects it if open
func (s *Session) forget(conversationID int64) {
	if s.reconciler.Active() == conversationID {
		s.Close(context.Background())
	}
	s.Conversations.Remove(conversationID)
	s.Messages.Reset(conversationID)
	s.TypingUsers.Clear(conversationID)
}

// DeleteMessage deletes one of the open conversation's messages
func (s *Session) DeleteMessage(ctx context.Context, messageID int64) error {
	id := s.reconciler.Active()
	if id == 0 {
		return ErrNoActiveConversation
	}
	if err := s.backend.DeleteMessage(ctx, id, messageID); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	s.Messages.Remove(id, messageID)
	return nil
}

// SetAtBottom records whether the message view is scrolled to the bottom
func (s *Session) SetAtBottom(v bool) {
	s.reconciler.SetAtBottom(v)
}

func (s *Session) Active() int64 {
	return s.reconciler.Active()
}

func (s *Session) Connected() bool {
	return s.transport.Connected()
}

// Notifications returns the most recent notifications, oldest first
func (s *Session) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.feed...)
}

// FlushRefetch runs a pending conversation refetch now
func (s *Session) FlushRefetch() bool {
	return s.reconciler.Flush()
}

// Stop releases every subscription and disconnects
func (s *Session) Stop() {
	s.registry.CloseAll()
	s.reconciler.Close()
	s.transport.Disconnect()
	s.log.Info("session stopped")
}
