package registry

import (
	"sync"
	"sync/atomic"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// SubscribeFunc opens a subscription for key and returns its unsubscribe func
type SubscribeFunc[T any] func(key int64, h func(T)) func()

// Binding keeps at most one live subscription for the key it is bound to.
// The handler sits behind an atomic cell, so swapping it never resubscribes.
type Binding[T any] struct {
	subscribe SubscribeFunc[T]
	handler   atomic.Pointer[func(T)]

	mu     sync.Mutex
	key    int64
	unsub  func()
	closed bool
}

// NewBinding creates an unbound binding
func NewBinding[T any](subscribe SubscribeFunc[T], h func(T)) *Binding[T] {
	b := &Binding[T]{subscribe: subscribe}
	b.SetHandler(h)
	return b
}

// SetHandler replaces the handler that receives future events
func (b *Binding[T]) SetHandler(h func(T)) {
	b.handler.Store(&h)
}

func (b *Binding[T]) forward(v T) {
	if h := b.handler.Load(); h != nil && *h != nil {
		(*h)(v)
	}
}

// Bind moves the binding to key. The old subscription is released before the
// new one opens. Binding to the current key is a no-op; key 0 unbinds.
func (b *Binding[T]) Bind(key int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || key == b.key {
		return
	}
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.key = key
	if key != 0 {
		b.unsub = b.subscribe(key, b.forward)
	}
}

// Rebind drops the current subscription and opens it again for the same
// key. Use it after the source lost its subscriptions, e.g. when the
// transport switched identity.
func (b *Binding[T]) Rebind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.key == 0 {
		return
	}
	if b.unsub != nil {
		b.unsub()
	}
	b.unsub = b.subscribe(b.key, b.forward)
}

// Key returns the bound key, 0 when unbound
func (b *Binding[T]) Key() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Close unbinds for good; later Bind calls are ignored
func (b *Binding[T]) Close() {
	b.Bind(0)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Source is the set of typed subscriptions a Registry needs.
// *transport.Client satisfies it.
type Source interface {
	SubscribeToConversation(conversationID int64, fn func(models.Message)) func()
	SubscribeToMessageDeletes(conversationID int64, fn func(models.MessageDeleted)) func()
	SubscribeToTyping(conversationID int64, fn func(models.TypingStatus)) func()
	SubscribeToReadReceipts(conversationID int64, fn func(models.ReadReceipt)) func()
	SubscribeToUserMessages(userID int64, fn func(models.Message)) func()
	SubscribeToNotifications(userID int64, fn func(models.Notification)) func()
	SubscribeToPresence(fn func(models.PresenceEvent)) func()
}

// Handlers are the callbacks a Registry forwards to. Nil entries are skipped.
type Handlers struct {
	Message      func(models.Message)
	Delete       func(models.MessageDeleted)
	Typing       func(models.TypingStatus)
	Read         func(models.ReadReceipt)
	UserMessage  func(models.Message)
	Notification func(models.Notification)
	Presence     func(models.PresenceEvent)
}

// Registry groups the conversation-scoped and user-scoped bindings of one view
type Registry struct {
	Messages      *Binding[models.Message]
	Deletes       *Binding[models.MessageDeleted]
	Typing        *Binding[models.TypingStatus]
	Reads         *Binding[models.ReadReceipt]
	UserMessages  *Binding[models.Message]
	Notifications *Binding[models.Notification]
	Presence      *Binding[models.PresenceEvent]
}

// New builds unbound bindings over src
func New(src Source, h Handlers) *Registry {
	return &Registry{
		Messages:      NewBinding(src.SubscribeToConversation, h.Message),
		Deletes:       NewBinding(src.SubscribeToMessageDeletes, h.Delete),
		Typing:        NewBinding(src.SubscribeToTyping, h.Typing),
		Reads:         NewBinding(src.SubscribeToReadReceipts, h.Read),
		UserMessages:  NewBinding(src.SubscribeToUserMessages, h.UserMessage),
		Notifications: NewBinding(src.SubscribeToNotifications, h.Notification),
		// presence is global; any non-zero key means subscribed
		Presence: NewBinding(func(_ int64, fn func(models.PresenceEvent)) func() {
			return src.SubscribeToPresence(fn)
		}, h.Presence),
	}
}

// BindConversation points every conversation binding at id (0 unbinds)
func (r *Registry) BindConversation(id int64) {
	r.Messages.Bind(id)
	r.Deletes.Bind(id)
	r.Typing.Bind(id)
	r.Reads.Bind(id)
}

// BindUser points the user bindings at userID (0 unbinds)
func (r *Registry) BindUser(userID int64) {
	r.UserMessages.Bind(userID)
	r.Notifications.Bind(userID)
	r.Presence.Bind(userID)
}

// Resubscribe reopens every bound subscription on its current key
func (r *Registry) Resubscribe() {
	r.Messages.Rebind()
	r.Deletes.Rebind()
	r.Typing.Rebind()
	r.Reads.Rebind()
	r.UserMessages.Rebind()
	r.Notifications.Rebind()
	r.Presence.Rebind()
}

// CloseAll releases every subscription
func (r *Registry) CloseAll() {
	r.Messages.Close()
	r.Deletes.Close()
	r.Typing.Close()
	r.Reads.Close()
	r.UserMessages.Close()
	r.Notifications.Close()
	r.Presence.Close()
}
