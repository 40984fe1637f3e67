package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/cache"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// Outcome is the path a pushed message took
type Outcome int

const (
	Duplicate Outcome = iota
	Active
	OwnMessage
	Unread
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Active:
		return "active"
	case OwnMessage:
		return "own"
	case Unread:
		return "unread"
	}
	return "unknown"
}

// Config tunes a Reconciler. Zero values fall back to defaults.
type Config struct {
	LocalUserID    int64
	Window         int           // recent ids kept for dedup, default 100
	Debounce       time.Duration // quiet period before a list refetch, default 300ms
	RefetchTimeout time.Duration // default 10s
	// Refetch reloads the conversation list; nil disables refetching
	Refetch func(ctx context.Context) error
	// OnScroll is called after an active-conversation append that should
	// scroll the view
	OnScroll func(models.Message)
	Logger   *zap.Logger
}

// Reconciler routes every inbound message to the message cache, the
// conversation previews or the unread counters
type Reconciler struct {
	cfg      Config
	log      *zap.Logger
	messages *cache.MessageCache
	convs    *cache.ConversationCache
	refetch  *Debouncer
	atBottom atomic.Bool

	mu     sync.Mutex
	active int64
	seen   *RecentIDs
}

func New(messages *cache.MessageCache, convs *cache.ConversationCache, cfg Config) *Reconciler {
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.RefetchTimeout <= 0 {
		cfg.RefetchTimeout = 10 * time.Second
	}
	r := &Reconciler{
		cfg:      cfg,
		log:      logging.OrNop(cfg.Logger).Named("reconcile"),
		messages: messages,
		convs:    convs,
		seen:     NewRecentIDs(cfg.Window),
	}
	r.atBottom.Store(true)
	r.refetch = NewDebouncer(cfg.Debounce, r.runRefetch)
	return r
}

func (r *Reconciler) runRefetch() {
	if r.cfg.Refetch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RefetchTimeout)
	defer cancel()
	// stale until the next push or refetch; no retry
	if err := r.cfg.Refetch(ctx); err != nil {
		r.log.Warn("conversation refetch failed", zap.Error(err))
	}
}

// HandleMessage applies one pushed message
func (r *Reconciler) HandleMessage(msg models.Message) Outcome {
	var (
		outcome Outcome
		scroll  bool
	)

	r.mu.Lock()
	switch {
	case !r.seen.Add(msg.ID):
		outcome = Duplicate
	case msg.ConversationID == r.active:
		_, scroll = r.messages.AppendLive(msg, r.atBottom.Load())
		r.convs.ApplyMessage(msg, false)
		outcome = Active
	case msg.SenderID == r.cfg.LocalUserID:
		r.convs.ApplyMessage(msg, false)
		outcome = OwnMessage
	default:
		r.convs.ApplyMessage(msg, true)
		r.refetch.Trigger()
		outcome = Unread
	}
	r.mu.Unlock()

	metrics.PushEvents.WithLabelValues(outcome.String()).Inc()
	r.log.Debug("push message",
		zap.Int64("message_id", msg.ID),
		zap.Int64("conversation_id", msg.ConversationID),
		zap.Stringer("outcome", outcome))

	if scroll && r.cfg.OnScroll != nil {
		r.cfg.OnScroll(msg)
	}
	return outcome
}

// Confirm records the server's copy of a message sent from this session.
// A later push echo of the same id is a duplicate.
func (r *Reconciler) Confirm(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen.Add(msg.ID)
	r.messages.Confirm(msg)
	r.convs.ApplyMessage(msg, false)
}

// HandleDelete evicts a deleted message
func (r *Reconciler) HandleDelete(ev models.MessageDeleted) bool {
	return r.messages.Remove(ev.ConversationID, ev.MessageID)
}

// HandleReadReceipt marks messages read by a member. A receipt from the
// local user (another device) clears the conversation's unread counter.
func (r *Reconciler) HandleReadReceipt(rc models.ReadReceipt) {
	r.messages.ApplyReadReceipt(rc)
	if rc.UserID == r.cfg.LocalUserID {
		r.convs.MarkRead(rc.ConversationID)
	}
}

// SetActive changes the open conversation (0 for none). It takes the routing
// lock, so no message is routed against a stale value.
func (r *Reconciler) SetActive(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = conversationID
}

func (r *Reconciler) Active() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetAtBottom tells the scroll policy whether the view is at the bottom
func (r *Reconciler) SetAtBottom(v bool) {
	r.atBottom.Store(v)
}

// Flush runs a pending refetch immediately
func (r *Reconciler) Flush() bool {
	return r.refetch.Flush()
}

// Close cancels any pending refetch
func (r *Reconciler) Close() {
	r.refetch.Stop()
}
