package transport

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// subscribeJSON decodes and validates payloads before they reach fn.
// Payloads that fail either step are logged and dropped.
func subscribeJSON[T any](c *Client, topic string, fn func(T)) func() {
	return c.Subscribe(topic, func(payload json.RawMessage) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			c.log.Warn("dropping unparseable payload", zap.String("topic", topic), zap.Error(err))
			metrics.DroppedFrames.WithLabelValues("unparseable").Inc()
			return
		}
		if err := validate.Struct(v); err != nil {
			c.log.Warn("dropping invalid payload", zap.String("topic", topic), zap.Error(err))
			metrics.DroppedFrames.WithLabelValues("invalid").Inc()
			return
		}
		fn(v)
	})
}

// SubscribeToConversation delivers new messages posted to a conversation
func (c *Client) SubscribeToConversation(conversationID int64, fn func(models.Message)) func() {
	return subscribeJSON(c, models.ConversationTopic(conversationID), fn)
}

// SubscribeToMessageDeletes delivers message removals in a conversation
func (c *Client) SubscribeToMessageDeletes(conversationID int64, fn func(models.MessageDeleted)) func() {
	return subscribeJSON(c, models.DeletedTopic(conversationID), fn)
}

// SubscribeToTyping delivers typing indicators of other members
func (c *Client) SubscribeToTyping(conversationID int64, fn func(models.TypingStatus)) func() {
	return subscribeJSON(c, models.TypingTopic(conversationID), fn)
}

// SubscribeToReadReceipts delivers read receipts in a conversation
func (c *Client) SubscribeToReadReceipts(conversationID int64, fn func(models.ReadReceipt)) func() {
	return subscribeJSON(c, models.ReadTopic(conversationID), fn)
}

// SubscribeToUserMessages delivers messages from every conversation userID belongs to
func (c *Client) SubscribeToUserMessages(userID int64, fn func(models.Message)) func() {
	return subscribeJSON(c, models.UserMessagesTopic(userID), fn)
}

// SubscribeToNotifications delivers personal notifications for userID
func (c *Client) SubscribeToNotifications(userID int64, fn func(models.Notification)) func() {
	return subscribeJSON(c, models.UserNotificationsTopic(userID), fn)
}

// SubscribeToPresence delivers online/offline changes
func (c *Client) SubscribeToPresence(fn func(models.PresenceEvent)) func() {
	return subscribeJSON(c, models.PresenceTopic, fn)
}
