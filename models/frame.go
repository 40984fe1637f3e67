package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FrameType identifies a broker frame
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameSend        FrameType = "send"
	FrameMessage     FrameType = "message"
	FrameConnected   FrameType = "connected"
	FrameError       FrameType = "error"
)

// Frame is the format for real-time traffic in both directions.
// ID carries the subscription id for subscribe, unsubscribe and message frames.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TypingRequest is the payload a client publishes to a typing destination
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// Topic helpers. Conversation topics are shared by members, /user topics are
// private to one user.

func ConversationTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/conversations/%d", conversationID)
}

func DeletedTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/conversations/%d/deleted", conversationID)
}

func TypingTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/conversations/%d/typing", conversationID)
}

func ReadTopic(conversationID int64) string {
	return fmt.Sprintf("/topic/conversations/%d/read", conversationID)
}

const PresenceTopic = "/topic/presence"

func UserMessagesTopic(userID int64) string {
	return fmt.Sprintf("/user/%d/queue/messages", userID)
}

func UserNotificationsTopic(userID int64) string {
	return fmt.Sprintf("/user/%d/queue/notifications", userID)
}

// TypingDestination is where clients publish their own typing state
func TypingDestination(conversationID int64) string {
	return fmt.Sprintf("/app/conversations/%d/typing", conversationID)
}

// ParseTopic splits a topic into its scope ("topic", "user" or "app"), the
// numeric id that follows the scope segment, and the remaining suffix.
// "/topic/presence" yields ("topic", 0, "presence").
func ParseTopic(topic string) (scope string, id int64, rest string, err error) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("malformed topic %q", topic)
	}
	scope = parts[0]
	switch scope {
	case "topic", "app":
		if parts[1] != "conversations" {
			return scope, 0, strings.Join(parts[1:], "/"), nil
		}
		if len(parts) < 3 {
			return "", 0, "", fmt.Errorf("malformed topic %q", topic)
		}
		id, err = strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			return "", 0, "", fmt.Errorf("malformed conversation id in %q", topic)
		}
		return scope, id, strings.Join(parts[3:], "/"), nil
	case "user":
		id, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return "", 0, "", fmt.Errorf("malformed user id in %q", topic)
		}
		return scope, id, strings.Join(parts[2:], "/"), nil
	}
	return "", 0, "", fmt.Errorf("unknown topic scope %q", scope)
}
