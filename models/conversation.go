package models

import "time"

// Conversation is the summary shown in the conversation list
type Conversation struct {
	ID              int64     `json:"id" validate:"required"`
	Name            string    `json:"name"`
	AvatarURL       string    `json:"avatarUrl,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount" validate:"gte=0"`
	Pinned          bool      `json:"pinned"`
	Muted           bool      `json:"muted"`
}

// TypingStatus is an ephemeral, conversation scoped typing indicator
type TypingStatus struct {
	ConversationID int64  `json:"conversationId" validate:"required"`
	UserID         int64  `json:"userId" validate:"required"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// Notification is a personal notification pushed to a single user
type Notification struct {
	ID             string    `json:"id" validate:"required"`
	Kind           string    `json:"kind" validate:"required"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ConversationID int64     `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Notification kinds emitted by the backend
const (
	NotificationNewMessage   = "NEW_MESSAGE"
	NotificationAddedToGroup = "ADDED_TO_GROUP"
	NotificationRemoved      = "REMOVED_FROM_GROUP"
)
