package models

import (
	"cmp"
	"slices"
	"time"
)

// MessageType is the kind of content a message carries
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
	MessageTypeVoice MessageType = "VOICE"
)

// Attachment describes uploaded media attached to a message
type Attachment struct {
	URL          string `json:"url"`
	FileName     string `json:"fileName,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Message represents a chat message inside a conversation
type Message struct {
	ID             int64       `json:"id" validate:"required"`
	ConversationID int64       `json:"conversationId" validate:"required"`
	SenderID       int64       `json:"senderId" validate:"required"`
	SenderName     string      `json:"senderName,omitempty"`
	Type           MessageType `json:"type" validate:"omitempty,oneof=TEXT IMAGE FILE VOICE"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt" validate:"required"`
	Pinned         bool        `json:"pinned"`
	ReadByUserIDs  []int64     `json:"readByUserIds,omitempty"`
	ClientID       string      `json:"clientId,omitempty"` // echoed back for optimistic sends
}

// IsMedia reports whether the message type expects an attachment
func (m Message) IsMedia() bool {
	switch m.Type {
	case MessageTypeImage, MessageTypeFile, MessageTypeVoice:
		return true
	}
	return false
}

// HasValidAttachment reports whether the attachment is usable by media views
func (m Message) HasValidAttachment() bool {
	return m.Attachment != nil && m.Attachment.URL != ""
}

// IsReadBy reports whether userID appears in the read set
func (m Message) IsReadBy(userID int64) bool {
	return slices.Contains(m.ReadByUserIDs, userID)
}

// Compare orders messages by creation time, then by id
func (m Message) Compare(other Message) int {
	if c := m.CreatedAt.Compare(other.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(m.ID, other.ID)
}

// Preview returns the text shown in a conversation list for this message
func (m Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	switch m.Type {
	case MessageTypeImage:
		return "[image]"
	case MessageTypeFile:
		if m.Attachment != nil && m.Attachment.FileName != "" {
			return "[file] " + m.Attachment.FileName
		}
		return "[file]"
	case MessageTypeVoice:
		return "[voice]"
	}
	return ""
}

// MessageDeleted is pushed when a message is removed from a conversation
type MessageDeleted struct {
	ConversationID int64 `json:"conversationId" validate:"required"`
	MessageID      int64 `json:"messageId" validate:"required"`
}

// ReadReceipt is pushed when a member reads messages in a conversation
type ReadReceipt struct {
	ConversationID int64     `json:"conversationId" validate:"required"`
	UserID         int64     `json:"userId" validate:"required"`
	MessageIDs     []int64   `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}
