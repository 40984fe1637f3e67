package models

// Request bodies shared by the REST client and the backend handlers

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=20"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type CreateConversationRequest struct {
	Name      string  `json:"name" validate:"max=100"`
	MemberIDs []int64 `json:"memberIds" validate:"required,min=1,dive,gt=0"`
}

type SendMessageRequest struct {
	Type       MessageType `json:"type" validate:"omitempty,oneof=TEXT IMAGE FILE VOICE"`
	Content    string      `json:"content" validate:"max=4000"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ClientID   string      `json:"clientId,omitempty" validate:"omitempty,uuid"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

type PinRequest struct {
	Pinned bool `json:"pinned"`
}
