package models

import "time"

// PresenceEvent is broadcast when a user connects or disconnects
type PresenceEvent struct {
	UserID   int64     `json:"userId" validate:"required"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}
