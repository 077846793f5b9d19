package models

import "time"

// Message represents a chat message. Messages are append-only; the only
// mutation in normal operation is the read flag flipping false to true.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ConversationID int       `db:"conversation_id" json:"conversation_id"`
	SenderID       int       `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	Read           bool      `db:"read" json:"read"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// MessageView is a message with the sender's display name resolved
// through the user directory.
type MessageView struct {
	Message
	SenderUsername string `json:"sender_username,omitempty"`
}
