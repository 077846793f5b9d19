package models

import "time"

// Conversation represents a private thread between exactly two users.
// Participants are stored in ascending id order so that one row exists
// per unordered pair.
type Conversation struct {
	ID        int       `db:"id" json:"id"`
	User1ID   int       `db:"user1_id" json:"user1_id"`
	User2ID   int       `db:"user2_id" json:"user2_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// OtherParticipant returns the id of the participant that is not userID.
func (c Conversation) OtherParticipant(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ConversationSummary provides the API-friendly view of a conversation
// for one participant's conversation list.
type ConversationSummary struct {
	ConversationID int       `db:"id" json:"conversation_id"`
	OtherUserID    int       `db:"other_user_id" json:"other_user_id"`
	OtherUsername  string    `json:"other_username,omitempty"`
	LastMessage    string    `db:"last_message" json:"last_message,omitempty"`
	UnreadCount    int       `db:"unread_count" json:"unread_count"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
