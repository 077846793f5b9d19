package models

// Realtime event names. The same taxonomy is used for frames arriving
// from clients and frames relayed to them.
const (
	EventConversationJoin       = "conversation:join"
	EventConversationLeave      = "conversation:leave"
	EventMessageSend            = "message:send"
	EventMessageNew             = "message:new"
	EventConversationNewMessage = "conversation:new-message"
	EventTypingStart            = "typing:start"
	EventTypingStop             = "typing:stop"
	EventMessagesRead           = "messages:read"
	EventUserOnline             = "user:online"
	EventUserOffline            = "user:offline"
	EventError                  = "error"
)

// Event is the wire frame exchanged over the realtime channel. Only the
// fields relevant to the given Type are populated.
type Event struct {
	Type           string       `json:"type"`
	ConversationID int          `json:"conversation_id,omitempty"`
	Content        string       `json:"content,omitempty"`
	Message        *MessageView `json:"message,omitempty"`
	MessageIDs     []int        `json:"message_ids,omitempty"`
	UserID         int          `json:"user_id,omitempty"`
	Error          string       `json:"error,omitempty"`
}
