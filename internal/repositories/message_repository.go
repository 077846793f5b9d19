package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"materoom/chat-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID int, senderID int, content string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID int, readerID int, messageIDs []int) ([]int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, read, created_at`

// CreateMessage stores a message in a conversation.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID int, senderID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content) VALUES ($1, $2, $3) RETURNING `+messageColumns, conversationID, senderID, content).
		Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Read, &msg.CreatedAt)
	return msg, err
}

// ListMessages returns the conversation's messages ordered by id, which
// is insertion order and therefore matches relay order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY id ASC`, conversationID)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkMessagesRead flips the read flag on messages addressed to the
// reader. With an empty id list every unread message in the conversation
// addressed to the reader is marked; otherwise only the listed ids are.
// Returns the ids that actually transitioned, so the caller can relay an
// exact read receipt.
func (r *MessageRepo) MarkMessagesRead(ctx context.Context, conversationID int, readerID int, messageIDs []int) ([]int, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(messageIDs) == 0 {
		rows, err = r.db.QueryContext(ctx, `UPDATE messages SET read=TRUE
            WHERE conversation_id=$1 AND sender_id<>$2 AND read=FALSE RETURNING id`, conversationID, readerID)
	} else {
		rows, err = r.db.QueryContext(ctx, `UPDATE messages SET read=TRUE
            WHERE conversation_id=$1 AND sender_id<>$2 AND read=FALSE AND id=ANY($3) RETURNING id`, conversationID, readerID, pq.Array(messageIDs))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flipped []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		flipped = append(flipped, id)
	}
	return flipped, rows.Err()
}
