package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"

	"materoom/chat-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, userID int, otherUserID int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
	ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error)
	ListPeerIDs(ctx context.Context, userID int) ([]int, error)
	TouchConversation(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, user1_id, user2_id, created_at, updated_at`

// CreateOrGetConversation returns the conversation between two users,
// creating it if it does not exist. It is idempotent per unordered pair:
// the lookup-insert-lookup sequence together with the unique index on
// (user1_id, user2_id) converges concurrent callers on a single row.
func (r *ConversationRepo) CreateOrGetConversation(ctx context.Context, userID int, otherUserID int) (models.Conversation, error) {
	if userID == otherUserID {
		return models.Conversation{}, ErrSelfConversation
	}
	participants := []int{userID, otherUserID}
	sort.Ints(participants)
	user1, user2 := participants[0], participants[1]

	var conv models.Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user1_id=$1 AND user2_id=$2`
	err := r.db.GetContext(ctx, &conv, query, user1, user2)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	insert := `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO NOTHING
        RETURNING ` + conversationColumns
	err = r.db.GetContext(ctx, &conv, insert, user1, user2)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	// Lost the race to a concurrent creator; the row exists now.
	err = r.db.GetContext(ctx, &conv, query, user1, user2)
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, conversationID, userID)
	return exists, err
}

// ListConversations returns conversation summaries for the user, most
// recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	query := `SELECT c.id,
            CASE WHEN c.user1_id=$1 THEN c.user2_id ELSE c.user1_id END AS other_user_id,
            COALESCE((SELECT m.content FROM messages m WHERE m.conversation_id=c.id ORDER BY m.id DESC LIMIT 1), '') AS last_message,
            (SELECT COUNT(*) FROM messages m WHERE m.conversation_id=c.id AND m.sender_id<>$1 AND m.read=FALSE) AS unread_count,
            c.updated_at
        FROM conversations c
        WHERE c.user1_id=$1 OR c.user2_id=$1
        ORDER BY c.updated_at DESC`
	var summaries []models.ConversationSummary
	err := r.db.SelectContext(ctx, &summaries, query, userID)
	return summaries, err
}

// ListPeerIDs returns the ids of every user sharing at least one
// conversation with the given user. Used to scope presence broadcasts.
func (r *ConversationRepo) ListPeerIDs(ctx context.Context, userID int) ([]int, error) {
	query := `SELECT DISTINCT CASE WHEN user1_id=$1 THEN user2_id ELSE user1_id END
        FROM conversations WHERE user1_id=$1 OR user2_id=$1`
	var peers []int
	err := r.db.SelectContext(ctx, &peers, query, userID)
	return peers, err
}

// TouchConversation bumps the conversation's last-activity timestamp.
func (r *ConversationRepo) TouchConversation(ctx context.Context, conversationID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID)
	return err
}
