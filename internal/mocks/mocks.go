package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"materoom/chat-service/internal/auth"
	"materoom/chat-service/internal/directory"
	"materoom/chat-service/internal/models"
	"materoom/chat-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateOrGetConversation(ctx context.Context, userID int, otherUserID int) (models.Conversation, error) {
	args := m.Called(ctx, userID, otherUserID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ListPeerIDs(ctx context.Context, userID int) ([]int, error) {
	args := m.Called(ctx, userID)
	var peers []int
	if val := args.Get(0); val != nil {
		peers = val.([]int)
	}
	return peers, args.Error(1)
}

func (m *ConversationRepositoryMock) TouchConversation(ctx context.Context, conversationID int) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, conversationID int, senderID int, content string) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkMessagesRead(ctx context.Context, conversationID int, readerID int, messageIDs []int) ([]int, error) {
	args := m.Called(ctx, conversationID, readerID, messageIDs)
	var flipped []int
	if val := args.Get(0); val != nil {
		flipped = val.([]int)
	}
	return flipped, args.Error(1)
}

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) GetUser(ctx context.Context, userID int) (directory.User, error) {
	args := m.Called(ctx, userID)
	var user directory.User
	if val := args.Get(0); val != nil {
		user = val.(directory.User)
	}
	return user, args.Error(1)
}

func (m *UserDirectoryMock) BulkUsers(ctx context.Context, ids []int) ([]directory.User, error) {
	args := m.Called(ctx, ids)
	var users []directory.User
	if val := args.Get(0); val != nil {
		users = val.([]directory.User)
	}
	return users, args.Error(1)
}

type TokenVerifierMock struct {
	mock.Mock
}

func (m *TokenVerifierMock) Verify(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ directory.UserDirectory = (*UserDirectoryMock)(nil)
var _ auth.TokenVerifier = (*TokenVerifierMock)(nil)
