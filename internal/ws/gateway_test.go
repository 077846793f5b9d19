package ws

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"materoom/chat-service/internal/directory"
	"materoom/chat-service/internal/mocks"
	"materoom/chat-service/internal/models"
)

type gatewayFixture struct {
	gateway       *Gateway
	registry      *Registry
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	users         *mocks.UserDirectoryMock
}

func newGatewayFixture() *gatewayFixture {
	conversations := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	users := new(mocks.UserDirectoryMock)
	registry := NewRegistry()
	return &gatewayFixture{
		gateway:       NewGateway(registry, conversations, messages, users),
		registry:      registry,
		conversations: conversations,
		messages:      messages,
		users:         users,
	}
}

// drain collects everything currently queued on a session.
func drain(s *Session) []models.Event {
	var events []models.Event
	for {
		select {
		case evt := <-s.send:
			events = append(events, evt)
		default:
			return events
		}
	}
}

func TestJoinRejectsNonParticipantSilently(t *testing.T) {
	f := newGatewayFixture()
	s := testSession(5)
	f.registry.Add(s)

	f.conversations.On("IsParticipant", mock.Anything, 10, 5).Return(false, nil)

	f.gateway.handleJoin(context.Background(), s, models.Event{Type: models.EventConversationJoin, ConversationID: 10})

	assert.False(t, f.registry.InRoom(10, s))
	assert.Empty(t, drain(s), "rejection must not produce an error event")
	f.conversations.AssertExpectations(t)
}

func TestJoinParticipant(t *testing.T) {
	f := newGatewayFixture()
	s := testSession(1)
	f.registry.Add(s)

	f.conversations.On("IsParticipant", mock.Anything, 10, 1).Return(true, nil)

	f.gateway.handleJoin(context.Background(), s, models.Event{Type: models.EventConversationJoin, ConversationID: 10})
	require.True(t, f.registry.InRoom(10, s))

	// A second join is a no-op and must not hit the store again.
	f.gateway.handleJoin(context.Background(), s, models.Event{Type: models.EventConversationJoin, ConversationID: 10})
	f.conversations.AssertNumberOfCalls(t, "IsParticipant", 1)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	f := newGatewayFixture()
	s := testSession(1)
	f.registry.Add(s)

	f.gateway.handleSend(context.Background(), s, models.Event{Type: models.EventMessageSend, ConversationID: 10, Content: "   "})

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendIgnoresNonParticipantSilently(t *testing.T) {
	f := newGatewayFixture()
	s := testSession(9)
	f.registry.Add(s)

	conv := models.Conversation{ID: 10, User1ID: 1, User2ID: 2}
	f.conversations.On("GetConversation", mock.Anything, 10).Return(conv, nil)

	f.gateway.handleSend(context.Background(), s, models.Event{Type: models.EventMessageSend, ConversationID: 10, Content: "hi"})

	assert.Empty(t, drain(s))
	f.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendPersistsThenRelays(t *testing.T) {
	f := newGatewayFixture()
	sender := testSession(1)
	inRoom := testSession(2)
	outOfRoom := testSession(2)
	stranger := testSession(3)
	for _, s := range []*Session{sender, inRoom, outOfRoom, stranger} {
		f.registry.Add(s)
	}
	f.registry.Join(10, sender)
	f.registry.Join(10, inRoom)

	conv := models.Conversation{ID: 10, User1ID: 1, User2ID: 2}
	msg := models.Message{ID: 42, ConversationID: 10, SenderID: 1, Content: "hello"}
	f.conversations.On("GetConversation", mock.Anything, 10).Return(conv, nil)
	f.messages.On("CreateMessage", mock.Anything, 10, 1, "hello").Return(msg, nil)
	f.conversations.On("TouchConversation", mock.Anything, 10).Return(nil)
	f.users.On("GetUser", mock.Anything, 1).Return(directory.User{ID: 1, Username: "alice"}, nil)

	f.gateway.handleSend(context.Background(), sender, models.Event{Type: models.EventMessageSend, ConversationID: 10, Content: "hello"})

	// Both room members, sender included, get the full message.
	for _, s := range []*Session{sender, inRoom} {
		events := drain(s)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventMessageNew, events[0].Type)
		require.NotNil(t, events[0].Message)
		assert.Equal(t, 42, events[0].Message.ID)
		assert.Equal(t, "alice", events[0].Message.SenderUsername)
	}

	// The participant session outside the room gets a list update.
	events := drain(outOfRoom)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventConversationNewMessage, events[0].Type)

	// Third parties get nothing.
	assert.Empty(t, drain(stranger))
	f.messages.AssertExpectations(t)
}

func TestSendStoreFailure(t *testing.T) {
	f := newGatewayFixture()
	s := testSession(1)
	f.registry.Add(s)

	conv := models.Conversation{ID: 10, User1ID: 1, User2ID: 2}
	f.conversations.On("GetConversation", mock.Anything, 10).Return(conv, nil)
	f.messages.On("CreateMessage", mock.Anything, 10, 1, "hello").Return(models.Message{}, errors.New("db down"))

	f.gateway.handleSend(context.Background(), s, models.Event{Type: models.EventMessageSend, ConversationID: 10, Content: "hello"})

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
}

func TestTypingRelayedOnlyToOthersInRoom(t *testing.T) {
	f := newGatewayFixture()
	typer := testSession(1)
	peer := testSession(2)
	absent := testSession(2)
	for _, s := range []*Session{typer, peer, absent} {
		f.registry.Add(s)
	}
	f.registry.Join(10, typer)
	f.registry.Join(10, peer)

	f.gateway.handleTyping(typer, models.Event{Type: models.EventTypingStart, ConversationID: 10})

	events := drain(peer)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypingStart, events[0].Type)
	assert.Equal(t, 1, events[0].UserID)

	assert.Empty(t, drain(typer), "typing must not echo to the typist")
	assert.Empty(t, drain(absent), "typing is only visible inside the room")
}

func TestTypingRequiresRoomMembership(t *testing.T) {
	f := newGatewayFixture()
	typer := testSession(1)
	peer := testSession(2)
	f.registry.Add(typer)
	f.registry.Add(peer)
	f.registry.Join(10, peer)

	f.gateway.handleTyping(typer, models.Event{Type: models.EventTypingStart, ConversationID: 10})
	assert.Empty(t, drain(peer))
}

func TestReadReceiptRelaysFlippedIDs(t *testing.T) {
	f := newGatewayFixture()
	reader := testSession(2)
	author := testSession(1)
	f.registry.Add(reader)
	f.registry.Add(author)
	f.registry.Join(10, reader)
	f.registry.Join(10, author)

	conv := models.Conversation{ID: 10, User1ID: 1, User2ID: 2}
	f.conversations.On("GetConversation", mock.Anything, 10).Return(conv, nil)
	f.messages.On("MarkMessagesRead", mock.Anything, 10, 2, []int(nil)).Return([]int{5, 6}, nil)

	f.gateway.handleRead(context.Background(), reader, models.Event{Type: models.EventMessagesRead, ConversationID: 10})

	events := drain(author)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessagesRead, events[0].Type)
	assert.Equal(t, []int{5, 6}, events[0].MessageIDs)
	assert.Equal(t, 2, events[0].UserID)

	assert.Empty(t, drain(reader), "the reader gets no receipt for their own acknowledgement")
}

func TestReadReceiptSuppressedWhenNothingFlipped(t *testing.T) {
	f := newGatewayFixture()
	reader := testSession(2)
	author := testSession(1)
	f.registry.Add(reader)
	f.registry.Add(author)
	f.registry.Join(10, author)

	conv := models.Conversation{ID: 10, User1ID: 1, User2ID: 2}
	f.conversations.On("GetConversation", mock.Anything, 10).Return(conv, nil)
	f.messages.On("MarkMessagesRead", mock.Anything, 10, 2, []int(nil)).Return([]int{}, nil)

	f.gateway.handleRead(context.Background(), reader, models.Event{Type: models.EventMessagesRead, ConversationID: 10})
	assert.Empty(t, drain(author))
}

func TestPresenceScopedToPeers(t *testing.T) {
	f := newGatewayFixture()
	peer := testSession(2)
	stranger := testSession(3)
	f.registry.Add(peer)
	f.registry.Add(stranger)

	f.conversations.On("ListPeerIDs", mock.Anything, 1).Return([]int{2}, nil)

	connecting := testSession(1)
	f.gateway.HandleConnect(context.Background(), connecting)

	events := drain(peer)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserOnline, events[0].Type)
	assert.Equal(t, 1, events[0].UserID)

	assert.Empty(t, drain(stranger), "presence only reaches users sharing a conversation")

	// The connecting session learns which peers are already online.
	events = drain(connecting)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserOnline, events[0].Type)
	assert.Equal(t, 2, events[0].UserID)
}

func TestSecondSessionDoesNotRebroadcastOnline(t *testing.T) {
	f := newGatewayFixture()
	peer := testSession(2)
	f.registry.Add(peer)

	f.conversations.On("ListPeerIDs", mock.Anything, 1).Return([]int{2}, nil)

	first := testSession(1)
	second := testSession(1)
	f.gateway.HandleConnect(context.Background(), first)
	drain(peer)

	f.gateway.HandleConnect(context.Background(), second)
	assert.Empty(t, drain(peer), "an additional session must not re-announce online")

	// Dropping one of two sessions must not announce offline either.
	f.gateway.HandleDisconnect(context.Background(), first)
	assert.Empty(t, drain(peer))

	f.gateway.HandleDisconnect(context.Background(), second)
	events := drain(peer)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUserOffline, events[0].Type)
}

// serialMessageStore hands out ids in arrival order, the way the store's
// serial column does.
type serialMessageStore struct {
	mu   sync.Mutex
	next int
}

func (s *serialMessageStore) CreateMessage(_ context.Context, conversationID, senderID int, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return models.Message{ID: s.next, ConversationID: conversationID, SenderID: senderID, Content: content}, nil
}

func (s *serialMessageStore) ListMessages(context.Context, int) ([]models.Message, error) {
	return nil, nil
}

func (s *serialMessageStore) GetMessage(context.Context, int) (models.Message, error) {
	return models.Message{}, nil
}

func (s *serialMessageStore) MarkMessagesRead(context.Context, int, int, []int) ([]int, error) {
	return nil, nil
}

func TestConcurrentSendsRelayInStoreOrder(t *testing.T) {
	conversations := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserDirectoryMock)
	store := &serialMessageStore{}
	registry := NewRegistry()
	gateway := NewGateway(registry, conversations, store, users)

	receiver := testSession(2)
	registry.Add(receiver)
	registry.Join(10, receiver)

	conv := models.Conversation{ID: 10, User1ID: 1, User2ID: 2}
	conversations.On("TouchConversation", mock.Anything, 10).Return(nil)
	users.On("GetUser", mock.Anything, 1).Return(directory.User{ID: 1, Username: "alice"}, nil)

	const sends = 20
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gateway.SendMessage(context.Background(), conv, 1, "hi")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Relay order within a conversation must match store order.
	events := drain(receiver)
	require.Len(t, events, sends)
	for i, evt := range events {
		require.NotNil(t, evt.Message)
		assert.Equal(t, i+1, evt.Message.ID)
	}
}

func TestDispatchUnknownEvent(t *testing.T) {
	f := newGatewayFixture()
	s := testSession(1)
	f.registry.Add(s)

	f.gateway.Dispatch(context.Background(), s, models.Event{Type: "bogus"})

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
}
