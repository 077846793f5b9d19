package ws

import (
	"context"
	"log"
	"strings"
	"sync"

	"materoom/chat-service/internal/directory"
	"materoom/chat-service/internal/models"
	"materoom/chat-service/internal/observability"
	"materoom/chat-service/internal/repositories"
)

// Gateway relays realtime events between live sessions. Room membership
// and relays are synchronous in-memory operations; only persistence
// calls touch the database. The Message Store stays the single source of
// truth: every message is persisted before it is relayed, so relay order
// within a conversation matches store history.
type Gateway struct {
	registry      *Registry
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         directory.UserDirectory

	sendMu    sync.Mutex
	sendLocks map[int]*sync.Mutex
}

// NewGateway constructs a Gateway around the given registry and stores.
func NewGateway(registry *Registry, conversations repositories.ConversationRepository, messages repositories.MessageRepository, users directory.UserDirectory) *Gateway {
	return &Gateway{
		registry:      registry,
		conversations: conversations,
		messages:      messages,
		users:         users,
		sendLocks:     make(map[int]*sync.Mutex),
	}
}

// conversationLock returns the conversation's send lock, creating it on
// first use.
func (g *Gateway) conversationLock(conversationID int) *sync.Mutex {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	lock, ok := g.sendLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		g.sendLocks[conversationID] = lock
	}
	return lock
}

// HandleConnect registers the session and exchanges presence. Presence
// broadcasts are scoped to users sharing at least one conversation with
// the subject rather than all connected users; the connecting session is
// also told which of its peers are currently online.
func (g *Gateway) HandleConnect(ctx context.Context, s *Session) {
	first := g.registry.Add(s)
	observability.SetOnlineUsers(g.registry.OnlineUserCount())

	peers, err := g.conversations.ListPeerIDs(ctx, s.UserID)
	if err != nil {
		log.Printf("presence: failed to list peers for user %d: %v", s.UserID, err)
		return
	}
	for _, peer := range peers {
		if first {
			for _, ps := range g.registry.SessionsForUser(peer) {
				ps.Queue(models.Event{Type: models.EventUserOnline, UserID: s.UserID})
			}
		}
		// The snapshot can exceed the send buffer in one burst; wait for
		// the write pump to drain rather than tripping the slow-consumer
		// disconnect.
		if g.registry.IsOnline(peer) {
			s.QueueWait(models.Event{Type: models.EventUserOnline, UserID: peer})
		}
	}
}

// HandleDisconnect removes the session; if it was the user's last one,
// peers sharing a conversation are told the user went offline.
func (g *Gateway) HandleDisconnect(ctx context.Context, s *Session) {
	last := g.registry.Remove(s)
	observability.SetOnlineUsers(g.registry.OnlineUserCount())
	if !last {
		return
	}

	peers, err := g.conversations.ListPeerIDs(ctx, s.UserID)
	if err != nil {
		log.Printf("presence: failed to list peers for user %d: %v", s.UserID, err)
		return
	}
	for _, peer := range peers {
		for _, ps := range g.registry.SessionsForUser(peer) {
			ps.Queue(models.Event{Type: models.EventUserOffline, UserID: s.UserID})
		}
	}
}

// Dispatch routes one inbound event. A malformed or unauthorized event
// only ever affects the originating session.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, evt models.Event) {
	observability.IncWSEvent("chat", evt.Type)
	switch evt.Type {
	case models.EventConversationJoin:
		g.handleJoin(ctx, s, evt)
	case models.EventConversationLeave:
		g.registry.Leave(evt.ConversationID, s)
	case models.EventMessageSend:
		g.handleSend(ctx, s, evt)
	case models.EventTypingStart, models.EventTypingStop:
		g.handleTyping(s, evt)
	case models.EventMessagesRead:
		g.handleRead(ctx, s, evt)
	default:
		s.Queue(models.Event{Type: models.EventError, Error: "unknown event type"})
	}
}

// handleJoin adds the session to the room after verifying the caller is
// a participant. Non-participants are rejected silently: no membership,
// no error reply.
func (g *Gateway) handleJoin(ctx context.Context, s *Session, evt models.Event) {
	if g.registry.InRoom(evt.ConversationID, s) {
		return
	}
	member, err := g.conversations.IsParticipant(ctx, evt.ConversationID, s.UserID)
	if err != nil || !member {
		return
	}
	g.registry.Join(evt.ConversationID, s)
}

func (g *Gateway) handleSend(ctx context.Context, s *Session, evt models.Event) {
	content := strings.TrimSpace(evt.Content)
	if content == "" {
		s.Queue(models.Event{Type: models.EventError, ConversationID: evt.ConversationID, Error: "message content must not be empty"})
		return
	}

	conv, err := g.conversations.GetConversation(ctx, evt.ConversationID)
	if err != nil {
		s.Queue(models.Event{Type: models.EventError, ConversationID: evt.ConversationID, Error: "conversation not found"})
		return
	}
	if !conv.HasParticipant(s.UserID) {
		return
	}

	if _, err := g.SendMessage(ctx, conv, s.UserID, content); err != nil {
		s.Queue(models.Event{Type: models.EventError, ConversationID: conv.ID, Error: "failed to store message"})
	}
}

// SendMessage persists a message and relays it to live sessions. Persist
// and relay run under a per-conversation lock so relay order within a
// conversation always matches store order, even with concurrent senders.
// Shared by the realtime and REST send paths; the caller has already
// validated content and participancy.
func (g *Gateway) SendMessage(ctx context.Context, conv models.Conversation, senderID int, content string) (models.MessageView, error) {
	lock := g.conversationLock(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := g.messages.CreateMessage(ctx, conv.ID, senderID, content)
	if err != nil {
		return models.MessageView{}, err
	}
	if err := g.conversations.TouchConversation(ctx, conv.ID); err != nil {
		log.Printf("failed to touch conversation %d: %v", conv.ID, err)
	}

	view := g.resolveView(ctx, msg)
	g.relayMessage(conv, view)
	return view, nil
}

// relayMessage delivers a persisted message: message:new to every
// session in the room, and a conversation:new-message summary to the
// participants' sessions that are not in the room, so their conversation
// lists update without joining.
func (g *Gateway) relayMessage(conv models.Conversation, view models.MessageView) {
	inRoom := make(map[*Session]bool)
	for _, sess := range g.registry.SessionsInRoom(conv.ID) {
		sess.Queue(models.Event{Type: models.EventMessageNew, ConversationID: conv.ID, Message: &view})
		inRoom[sess] = true
	}

	for _, userID := range []int{conv.User1ID, conv.User2ID} {
		for _, sess := range g.registry.SessionsForUser(userID) {
			if inRoom[sess] {
				continue
			}
			sess.Queue(models.Event{Type: models.EventConversationNewMessage, ConversationID: conv.ID, Message: &view})
		}
	}
}

// handleTyping relays typing state to the other participant's sessions
// in the room. Typing is never persisted.
func (g *Gateway) handleTyping(s *Session, evt models.Event) {
	if !g.registry.InRoom(evt.ConversationID, s) {
		return
	}
	for _, sess := range g.registry.SessionsInRoom(evt.ConversationID) {
		if sess.UserID == s.UserID {
			continue
		}
		sess.Queue(models.Event{Type: evt.Type, ConversationID: evt.ConversationID, UserID: s.UserID})
	}
}

func (g *Gateway) handleRead(ctx context.Context, s *Session, evt models.Event) {
	conv, err := g.conversations.GetConversation(ctx, evt.ConversationID)
	if err != nil {
		s.Queue(models.Event{Type: models.EventError, ConversationID: evt.ConversationID, Error: "conversation not found"})
		return
	}
	if !conv.HasParticipant(s.UserID) {
		return
	}

	flipped, err := g.messages.MarkMessagesRead(ctx, conv.ID, s.UserID, evt.MessageIDs)
	if err != nil {
		s.Queue(models.Event{Type: models.EventError, ConversationID: conv.ID, Error: "failed to mark messages read"})
		return
	}
	if len(flipped) == 0 {
		return
	}
	g.RelayRead(conv, s.UserID, flipped)
}

// RelayRead notifies the other participant's sessions in the room which
// message ids the reader acknowledged. Also used by the REST path.
func (g *Gateway) RelayRead(conv models.Conversation, readerID int, messageIDs []int) {
	other := conv.OtherParticipant(readerID)
	for _, sess := range g.registry.SessionsInRoom(conv.ID) {
		if sess.UserID != other {
			continue
		}
		sess.Queue(models.Event{Type: models.EventMessagesRead, ConversationID: conv.ID, MessageIDs: messageIDs, UserID: readerID})
	}
}

// resolveView attaches the sender's display name to a message. Directory
// failures are not fatal to delivery; the message relays without a name.
func (g *Gateway) resolveView(ctx context.Context, msg models.Message) models.MessageView {
	view := models.MessageView{Message: msg}
	user, err := g.users.GetUser(ctx, msg.SenderID)
	if err != nil {
		log.Printf("failed to resolve sender %d: %v", msg.SenderID, err)
		return view
	}
	view.SenderUsername = user.Username
	return view
}
