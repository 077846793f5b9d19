package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"materoom/chat-service/internal/models"
)

// Defaults preserve the production web client's timing behavior.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultInitialRetryDelay = 1 * time.Second
	DefaultMaxRetryDelay     = 5 * time.Second
	DefaultMaxRetryAttempts  = 5
	DefaultPollInterval      = 3 * time.Second
	DefaultTypingIdle        = 2 * time.Second
)

var ErrEmptyContent = errors.New("message content must not be empty")

// State is the connection state of the realtime channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Client.
type Options struct {
	// BaseURL is the chat service's REST root, e.g. http://localhost:8083.
	BaseURL string
	// WSURL is the realtime endpoint; derived from BaseURL when empty.
	WSURL string
	// Token is the bearer credential issued at login.
	Token string
	// UserID is the authenticated user's own id, used to attribute
	// unread counts and read receipts locally.
	UserID int

	HandshakeTimeout  time.Duration
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	MaxRetryAttempts  int
	PollInterval      time.Duration
	TypingIdle        time.Duration

	HTTPClient *http.Client
	// OnEvent, when set, observes every event applied to local state.
	OnEvent func(models.Event)
}

// Client reconciles a participant's local view of conversations and
// messages against both the realtime event stream and REST polling. When
// the realtime channel is unavailable it degrades to polling and REST
// sends while reconnection continues in the background.
type Client struct {
	opts Options
	http *http.Client

	state    atomic.Int32
	degraded atomic.Bool

	mu            sync.Mutex
	conn          *websocket.Conn
	writeMu       sync.Mutex
	conversations map[int]models.ConversationSummary
	messages      map[int]map[int]models.MessageView
	typing        map[int]map[int]bool
	online        map[int]bool
	typingTimers  map[int]*time.Timer
	active        int
}

// New builds a Client. Zero option fields fall back to the defaults.
func New(opts Options) *Client {
	if opts.WSURL == "" {
		opts.WSURL = strings.Replace(opts.BaseURL, "http", "ws", 1) + "/ws"
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.InitialRetryDelay == 0 {
		opts.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if opts.MaxRetryDelay == 0 {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TypingIdle == 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		opts:          opts,
		http:          httpClient,
		conversations: make(map[int]models.ConversationSummary),
		messages:      make(map[int]map[int]models.MessageView),
		typing:        make(map[int]map[int]bool),
		online:        make(map[int]bool),
		typingTimers:  make(map[int]*time.Timer),
	}
}

// Start launches the connection and polling loops. Both stop when ctx is
// cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.connectLoop(ctx)
	go c.pollLoop(ctx)
}

// State returns the realtime channel state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Degraded reports whether the client has exhausted its bounded
// reconnect attempts and switched the user-visible mode to polling.
// Reconnection keeps running in the background regardless.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// connectLoop drives the disconnected -> connecting -> connected state
// machine with exponential backoff between attempts.
func (c *Client) connectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialRetryDelay
	bo.MaxInterval = c.opts.MaxRetryDelay
	bo.MaxElapsedTime = 0

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			failures++
			if failures >= c.opts.MaxRetryAttempts && !c.degraded.Load() {
				log.Printf("syncclient: realtime unreachable after %d attempts, degrading to polling", failures)
				c.degraded.Store(true)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		failures = 0
		bo.Reset()
		c.degraded.Store(false)
		c.mu.Lock()
		c.conn = conn
		active := c.active
		c.mu.Unlock()
		c.setState(StateConnected)

		if active != 0 {
			_ = c.writeEvent(models.Event{Type: models.EventConversationJoin, ConversationID: active})
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
	conn, resp, err := dialer.DialContext(ctx, c.opts.WSURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		var evt models.Event
		if err := conn.ReadJSON(&evt); err != nil {
			conn.Close()
			return
		}
		c.applyEvent(evt)
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) writeEvent(evt models.Event) error {
	conn := c.currentConn()
	if conn == nil {
		return errors.New("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(evt)
}

// applyEvent folds one realtime event into local state.
func (c *Client) applyEvent(evt models.Event) {
	switch evt.Type {
	case models.EventMessageNew, models.EventConversationNewMessage:
		if evt.Message != nil {
			c.mergeMessage(*evt.Message)
			c.bumpSummary(*evt.Message)
			// A send clears the sender's typing state.
			c.setTyping(evt.Message.ConversationID, evt.Message.SenderID, false)
		}
	case models.EventMessagesRead:
		c.markLocalRead(evt.ConversationID, evt.MessageIDs)
	case models.EventTypingStart:
		c.setTyping(evt.ConversationID, evt.UserID, true)
	case models.EventTypingStop:
		c.setTyping(evt.ConversationID, evt.UserID, false)
	case models.EventUserOnline:
		c.setOnline(evt.UserID, true)
	case models.EventUserOffline:
		c.setOnline(evt.UserID, false)
	}

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(evt)
	}
}

// mergeMessage upserts a message by id. The local list never holds two
// entries with the same message id no matter how many delivery paths
// carried it; the read flag only ever moves forward.
func (c *Client) mergeMessage(view models.MessageView) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.messages[view.ConversationID]
	if !ok {
		byID = make(map[int]models.MessageView)
		c.messages[view.ConversationID] = byID
	}
	if existing, seen := byID[view.ID]; seen {
		view.Read = view.Read || existing.Read
		if view.SenderUsername == "" {
			view.SenderUsername = existing.SenderUsername
		}
		byID[view.ID] = view
		return false
	}
	byID[view.ID] = view
	return true
}

func (c *Client) bumpSummary(view models.MessageView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary, ok := c.conversations[view.ConversationID]
	if !ok {
		summary = models.ConversationSummary{ConversationID: view.ConversationID}
		if view.SenderID != c.opts.UserID {
			summary.OtherUserID = view.SenderID
			summary.OtherUsername = view.SenderUsername
		}
	}
	summary.LastMessage = view.Content
	summary.UpdatedAt = view.CreatedAt
	if view.SenderID != c.opts.UserID && !view.Read {
		summary.UnreadCount++
	}
	c.conversations[view.ConversationID] = summary
}

func (c *Client) markLocalRead(conversationID int, messageIDs []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.messages[conversationID]
	for _, id := range messageIDs {
		if msg, ok := byID[id]; ok {
			msg.Read = true
			byID[id] = msg
		}
	}
}

func (c *Client) setTyping(conversationID, userID int, typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.typing[conversationID]
	if !ok {
		if !typing {
			return
		}
		users = make(map[int]bool)
		c.typing[conversationID] = users
	}
	if typing {
		users[userID] = true
	} else {
		delete(users, userID)
	}
}

func (c *Client) setOnline(userID int, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if online {
		c.online[userID] = true
	} else {
		delete(c.online, userID)
	}
}

// SetActiveConversation selects the conversation whose room is joined
// and whose messages are polled in degraded mode.
func (c *Client) SetActiveConversation(conversationID int) {
	c.mu.Lock()
	c.active = conversationID
	c.mu.Unlock()
	if c.State() == StateConnected && conversationID != 0 {
		_ = c.writeEvent(models.Event{Type: models.EventConversationJoin, ConversationID: conversationID})
	}
}

// SendMessage delivers a message over the realtime channel when
// connected, falling back to the REST send path otherwise. The REST
// response is appended immediately with its server-confirmed id; the
// next poll or relay reconciles by id.
func (c *Client) SendMessage(ctx context.Context, conversationID int, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	c.stopTypingNow(conversationID)

	if c.State() == StateConnected {
		if err := c.writeEvent(models.Event{Type: models.EventMessageSend, ConversationID: conversationID, Content: content}); err == nil {
			return nil
		}
	}

	var msg models.Message
	if err := c.post(ctx, fmt.Sprintf("/conversations/%d/messages", conversationID), map[string]string{"content": content}, &msg); err != nil {
		return err
	}
	view := models.MessageView{Message: msg}
	c.mergeMessage(view)
	c.bumpSummary(view)
	return nil
}

// MarkRead acknowledges messages in the conversation. An empty id list
// marks everything addressed to the caller.
func (c *Client) MarkRead(ctx context.Context, conversationID int, messageIDs []int) error {
	if c.State() == StateConnected {
		if err := c.writeEvent(models.Event{Type: models.EventMessagesRead, ConversationID: conversationID, MessageIDs: messageIDs}); err == nil {
			c.markOwnUnreadLocally(conversationID, messageIDs)
			return nil
		}
	}
	var resp struct {
		ReadMessageIDs []int `json:"read_message_ids"`
	}
	if err := c.post(ctx, fmt.Sprintf("/conversations/%d/read", conversationID), map[string][]int{"message_ids": messageIDs}, &resp); err != nil {
		return err
	}
	c.markLocalRead(conversationID, resp.ReadMessageIDs)
	return nil
}

// markOwnUnreadLocally flips unread messages addressed to this user so
// the UI doesn't wait for a server round trip.
func (c *Client) markOwnUnreadLocally(conversationID int, messageIDs []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	only := make(map[int]bool, len(messageIDs))
	for _, id := range messageIDs {
		only[id] = true
	}
	flipped := 0
	for id, msg := range c.messages[conversationID] {
		if msg.SenderID == c.opts.UserID || msg.Read {
			continue
		}
		if len(messageIDs) > 0 && !only[id] {
			continue
		}
		msg.Read = true
		c.messages[conversationID][id] = msg
		flipped++
	}
	if summary, ok := c.conversations[conversationID]; ok {
		summary.UnreadCount -= flipped
		if summary.UnreadCount < 0 {
			summary.UnreadCount = 0
		}
		c.conversations[conversationID] = summary
	}
}

// NotifyTyping reports input activity in the conversation. The first
// call emits typing:start; a stop is emitted automatically after the
// debounce window of input inactivity, on send, or via StopTyping.
func (c *Client) NotifyTyping(conversationID int) {
	if c.State() != StateConnected {
		return
	}
	c.mu.Lock()
	timer, running := c.typingTimers[conversationID]
	if running {
		timer.Reset(c.opts.TypingIdle)
		c.mu.Unlock()
		return
	}
	c.typingTimers[conversationID] = time.AfterFunc(c.opts.TypingIdle, func() {
		c.stopTypingNow(conversationID)
	})
	c.mu.Unlock()

	_ = c.writeEvent(models.Event{Type: models.EventTypingStart, ConversationID: conversationID})
}

// StopTyping ends the typing indicator immediately.
func (c *Client) StopTyping(conversationID int) {
	c.stopTypingNow(conversationID)
}

func (c *Client) stopTypingNow(conversationID int) {
	c.mu.Lock()
	timer, running := c.typingTimers[conversationID]
	if running {
		timer.Stop()
		delete(c.typingTimers, conversationID)
	}
	c.mu.Unlock()
	if !running {
		return
	}
	_ = c.writeEvent(models.Event{Type: models.EventTypingStop, ConversationID: conversationID})
}

// StartConversation returns the conversation id with the target user,
// checking local state before calling the idempotent create-or-get
// endpoint.
func (c *Client) StartConversation(ctx context.Context, otherUserID int) (int, error) {
	c.mu.Lock()
	for id, summary := range c.conversations {
		if summary.OtherUserID == otherUserID {
			c.mu.Unlock()
			return id, nil
		}
	}
	c.mu.Unlock()

	var resp struct {
		ConversationID int `json:"conversation_id"`
	}
	if err := c.post(ctx, "/conversations", map[string]int{"other_user_id": otherUserID}, &resp); err != nil {
		return 0, err
	}
	c.mu.Lock()
	if _, ok := c.conversations[resp.ConversationID]; !ok {
		c.conversations[resp.ConversationID] = models.ConversationSummary{
			ConversationID: resp.ConversationID,
			OtherUserID:    otherUserID,
		}
	}
	c.mu.Unlock()
	return resp.ConversationID, nil
}

// pollLoop is the degraded-mode fallback: while the realtime channel is
// down it refreshes the conversation list and the active conversation's
// messages on a fixed interval.
func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == StateConnected {
				continue
			}
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	var convResp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := c.get(ctx, "/conversations", &convResp); err == nil {
		c.mu.Lock()
		for _, summary := range convResp.Conversations {
			c.conversations[summary.ConversationID] = summary
		}
		active := c.active
		c.mu.Unlock()

		if active != 0 {
			var msgResp struct {
				Messages []models.MessageView `json:"messages"`
			}
			if err := c.get(ctx, fmt.Sprintf("/conversations/%d/messages", active), &msgResp); err == nil {
				for _, view := range msgResp.Messages {
					c.mergeMessage(view)
				}
			}
		}
	}
}

// Conversations returns the local conversation list, most recently
// active first.
func (c *Client) Conversations() []models.ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ConversationSummary, 0, len(c.conversations))
	for _, summary := range c.conversations {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Messages returns the conversation's local messages ordered by id,
// matching store and relay order.
func (c *Client) Messages(conversationID int) []models.MessageView {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.messages[conversationID]
	out := make([]models.MessageView, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TypingUsers returns the ids currently typing in the conversation.
func (c *Client) TypingUsers(conversationID int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.typing[conversationID]))
	for id := range c.typing[conversationID] {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// IsOnline reports last-known presence for a peer.
func (c *Client) IsOnline(userID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
