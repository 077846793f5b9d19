package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"materoom/chat-service/internal/models"
)

func newTestClient(baseURL string) *Client {
	return New(Options{
		BaseURL: baseURL,
		// An unroutable realtime endpoint keeps these tests on the REST path.
		WSURL:             "ws://127.0.0.1:1/ws",
		Token:             "test-token",
		UserID:            1,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		TypingIdle:        10 * time.Millisecond,
	})
}

func messageEvent(eventType string, view models.MessageView) models.Event {
	return models.Event{Type: eventType, ConversationID: view.ConversationID, Message: &view}
}

func TestMergeDeduplicatesAcrossDeliveryPaths(t *testing.T) {
	c := newTestClient("http://unused")
	msg := models.MessageView{
		Message:        models.Message{ID: 42, ConversationID: 10, SenderID: 2, Content: "hello", CreatedAt: time.Now()},
		SenderUsername: "bob",
	}

	// Same message arrives over the room relay, the list relay, and a poll.
	c.applyEvent(messageEvent(models.EventMessageNew, msg))
	c.applyEvent(messageEvent(models.EventConversationNewMessage, msg))
	c.mergeMessage(msg)

	got := c.Messages(10)
	require.Len(t, got, 1)
	assert.Equal(t, 42, got[0].ID)
	assert.Equal(t, "bob", got[0].SenderUsername)
}

func TestMergeReadFlagOnlyMovesForward(t *testing.T) {
	c := newTestClient("http://unused")
	read := models.MessageView{Message: models.Message{ID: 1, ConversationID: 10, SenderID: 2, Content: "hi", Read: true}}
	unread := read
	unread.Read = false
	unread.SenderUsername = ""

	c.mergeMessage(read)
	// A stale copy without the read flag must not regress local state.
	c.mergeMessage(unread)

	got := c.Messages(10)
	require.Len(t, got, 1)
	assert.True(t, got[0].Read)
}

func TestMessagesOrderedByID(t *testing.T) {
	c := newTestClient("http://unused")
	for _, id := range []int{3, 1, 2} {
		c.mergeMessage(models.MessageView{Message: models.Message{ID: id, ConversationID: 10, SenderID: 2, Content: "x"}})
	}

	got := c.Messages(10)
	require.Len(t, got, 3)
	assert.Equal(t, []int{got[0].ID, got[1].ID, got[2].ID}, []int{1, 2, 3})
}

func TestUnreadCountAndLocalReadAck(t *testing.T) {
	c := newTestClient("http://unused")
	for id := 1; id <= 2; id++ {
		c.applyEvent(messageEvent(models.EventMessageNew, models.MessageView{
			Message: models.Message{ID: id, ConversationID: 10, SenderID: 2, Content: "hi"},
		}))
	}

	convs := c.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)

	c.markOwnUnreadLocally(10, nil)
	assert.Equal(t, 0, c.Conversations()[0].UnreadCount)
	for _, msg := range c.Messages(10) {
		assert.True(t, msg.Read)
	}
}

func TestPartialReadAckDecrementsUnreadByFlipped(t *testing.T) {
	c := newTestClient("http://unused")
	for id := 1; id <= 3; id++ {
		c.applyEvent(messageEvent(models.EventMessageNew, models.MessageView{
			Message: models.Message{ID: id, ConversationID: 10, SenderID: 2, Content: "hi"},
		}))
	}
	require.Equal(t, 3, c.Conversations()[0].UnreadCount)

	// Acknowledging one message leaves the other two counted.
	c.markOwnUnreadLocally(10, []int{1})
	assert.Equal(t, 2, c.Conversations()[0].UnreadCount)

	got := c.Messages(10)
	require.Len(t, got, 3)
	assert.True(t, got[0].Read)
	assert.False(t, got[1].Read)
	assert.False(t, got[2].Read)
}

func TestTypingAndPresenceEvents(t *testing.T) {
	c := newTestClient("http://unused")

	c.applyEvent(models.Event{Type: models.EventTypingStart, ConversationID: 10, UserID: 2})
	assert.Equal(t, []int{2}, c.TypingUsers(10))

	// A message from the typist clears their indicator.
	c.applyEvent(messageEvent(models.EventMessageNew, models.MessageView{
		Message: models.Message{ID: 1, ConversationID: 10, SenderID: 2, Content: "done typing"},
	}))
	assert.Empty(t, c.TypingUsers(10))

	c.applyEvent(models.Event{Type: models.EventUserOnline, UserID: 2})
	assert.True(t, c.IsOnline(2))
	c.applyEvent(models.Event{Type: models.EventUserOffline, UserID: 2})
	assert.False(t, c.IsOnline(2))
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	c := newTestClient("http://unused")
	err := c.SendMessage(context.Background(), 10, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestSendMessageFallsBackToREST(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/10/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req struct {
			Content string `json:"content"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Message{ID: 42, ConversationID: 10, SenderID: 1, Content: req.Content})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	require.NoError(t, c.SendMessage(context.Background(), 10, "hello"))

	// The server-confirmed message is appended immediately.
	got := c.Messages(10)
	require.Len(t, got, 1)
	assert.Equal(t, 42, got[0].ID)
}

func TestMarkReadFallsBackToREST(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/10/read", r.URL.Path)
		json.NewEncoder(w).Encode(map[string][]int{"read_message_ids": {5}})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.mergeMessage(models.MessageView{Message: models.Message{ID: 5, ConversationID: 10, SenderID: 2, Content: "hi"}})

	require.NoError(t, c.MarkRead(context.Background(), 10, nil))
	got := c.Messages(10)
	require.Len(t, got, 1)
	assert.True(t, got[0].Read)
}

func TestStartConversationReusesLocalState(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/conversations", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int{"conversation_id": 10})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	id, err := c.StartConversation(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 10, id)

	// The second call is answered locally; create-or-get is not re-hit.
	id, err = c.StartConversation(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 10, id)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollRefreshesListAndActiveConversation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"conversations": []models.ConversationSummary{{ConversationID: 10, OtherUserID: 2, OtherUsername: "bob", LastMessage: "hi", UnreadCount: 1}},
			})
		case "/conversations/10/messages":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"messages": []models.MessageView{
					{Message: models.Message{ID: 1, ConversationID: 10, SenderID: 2, Content: "hi"}, SenderUsername: "bob"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.SetActiveConversation(10)
	c.pollOnce(context.Background())

	convs := c.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "bob", convs[0].OtherUsername)

	got := c.Messages(10)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)

	// Polling the same state again must not duplicate anything.
	c.pollOnce(context.Background())
	assert.Len(t, c.Messages(10), 1)
}

func TestDegradesAfterBoundedRetries(t *testing.T) {
	c := New(Options{
		BaseURL:           "http://unused",
		WSURL:             "ws://127.0.0.1:1/ws",
		Token:             "test-token",
		UserID:            1,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     2 * time.Millisecond,
		MaxRetryAttempts:  2,
		PollInterval:      time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, c.Degraded, 2*time.Second, 5*time.Millisecond,
		"client should switch to polling mode after exhausting retries")
	assert.NotEqual(t, StateConnected, c.State())
}

func TestConnectReceiveAndSend(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	received := make(chan models.Event, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Greet the client with a relayed message, then capture what it sends.
		err = conn.WriteJSON(messageEvent(models.EventMessageNew, models.MessageView{
			Message:        models.Message{ID: 7, ConversationID: 10, SenderID: 2, Content: "welcome"},
			SenderUsername: "bob",
		}))
		assert.NoError(t, err)

		for {
			var evt models.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			received <- evt
		}
	}))
	defer server.Close()

	c := New(Options{
		BaseURL:           server.URL,
		WSURL:             "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:             "test-token",
		UserID:            1,
		InitialRetryDelay: time.Millisecond,
		PollInterval:      time.Hour,
		TypingIdle:        20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.SetActiveConversation(10)
	c.Start(ctx)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Messages(10)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "welcome", c.Messages(10)[0].Content)

	// Reconnection rejoins the active room before anything else.
	evt := <-received
	assert.Equal(t, models.EventConversationJoin, evt.Type)
	assert.Equal(t, 10, evt.ConversationID)

	require.NoError(t, c.SendMessage(ctx, 10, "hello"))
	evt = <-received
	assert.Equal(t, models.EventMessageSend, evt.Type)
	assert.Equal(t, "hello", evt.Content)

	// Typing starts once, then stops on its own after the idle window.
	c.NotifyTyping(10)
	evt = <-received
	assert.Equal(t, models.EventTypingStart, evt.Type)
	evt = <-received
	assert.Equal(t, models.EventTypingStop, evt.Type)
}
