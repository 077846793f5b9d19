package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"materoom/chat-service/internal/directory"
	"materoom/chat-service/internal/models"
	"materoom/chat-service/internal/repositories"
	"materoom/chat-service/internal/telemetry"
	"materoom/chat-service/internal/ws"
)

// ConversationHandler manages the REST surface of the message store.
// The POST endpoints double as the degraded-mode paths for clients
// without a live realtime connection.
type ConversationHandler struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         directory.UserDirectory
	gateway       *ws.Gateway
	audit         *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations repositories.ConversationRepository, messages repositories.MessageRepository, users directory.UserDirectory, gateway *ws.Gateway, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		users:         users,
		gateway:       gateway,
		audit:         audit,
	}
}

// ListConversations returns the caller's conversation summaries with the
// other participant's display name resolved.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	summaries, err := h.conversations.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	otherIDs := make([]int, 0, len(summaries))
	for _, summary := range summaries {
		otherIDs = append(otherIDs, summary.OtherUserID)
	}

	users, err := h.users.BulkUsers(c.Request.Context(), otherIDs)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load user info"})
		return
	}
	usernameByID := map[int]string{}
	for _, u := range users {
		usernameByID[u.ID] = u.Username
	}

	for i := range summaries {
		summaries[i].OtherUsername = usernameByID[summaries[i].OtherUserID]
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// StartConversation creates or returns the conversation with the target
// user. Idempotent per unordered pair; rejects self and unknown targets
// before any state is created.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		OtherUserID int `json:"other_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	if userID == req.OtherUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	if _, err := h.users.GetUser(c.Request.Context(), req.OtherUserID); err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to validate user"})
		return
	}

	conv, err := h.conversations.CreateOrGetConversation(c.Request.Context(), userID, req.OtherUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	h.emitAudit(c, "conversation started")
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID})
}

// GetMessages returns the conversation's messages oldest to newest, the
// same order the gateway relays them in.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	member, err := h.conversations.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	senderIDs := make([]int, 0, len(msgs))
	seen := map[int]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	users, err := h.users.BulkUsers(c.Request.Context(), senderIDs)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load senders"})
		return
	}
	senderNames := map[int]string{}
	for _, u := range users {
		senderNames[u.ID] = u.Username
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, models.MessageView{Message: m, SenderUsername: senderNames[m.SenderID]})
	}

	c.JSON(http.StatusOK, gin.H{"messages": views})
}

// PostMessage persists a message and relays it to live sessions. This is
// the degraded-mode send path; the response carries the stored message
// so the client can append it with the server-confirmed id.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message content must not be empty"})
		return
	}

	view, err := h.gateway.SendMessage(c.Request.Context(), conv, userID, content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	c.JSON(http.StatusCreated, view.Message)
}

// MarkRead flips the read flag on messages addressed to the caller and
// relays the receipt to the other participant's live sessions.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	var req struct {
		MessageIDs []int `json:"message_ids"`
	}
	// An empty or absent body means "mark everything addressed to me".
	_ = c.ShouldBindJSON(&req)

	flipped, err := h.messages.MarkMessagesRead(c.Request.Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}
	if len(flipped) > 0 {
		h.gateway.RelayRead(conv, userID, flipped)
	}

	c.JSON(http.StatusOK, gin.H{"read_message_ids": flipped})
}

func (h *ConversationHandler) emitAudit(c *gin.Context, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", text, requestIDFromContext(c), userIDFromContext(c))
}
