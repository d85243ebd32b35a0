package handler

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"govdoc-chat/internal/repository"
	"govdoc-chat/internal/transport/http/response"
)

// Asker runs one question-answering turn, emitting stream payloads in order.
type Asker interface {
	Ask(ctx context.Context, question, sessionID string, emit func(payload string) error) error
}

type ChatHandler struct {
	qa          Asker
	messageRepo *repository.MessageRepository
}

type ChatRequest struct {
	Question  string `json:"question" binding:"required"`
	SessionID string `json:"session_id"`
}

func NewChatHandler(qa Asker, messageRepo *repository.MessageRepository) *ChatHandler {
	return &ChatHandler{qa: qa, messageRepo: messageRepo}
}

// Stream answers one chat turn over SSE. Every payload goes out as a single
// data field; a turn that fails mid-stream simply stops without the done
// marker, which is how clients detect failure.
func (h *ChatHandler) Stream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	// Validate before the event-stream headers go out, so a rejection is a
	// plain JSON 400 rather than an empty SSE body.
	question := strings.TrimSpace(req.Question)
	if question == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "question is empty")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	err := h.qa.Ask(c.Request.Context(), question, sessionID, func(payload string) error {
		if _, writeErr := c.Writer.Write([]byte("data: " + payload + "\n\n")); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are already out; ending without the done marker is the
		// failure signal.
		log.Printf("chat turn for session %s failed: %v", sessionID, err)
	}
}

// History returns the archived messages of a session from MySQL.
func (h *ChatHandler) History(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid session_id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	messages, err := h.messageRepo.ListBySessionID(sessionID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get history failed")
		return
	}

	response.OK(c, messages)
}
