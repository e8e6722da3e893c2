package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/http/response"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/apierr"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
	"github.com/yungbote/huddle-backend/internal/services"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ChatHandler struct {
	log          *logger.Logger
	conversation services.ConversationService
	memory       services.MemoryService
	validate     *validator.Validate
}

func NewChatHandler(log *logger.Logger, conversation services.ConversationService, memory services.MemoryService) *ChatHandler {
	return &ChatHandler{
		log:          log.With("handler", "ChatHandler"),
		conversation: conversation,
		memory:       memory,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *ChatHandler) bind(c *gin.Context) (services.ChatRequest, bool) {
	var req services.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return req, false
	}
	return req, true
}

// POST /api/chat
func (h *ChatHandler) Chat(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	resp, err := h.conversation.Converse(c.Request.Context(), req, nil)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, resp)
}

// POST /api/chat/stream
//
// Emits an "intent" event when a rule classifies the message up front,
// "delta" events while the reply streams, then a single "done" event
// carrying the full response or an "error" event with the error envelope.
func (h *ChatHandler) Stream(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	stream, ok := openSSE(c)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "internal_error", errors.New("streaming unsupported"))
		return
	}
	if hint, ok := h.conversation.Hint(req); ok {
		_ = stream.send("intent", hint)
	}
	resp, err := h.conversation.Converse(c.Request.Context(), req, func(delta string) {
		_ = stream.send("delta", gin.H{"text": delta})
	})
	if err != nil {
		ae := apierr.From(err)
		if ae.Status >= http.StatusInternalServerError {
			h.log.Warn("Chat stream failed", "error", err)
		}
		_ = stream.send("error", response.NewErrorEnvelope(ae.Status, ae.Code, err))
		return
	}
	_ = stream.send("done", resp)
}

// GET /api/chat/threads/:id/messages?before_seq=&limit=
func (h *ChatHandler) ListMessages(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_thread_id", err)
		return
	}
	var beforeSeq int64
	if raw := c.Query("before_seq"); raw != "" {
		beforeSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || beforeSeq < 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("before_seq must be a non-negative integer"))
			return
		}
	}
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("limit must be a positive integer"))
			return
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, err := h.memory.ListMessages(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, threadID, beforeSeq, limit)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": msgs})
}
