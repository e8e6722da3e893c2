package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/http/response"
	"github.com/yungbote/huddle-backend/internal/modules/broker"
	"github.com/yungbote/huddle-backend/internal/modules/chat/tools"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
	"github.com/yungbote/huddle-backend/internal/services"
)

type BrokerHandler struct {
	log    *logger.Logger
	broker services.BrokerService
	now    func() time.Time
}

func NewBrokerHandler(log *logger.Logger, broker services.BrokerService) *BrokerHandler {
	return &BrokerHandler{log: log.With("handler", "BrokerHandler"), broker: broker, now: time.Now}
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return uuid.Nil, false
	}
	return id, true
}

// POST /api/broker/sessions/:id/answer
func (h *BrokerHandler) Answer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var answer broker.ClarifyAnswer
	if err := c.ShouldBindJSON(&answer); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	sess, intent, err := h.broker.Answer(dbctx.Context{Ctx: c.Request.Context()}, id, rd.UserID, answer, h.now())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": sess, "intent": intent})
}

// POST /api/broker/sessions/:id/cancel
func (h *BrokerHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	sess, err := h.broker.Cancel(dbctx.Context{Ctx: c.Request.Context()}, id, rd.UserID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": sess})
}

// POST /api/broker/matches/:id/confirm
func (h *BrokerHandler) Confirm(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	m, err := h.broker.Confirm(dbctx.Context{Ctx: c.Request.Context()}, id, rd.UserID, h.now())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"match": tools.MatchCardFrom(m)})
}
