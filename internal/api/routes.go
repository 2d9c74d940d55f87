package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/state"
	"github.com/zulandar/switchyard/internal/tenant"
)

const defaultHistoryLimit = 50

type handlers struct {
	eng     Orchestrator
	history HistoryReader
	log     zerolog.Logger
}

// messageRequest is an inbound message from the channel gateway.
type messageRequest struct {
	Phone            string `json:"phone" binding:"required"`
	TenantID         string `json:"tenant_id" binding:"required"`
	Text             string `json:"text"`
	InteractiveReply string `json:"interactive_reply"`
	ChannelID        string `json:"channel_id"`
	SenderName       string `json:"sender_name"`
}

type startRequest struct {
	Flow string    `json:"flow" binding:"required"`
	Data flow.Data `json:"data"`
}

type enqueueRequest struct {
	Flow string `json:"flow" binding:"required"`
}

type pauseRequest struct {
	Operator string `json:"operator" binding:"required"`
}

func (h *handlers) register(v1 *gin.RouterGroup) {
	v1.POST("/messages", h.handleMessage)

	conv := v1.Group("/tenants/:tenant/conversations/:phone")
	conv.GET("", h.getState)
	conv.GET("/events", h.getEvents)
	conv.POST("/flows", h.startFlow)
	conv.POST("/queue", h.enqueueFlow)
	conv.DELETE("/flow", h.cancelFlow)
	conv.POST("/pause", h.pause)
	conv.POST("/resume", h.resume)
}

func (h *handlers) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.eng.HandleMessage(c.Request.Context(), flow.Context{
		Phone:            req.Phone,
		TenantID:         req.TenantID,
		Text:             req.Text,
		InteractiveReply: req.InteractiveReply,
		ChannelID:        req.ChannelID,
		SenderName:       req.SenderName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getState(c *gin.Context) {
	conv, err := h.eng.GetState(c.Request.Context(), c.Param("phone"), c.Param("tenant"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *handlers) getEvents(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "history is not enabled"})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := h.history.History(c.Request.Context(), c.Param("phone"), c.Param("tenant"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *handlers) startFlow(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.eng.StartFlow(c.Request.Context(), c.Param("phone"), c.Param("tenant"), req.Flow, req.Data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) enqueueFlow(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.eng.EnqueueFlow(c.Request.Context(), c.Param("phone"), c.Param("tenant"), req.Flow); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) cancelFlow(c *gin.Context) {
	if err := h.eng.CancelFlow(c.Request.Context(), c.Param("phone"), c.Param("tenant")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) pause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.eng.Pause(c.Request.Context(), c.Param("phone"), c.Param("tenant"), req.Operator); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) resume(c *gin.Context) {
	if err := h.eng.Resume(c.Request.Context(), c.Param("phone"), c.Param("tenant")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps engine errors onto status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidContext):
		status = http.StatusBadRequest
	case errors.Is(err, flow.ErrUnknownFlow), errors.Is(err, tenant.ErrUnknownTenant):
		status = http.StatusNotFound
	case errors.Is(err, state.ErrStaleState):
		status = http.StatusConflict
	}
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
