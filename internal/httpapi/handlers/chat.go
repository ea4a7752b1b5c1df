package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/chat"
	"github.com/suPer8Hu/chat-sync/internal/common"
)

// GetSessionInfo returns the active session and connection state.
func (h *Handler) GetSessionInfo(c *gin.Context) {
	common.OK(c, h.Sync.SessionInfo())
}

// ListMessages returns the current snapshot: the ordered, deduplicated
// timeline the sync core maintains.
func (h *Handler) ListMessages(c *gin.Context) {
	common.OK(c, gin.H{"messages": h.Sync.Snapshot()})
}

type submitReq struct {
	Content string `json:"content" binding:"required"`
	Role    string `json:"role"`
}

// SubmitMessage appends an optimistic message and returns its local id.
func (h *Handler) SubmitMessage(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	localID, err := h.Sync.Submit(c.Request.Context(), req.Content, chat.Role(req.Role))
	if err != nil {
		h.Log.Warn("submit failed", zap.Error(err))
		common.Fail(c, http.StatusServiceUnavailable, 50301, "session not ready")
		return
	}
	common.OK(c, gin.H{"local_id": localID})
}

// RetryMessage resubmits a failed entry as a new pending message.
func (h *Handler) RetryMessage(c *gin.Context) {
	localID := c.Param("local_id")
	if localID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "local_id required")
		return
	}
	newID, err := h.Sync.Retry(c.Request.Context(), localID)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, err.Error())
		return
	}
	common.OK(c, gin.H{"local_id": newID})
}

type switchReq struct {
	SessionID string `json:"session_id"`
}

// SwitchSession changes the active session, tearing down the old
// subscription first. A forbidden session id is fatal and reported as such.
func (h *Handler) SwitchSession(c *gin.Context) {
	var req switchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	info, err := h.Sync.SwitchSession(c.Request.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, chat.ErrSessionForbidden) {
			common.Fail(c, http.StatusForbidden, 40301, "session forbidden")
			return
		}
		h.Log.Warn("session switch failed",
			zap.String("candidate", req.SessionID), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to switch session")
		return
	}
	common.OK(c, info)
}

// StreamChanges is the SSE feed the UI subscribes to: a "change" event after
// every reconciliation plus heartbeat pings.
func (h *Handler) StreamChanges(c *gin.Context) {
	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	changes, cancel := h.Sync.Watch()
	defer cancel()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()

	// Initial state so the client can render immediately.
	writeJSON("change", gin.H{
		"type":    "change",
		"session": h.Sync.SessionInfo(),
	})

	for {
		select {
		case <-changes:
			writeJSON("change", gin.H{
				"type":    "change",
				"session": h.Sync.SessionInfo(),
			})
		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})
		case <-ctx.Done():
			return
		}
	}
}
