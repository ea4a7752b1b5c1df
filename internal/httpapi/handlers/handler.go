package handlers

import (
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/common"
	"github.com/suPer8Hu/chat-sync/internal/synccore"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Sync *synccore.Service
	Log  *zap.Logger
}

func NewHandler(sync *synccore.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Sync: sync, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
