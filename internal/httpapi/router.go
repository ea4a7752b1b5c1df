package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/common"
	"github.com/suPer8Hu/chat-sync/internal/config"
	"github.com/suPer8Hu/chat-sync/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-sync/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-sync/internal/synccore"
)

func NewRouter(sync *synccore.Service, cfg config.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(sync, log)

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.Use(middleware.OwnerOnly(sync.Principal))
	authGroup.GET("/chat/session", h.GetSessionInfo)
	authGroup.POST("/chat/session/switch", h.SwitchSession)
	authGroup.GET("/chat/messages", h.ListMessages)
	authGroup.POST("/chat/messages", h.SubmitMessage)
	authGroup.POST("/chat/messages/:local_id/retry", h.RetryMessage)
	authGroup.GET("/chat/stream", h.StreamChanges)
	return r
}
