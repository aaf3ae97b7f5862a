package app

import (
	"github.com/gin-gonic/gin"

	"github.com/recollect-ai/recollect-backend/internal/http/middleware"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/server"
)

func wireRouter(log *logger.Logger, cfg Config, h Handlers, auth *middleware.AuthMiddleware) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		Log:            log,
		AllowedOrigins: cfg.AllowedOrigins,
		AuthMiddleware: auth,

		HealthHandler:       h.Health,
		ConversationHandler: h.Conversation,
		SyncHandler:         h.Sync,
		SearchHandler:       h.Search,
		ResumeHandler:       h.Resume,
		AttachmentHandler:   h.Attachment,
		MemoryHandler:       h.Memory,
		AdminHandler:        h.Admin,
	})
}
