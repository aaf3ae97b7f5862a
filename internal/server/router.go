package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/recollect-ai/recollect-backend/internal/http/handlers"
	"github.com/recollect-ai/recollect-backend/internal/http/middleware"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	AllowedOrigins []string

	AuthMiddleware *middleware.AuthMiddleware

	HealthHandler       *handlers.HealthHandler
	ConversationHandler *handlers.ConversationHandler
	SyncHandler         *handlers.SyncHandler
	SearchHandler       *handlers.SearchHandler
	ResumeHandler       *handlers.ResumeHandler
	AttachmentHandler   *handlers.AttachmentHandler
	MemoryHandler       *handlers.MemoryHandler
	AdminHandler        *handlers.AdminHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("recollect"))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.Metrics(observability.Current()))
	if cfg.Log != nil {
		router.Use(middleware.RequestLogger(cfg.Log))
	}

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthz", cfg.HealthHandler.Live)
	router.GET("/readyz", cfg.HealthHandler.Ready)
	router.GET("/v1/attachments/download/:token/:filename", cfg.AttachmentHandler.DownloadByToken)

	// ===============
	// || Protected ||
	// ===============
	v1 := router.Group("/v1")
	v1.Use(cfg.AuthMiddleware.RequireAuth())

	// Conversations
	v1.POST("/conversations", cfg.ConversationHandler.Create)
	v1.GET("/conversations", cfg.ConversationHandler.List)
	v1.POST("/conversations/search", cfg.SearchHandler.Search)
	v1.POST("/conversations/resume-check", cfg.ResumeHandler.ResumeCheck)
	v1.GET("/conversations/:id", cfg.ConversationHandler.Get)
	v1.PATCH("/conversations/:id", cfg.ConversationHandler.Update)
	v1.DELETE("/conversations/:id", cfg.ConversationHandler.Delete)
	v1.GET("/conversations/:id/entries", cfg.ConversationHandler.ListEntries)
	v1.POST("/conversations/:id/entries", cfg.ConversationHandler.AppendEntries)
	v1.POST("/conversations/:id/sync", cfg.SyncHandler.Sync)
	v1.GET("/conversations/:id/forks", cfg.ConversationHandler.ListForks)
	v1.GET("/conversations/:id/memberships", cfg.ConversationHandler.ListMemberships)
	v1.POST("/conversations/:id/memberships", cfg.ConversationHandler.Share)
	v1.PATCH("/conversations/:id/memberships/:userId", cfg.ConversationHandler.UpdateMembership)
	v1.DELETE("/conversations/:id/memberships/:userId", cfg.ConversationHandler.DeleteMembership)
	v1.GET("/conversations/:id/resume", cfg.ResumeHandler.Resume)
	v1.POST("/conversations/:id/cancel", cfg.ResumeHandler.Cancel)

	// Ownership transfers
	v1.POST("/ownership-transfers", cfg.ConversationHandler.CreateTransfer)
	v1.GET("/ownership-transfers", cfg.ConversationHandler.ListTransfers)
	v1.POST("/ownership-transfers/:id/accept", cfg.ConversationHandler.AcceptTransfer)
	v1.DELETE("/ownership-transfers/:id", cfg.ConversationHandler.DeleteTransfer)

	// Attachments
	v1.POST("/attachments", cfg.AttachmentHandler.Create)
	v1.GET("/attachments", cfg.AttachmentHandler.List)
	v1.GET("/attachments/:id", cfg.AttachmentHandler.Download)
	v1.DELETE("/attachments/:id", cfg.AttachmentHandler.Delete)
	v1.PUT("/attachments/:id/content", cfg.AttachmentHandler.UploadContent)
	v1.POST("/attachments/:id/link", cfg.AttachmentHandler.Link)
	v1.POST("/attachments/:id/unlink", cfg.AttachmentHandler.Unlink)
	v1.GET("/attachments/:id/download-url", cfg.AttachmentHandler.DownloadURL)

	// Episodic memories
	v1.PUT("/memories", cfg.MemoryHandler.Put)
	v1.GET("/memories", cfg.MemoryHandler.Get)
	v1.DELETE("/memories", cfg.MemoryHandler.Delete)
	v1.POST("/memories/search", cfg.MemoryHandler.Search)
	v1.GET("/memories/events", cfg.MemoryHandler.Events)
	v1.GET("/memories/namespaces", cfg.MemoryHandler.Namespaces)

	// Admin
	v1.GET("/admin/conversations", cfg.AdminHandler.ListConversations)
	v1.GET("/admin/attachments", cfg.AdminHandler.ListAttachments)
	v1.POST("/admin/evict", cfg.AdminHandler.Evict)
	v1.GET("/admin/memories", cfg.AdminHandler.ListMemories)
	v1.GET("/admin/memories/policies", cfg.AdminHandler.PolicyVersion)
	v1.PUT("/admin/memories/policies", cfg.AdminHandler.ReloadPolicy)
	v1.GET("/admin/audit", cfg.AdminHandler.ListAudit)

	return router
}
