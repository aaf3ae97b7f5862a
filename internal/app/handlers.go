package app

import (
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/http/handlers"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type Handlers struct {
	Health       *handlers.HealthHandler
	Conversation *handlers.ConversationHandler
	Sync         *handlers.SyncHandler
	Search       *handlers.SearchHandler
	Resume       *handlers.ResumeHandler
	Attachment   *handlers.AttachmentHandler
	Memory       *handlers.MemoryHandler
	Admin        *handlers.AdminHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, s Services) Handlers {
	return Handlers{
		Health:       handlers.NewHealthHandler(db),
		Conversation: handlers.NewConversationHandler(s.Conversation),
		Sync:         handlers.NewSyncHandler(s.Sync),
		Search:       handlers.NewSearchHandler(s.Search),
		Resume:       handlers.NewResumeHandler(log, s.Resumer),
		Attachment:   handlers.NewAttachmentHandler(log, s.Attachment),
		Memory:       handlers.NewMemoryHandler(s.Episodic),
		Admin:        handlers.NewAdminHandler(log, s.Admin, s.Eviction, s.Episodic, s.Audit),
	}
}
