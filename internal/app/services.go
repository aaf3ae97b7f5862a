package app

import (
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/jobs"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/pkg/secretbox"
	"github.com/recollect-ai/recollect-backend/internal/policy"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

type Services struct {
	Identity     services.IdentityService
	Access       services.AccessService
	Audit        services.AuditService
	Indexer      services.IndexerService
	Conversation services.ConversationService
	Sync         services.SyncService
	Search       services.SearchService
	Attachment   services.AttachmentService
	Resumer      services.ResumerService
	Episodic     services.EpisodicService
	Eviction     services.EvictionService
	Admin        services.AdminService

	Policy      *policy.Engine
	JobRegistry *jobs.Registry
	JobWorker   *jobs.Worker
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, cl Clients) (Services, error) {
	identity, err := services.NewIdentityService(log)
	if err != nil {
		return Services{}, fmt.Errorf("init identity service: %w", err)
	}

	box, err := secretbox.New(cfg.MemoryKey)
	if err != nil {
		return Services{}, configErrf("init memory encryption (MEMORY_ENCRYPTION_KEY): %w", err)
	}

	engine := policy.NewEngine(log)
	if cfg.MemoryPolicyPath != "" {
		data, err := os.ReadFile(cfg.MemoryPolicyPath)
		if err != nil {
			return Services{}, configErrf("read memory policy %q: %w", cfg.MemoryPolicyPath, err)
		}
		if err := engine.LoadYAML(data); err != nil {
			return Services{}, configErrf("compile memory policy %q: %w", cfg.MemoryPolicyPath, err)
		}
	}

	access := services.NewAccessService(log, r.Membership, r.Transfer, r.Group)
	audit := services.NewAuditService(log, r.Audit)
	indexer := services.NewIndexerService(log, r.Entry, r.Memory, cl.Embedder, cl.Vectors, box)

	conversation := services.NewConversationService(
		db, log,
		r.Group, r.Conversation, r.Entry, r.Membership, r.Transfer, r.Attachment,
		access, indexer, audit,
	)
	sync := services.NewSyncService(db, log, r.Conversation, r.Entry, access, indexer)
	search := services.NewSearchService(log, r.Entry, r.Conversation, access, cl.Embedder, cl.Vectors, indexer)

	attachment, err := services.NewAttachmentService(db, log, r.Attachment, r.Entry, access, cl.Blob)
	if err != nil {
		return Services{}, fmt.Errorf("init attachment service: %w", err)
	}

	resumer := services.NewResumerService(log, r.Conversation, access, cl.Locators, cl.Cancels, cl.Recordings)
	episodic := services.NewEpisodicService(db, log, r.Memory, engine, box, cl.Embedder, cl.Vectors, audit)
	eviction := services.NewEvictionService(
		db, log,
		r.Group, r.Conversation, r.Entry, r.Membership, r.Transfer, r.Attachment, r.Task,
		cl.Blob, cl.Vectors, audit,
	)
	admin := services.NewAdminService(log, r.Conversation, r.Attachment, r.Group)

	registry := jobs.NewRegistry()
	eviction.RegisterHandlers(registry)
	worker := jobs.NewWorker(log, r.Task, registry)

	return Services{
		Identity:     identity,
		Access:       access,
		Audit:        audit,
		Indexer:      indexer,
		Conversation: conversation,
		Sync:         sync,
		Search:       search,
		Attachment:   attachment,
		Resumer:      resumer,
		Episodic:     episodic,
		Eviction:     eviction,
		Admin:        admin,
		Policy:       engine,
		JobRegistry:  registry,
		JobWorker:    worker,
	}, nil
}
