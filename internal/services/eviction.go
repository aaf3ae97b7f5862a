package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/jobs"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/blob"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

const (
	ResourceConversationGroups = "conversation_groups"
	ResourceAttachments        = "attachments"
)

type EvictOptions struct {
	// RetentionPeriod overrides the default window; zero keeps the default.
	RetentionPeriod time.Duration
	ResourceTypes   []string
	BatchSize       int
	// Justification is mandatory for operator-initiated eviction and lands
	// in the audit log.
	Justification string
}

type EvictProgress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type EvictReport struct {
	GroupsEvicted      int `json:"groupsEvicted"`
	AttachmentsEvicted int `json:"attachmentsEvicted"`
}

type vectorStoreDeleteBody struct {
	GroupID uuid.UUID `json:"groupId"`
}

// EvictionService hard-deletes soft-deleted data after its retention window.
// Vector cleanup is decoupled through a durable vector_store_delete task so
// the transactional delete never waits on the vector store.
type EvictionService interface {
	Evict(ctx context.Context, caller *ctxutil.RequestData, opts EvictOptions, progress func(EvictProgress)) (*EvictReport, error)
	RegisterHandlers(registry *jobs.Registry)
	Start(ctx context.Context)
}

type evictionService struct {
	db  *gorm.DB
	log *logger.Logger

	groupRepo        repos.GroupRepo
	conversationRepo repos.ConversationRepo
	entryRepo        repos.EntryRepo
	membershipRepo   repos.MembershipRepo
	transferRepo     repos.TransferRepo
	attachmentRepo   repos.AttachmentRepo
	taskRepo         repos.TaskRepo

	store   blob.Store
	vectors pinecone.VectorStore
	audit   AuditService

	retention     time.Duration
	sweepInterval time.Duration
	batchSize     int
}

func NewEvictionService(
	db *gorm.DB,
	log *logger.Logger,
	groupRepo repos.GroupRepo,
	conversationRepo repos.ConversationRepo,
	entryRepo repos.EntryRepo,
	membershipRepo repos.MembershipRepo,
	transferRepo repos.TransferRepo,
	attachmentRepo repos.AttachmentRepo,
	taskRepo repos.TaskRepo,
	store blob.Store,
	vectors pinecone.VectorStore,
	audit AuditService,
) EvictionService {
	serviceLog := log.With("service", "EvictionService")
	return &evictionService{
		db:               db,
		log:              serviceLog,
		groupRepo:        groupRepo,
		conversationRepo: conversationRepo,
		entryRepo:        entryRepo,
		membershipRepo:   membershipRepo,
		transferRepo:     transferRepo,
		attachmentRepo:   attachmentRepo,
		taskRepo:         taskRepo,
		store:            store,
		vectors:          vectors,
		audit:            audit,
		retention:        utils.GetEnvAsDuration("EVICTION_RETENTION", 30*24*time.Hour, serviceLog),
		sweepInterval:    utils.GetEnvAsDuration("EVICTION_SWEEP_INTERVAL", time.Hour, serviceLog),
		batchSize:        utils.GetEnvAsInt("EVICTION_BATCH_SIZE", 10, serviceLog),
	}
}

func (s *evictionService) Evict(ctx context.Context, caller *ctxutil.RequestData, opts EvictOptions, progress func(EvictProgress)) (*EvictReport, error) {
	if caller == nil || !caller.IsAdmin() {
		return nil, apierr.Forbidden("eviction requires admin")
	}
	if strings.TrimSpace(opts.Justification) == "" {
		return nil, apierr.Validation("justification required")
	}
	report, err := s.evict(ctx, opts, progress)
	if err != nil {
		return nil, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, caller, AuditActionEvict, "eviction", "", opts.Justification, report)
	}
	return report, nil
}

func (s *evictionService) evict(ctx context.Context, opts EvictOptions, progress func(EvictProgress)) (*EvictReport, error) {
	retention := opts.RetentionPeriod
	if retention <= 0 {
		retention = s.retention
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.batchSize
	}
	resources := opts.ResourceTypes
	if len(resources) == 0 {
		resources = []string{ResourceConversationGroups}
	}
	for _, r := range resources {
		switch r {
		case ResourceConversationGroups, ResourceAttachments:
		default:
			return nil, apierr.Validation(fmt.Sprintf("unknown resource type %q", r))
		}
	}

	report := &EvictReport{}
	emit := func(p int, msg string) {
		if progress != nil {
			progress(EvictProgress{Percent: p, Message: msg})
		}
	}
	emit(0, "eviction started")

	cutoff := time.Now().UTC().Add(-retention)
	for _, resource := range resources {
		switch resource {
		case ResourceConversationGroups:
			n, err := s.evictGroups(ctx, cutoff, batch, emit)
			if err != nil {
				return nil, err
			}
			report.GroupsEvicted = n
		case ResourceAttachments:
			n, err := s.evictAttachments(ctx, cutoff, batch)
			if err != nil {
				return nil, err
			}
			report.AttachmentsEvicted = n
		}
	}
	emit(100, "eviction complete")
	if m := observability.Current(); m != nil {
		m.AddEvictedGroups(report.GroupsEvicted)
		m.AddEvictedAttachments(report.AttachmentsEvicted)
	}
	return report, nil
}

func (s *evictionService) evictGroups(ctx context.Context, cutoff time.Time, batch int, emit func(int, string)) (int, error) {
	total := 0
	for {
		groups, err := s.groupRepo.ListDeletedBefore(dbctx.New(ctx), cutoff, batch)
		if err != nil {
			return total, err
		}
		if len(groups) == 0 {
			return total, nil
		}
		for i, group := range groups {
			if err := s.hardDeleteGroup(ctx, group.ID); err != nil {
				return total, fmt.Errorf("evict group %s: %w", group.ID, err)
			}
			total++
			// Progress saturates at 95 until the selection drains; the final
			// batch size is unknown up front.
			pct := 5 + (90*(i+1))/len(groups)
			if pct > 95 {
				pct = 95
			}
			emit(pct, fmt.Sprintf("evicted %d groups", total))
		}
		if len(groups) < batch {
			return total, nil
		}
	}
}

// hardDeleteGroup removes a group in dependency order inside one
// transaction. The vector_store_delete task is enqueued in the same
// transaction so the external cleanup cannot be lost.
func (s *evictionService) hardDeleteGroup(ctx context.Context, groupID uuid.UUID) error {
	attachments, err := s.attachmentRepo.ListByGroup(dbctx.New(ctx), groupID, true)
	if err != nil {
		return err
	}

	var orphanedKeys []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)

		body, err := json.Marshal(vectorStoreDeleteBody{GroupID: groupID})
		if err != nil {
			return err
		}
		if _, err := s.taskRepo.Enqueue(dbc, &types.Task{
			Type: types.TaskTypeVectorStoreDelete,
			Body: body,
		}); err != nil {
			return fmt.Errorf("enqueue vector delete: %w", err)
		}

		if err := s.entryRepo.HardDeleteByGroup(dbc, groupID); err != nil {
			return fmt.Errorf("hard delete entries: %w", err)
		}
		if err := s.membershipRepo.HardDeleteByGroup(dbc, groupID); err != nil {
			return fmt.Errorf("hard delete memberships: %w", err)
		}
		for _, row := range attachments {
			released, err := s.releaseAttachmentRow(dbc, row)
			if err != nil {
				return fmt.Errorf("hard delete attachment %s: %w", row.ID, err)
			}
			if released != "" {
				orphanedKeys = append(orphanedKeys, released)
			}
		}
		if err := s.conversationRepo.HardDeleteByGroup(dbc, groupID); err != nil {
			return fmt.Errorf("hard delete conversations: %w", err)
		}
		if err := s.transferRepo.DeleteByGroup(dbc, groupID); err != nil {
			return fmt.Errorf("delete transfers: %w", err)
		}
		if err := s.groupRepo.HardDelete(dbc, groupID); err != nil {
			return fmt.Errorf("hard delete group: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Blob deletes run after commit; the store delete is idempotent.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, key := range orphanedKeys {
		key := key
		g.Go(func() error {
			if err := s.store.Delete(gctx, key); err != nil {
				s.log.Warn("Blob delete failed during eviction", "storage_key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("Group evicted", "group_id", groupID, "attachments", len(attachments))
	return nil
}

// releaseAttachmentRow hard-deletes one attachment row under the storage-key
// lock and reports the key when the row held the last reference.
func (s *evictionService) releaseAttachmentRow(dbc dbctx.Context, row *types.Attachment) (string, error) {
	if row.StorageKey == "" {
		return "", s.attachmentRepo.HardDelete(dbc, row.ID)
	}
	if _, err := s.attachmentRepo.LockByStorageKey(dbc, row.StorageKey); err != nil {
		return "", err
	}
	remaining, err := s.attachmentRepo.CountByStorageKey(dbc, row.StorageKey, row.ID)
	if err != nil {
		return "", err
	}
	if err := s.attachmentRepo.HardDelete(dbc, row.ID); err != nil {
		return "", err
	}
	if remaining == 0 {
		return row.StorageKey, nil
	}
	return "", nil
}

func (s *evictionService) evictAttachments(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	total := 0
	for {
		rows, err := s.attachmentRepo.ListSoftDeletedBefore(dbctx.New(ctx), cutoff, batch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			var orphaned string
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var txErr error
				orphaned, txErr = s.releaseAttachmentRow(dbctx.WithTx(ctx, tx), row)
				return txErr
			})
			if err != nil {
				return total, err
			}
			if orphaned != "" {
				if err := s.store.Delete(ctx, orphaned); err != nil {
					s.log.Warn("Blob delete failed during eviction", "storage_key", orphaned, "error", err)
				}
			}
			total++
		}
		if len(rows) < batch {
			return total, nil
		}
	}
}

// RegisterHandlers wires the durable task types eviction depends on.
func (s *evictionService) RegisterHandlers(registry *jobs.Registry) {
	registry.Register(types.TaskTypeVectorStoreDelete, func(ctx context.Context, task *types.Task) error {
		var body vectorStoreDeleteBody
		if err := json.Unmarshal(task.Body, &body); err != nil {
			return fmt.Errorf("decode task body: %w", err)
		}
		if body.GroupID == uuid.Nil {
			return fmt.Errorf("task body missing groupId")
		}
		if s.vectors == nil {
			// Nothing to clean when no vector store is configured.
			return nil
		}
		return s.vectors.DeleteByFilter(ctx, VectorNamespaceEntries, map[string]any{
			"groupId": map[string]any{"$eq": body.GroupID.String()},
		})
	})

	registry.Register(types.TaskTypeAttachmentSweep, func(ctx context.Context, task *types.Task) error {
		_, err := s.evictAttachments(ctx, time.Now().UTC().Add(-s.retention), s.batchSize)
		return err
	})

	// group_evict evicts one group when the body names it, otherwise runs a
	// full retention pass.
	registry.Register(types.TaskTypeGroupEvict, func(ctx context.Context, task *types.Task) error {
		var body vectorStoreDeleteBody
		if len(task.Body) > 0 && json.Unmarshal(task.Body, &body) == nil && body.GroupID != uuid.Nil {
			return s.hardDeleteGroup(ctx, body.GroupID)
		}
		_, err := s.evictGroups(ctx, time.Now().UTC().Add(-s.retention), s.batchSize, func(int, string) {})
		return err
	})
}

func (s *evictionService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := s.evict(ctx, EvictOptions{}, nil)
				if err != nil {
					s.log.Warn("Eviction sweep failed", "error", err)
					continue
				}
				if report.GroupsEvicted > 0 {
					s.log.Info("Eviction sweep complete", "groups_evicted", report.GroupsEvicted)
				}
			}
		}
	}()
}
