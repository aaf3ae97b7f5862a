package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/pkg/secretbox"
	"github.com/recollect-ai/recollect-backend/internal/platform/openai"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

const (
	// Vector store namespaces. Entries and episodic memories never mix.
	VectorNamespaceEntries  = "entries"
	VectorNamespaceMemories = "memories"
)

// IndexerService vectorizes entries and episodic memories. The in-band path
// runs right after the append transaction commits, bounded by a short
// timeout; anything it misses is picked up by the background retry loop
// keyed off indexed_at IS NULL.
type IndexerService interface {
	EntryIndexer
	Start(ctx context.Context)
	// Ready reports whether semantic search can be served at all.
	Ready() bool
	// Populated reports whether at least one vector has been upserted since
	// boot; auto search falls back to fulltext until then.
	Populated() bool
}

type indexerService struct {
	log        *logger.Logger
	memoryRepo repos.MemoryRepo
	entryRepo  repos.EntryRepo
	embedder   openai.Client
	vectors    pinecone.VectorStore
	box        *secretbox.Box

	inbandTimeout time.Duration
	retryInterval time.Duration
	batchSize     int

	populated atomic.Bool
}

func NewIndexerService(
	log *logger.Logger,
	entryRepo repos.EntryRepo,
	memoryRepo repos.MemoryRepo,
	embedder openai.Client,
	vectors pinecone.VectorStore,
	box *secretbox.Box,
) IndexerService {
	serviceLog := log.With("service", "IndexerService")
	return &indexerService{
		log:           serviceLog,
		entryRepo:     entryRepo,
		memoryRepo:    memoryRepo,
		embedder:      embedder,
		vectors:       vectors,
		box:           box,
		inbandTimeout: utils.GetEnvAsDuration("INDEX_INBAND_TIMEOUT", 5*time.Second, serviceLog),
		retryInterval: utils.GetEnvAsDuration("INDEX_RETRY_INTERVAL", 30*time.Second, serviceLog),
		batchSize:     utils.GetEnvAsInt("INDEX_BATCH_SIZE", 100, serviceLog),
	}
}

func (s *indexerService) Ready() bool {
	return s.embedder != nil && s.vectors != nil
}

func (s *indexerService) Populated() bool {
	return s.populated.Load()
}

// IndexCommitted is the in-band attempt. The caller's transaction has
// already committed; failure here only delays indexing until the retry loop.
func (s *indexerService) IndexCommitted(ctx context.Context, entries []*types.Entry) {
	if !s.Ready() {
		return
	}
	indexable := make([]*types.Entry, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.IndexedContent) != "" {
			indexable = append(indexable, e)
		}
	}
	if len(indexable) == 0 {
		return
	}

	// Detached from the request so a client disconnect cannot abort the
	// upsert halfway.
	ictx, cancel := context.WithTimeout(context.Background(), s.inbandTimeout)
	defer cancel()

	if err := s.indexEntryBatch(ictx, indexable); err != nil {
		s.log.Warn("In-band indexing failed, deferring to retry loop", "entries", len(indexable), "error", err)
		observability.Current().IncIndexFailure("entry", "inband")
		return
	}
	observability.Current().AddEntriesIndexed("inband", len(indexable))
}

func (s *indexerService) Start(ctx context.Context) {
	if !s.Ready() {
		s.log.Warn("Vector indexing disabled, embedder or vector store not configured")
		return
	}
	go func() {
		ticker := time.NewTicker(s.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.retryEntries(ctx)
				s.retryMemories(ctx)
			}
		}
	}()
}

func (s *indexerService) retryEntries(ctx context.Context) {
	pending, err := s.entryRepo.FindPendingVectorIndexing(dbctx.New(ctx), s.batchSize)
	if err != nil {
		s.log.Warn("Pending entry scan failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	if err := s.indexEntryBatch(ctx, pending); err != nil {
		s.log.Warn("Background entry indexing failed", "entries", len(pending), "error", err)
		observability.Current().IncIndexFailure("entry", "retry")
		return
	}
	observability.Current().AddEntriesIndexed("retry", len(pending))
	s.log.Info("Background entry indexing complete", "entries", len(pending))
}

func (s *indexerService) embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	embeddings, err := s.embedder.Embed(ctx, texts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.Current().ObserveEmbedding(s.embedder.EmbedModel(), status, time.Since(start))
	return embeddings, err
}

func (s *indexerService) indexEntryBatch(ctx context.Context, entries []*types.Entry) error {
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.IndexedContent
	}
	embeddings, err := s.embed(ctx, texts)
	if err != nil {
		return err
	}

	vectors := make([]pinecone.Vector, 0, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	for i, e := range entries {
		if i >= len(embeddings) || len(embeddings[i]) == 0 {
			continue
		}
		vectors = append(vectors, pinecone.Vector{
			ID:     e.ID.String(),
			Values: embeddings[i],
			Metadata: map[string]any{
				"groupId":        e.GroupID.String(),
				"conversationId": e.ConversationID.String(),
				"channel":        string(e.Channel),
			},
		})
		ids = append(ids, e.ID)
	}
	if len(vectors) == 0 {
		return nil
	}
	if err := s.vectors.Upsert(ctx, VectorNamespaceEntries, vectors); err != nil {
		return err
	}
	s.populated.Store(true)
	return s.entryRepo.MarkIndexed(dbctx.New(ctx), ids, time.Now().UTC())
}

// retryMemories reconciles the episodic memory index. Soft-deleted rows get
// their vector removed; live rows get embedded from the decrypted value.
func (s *indexerService) retryMemories(ctx context.Context) {
	pending, err := s.memoryRepo.FindPendingIndexing(dbctx.New(ctx), s.batchSize)
	if err != nil {
		s.log.Warn("Pending memory scan failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	var live []*types.EpisodicMemory
	var removed []uuid.UUID
	for _, m := range pending {
		if m.DeletedAt.Valid {
			removed = append(removed, m.ID)
		} else {
			live = append(live, m)
		}
	}

	if len(removed) > 0 {
		ids := make([]string, len(removed))
		for i, id := range removed {
			ids[i] = id.String()
		}
		if err := s.vectors.DeleteIDs(ctx, VectorNamespaceMemories, ids); err != nil {
			s.log.Warn("Memory vector delete failed", "memories", len(ids), "error", err)
		} else if err := s.memoryRepo.MarkIndexed(dbctx.New(ctx), removed, time.Now().UTC()); err != nil {
			s.log.Warn("Memory mark-indexed failed after delete", "error", err)
		}
	}

	if len(live) == 0 {
		return
	}
	if err := s.indexMemoryBatch(ctx, live); err != nil {
		s.log.Warn("Background memory indexing failed", "memories", len(live), "error", err)
		observability.Current().IncIndexFailure("memory", "retry")
		return
	}
	observability.Current().AddMemoriesIndexed("retry", len(live))
	s.log.Info("Background memory indexing complete", "memories", len(live), "removed", len(removed))
}

func (s *indexerService) indexMemoryBatch(ctx context.Context, rows []*types.EpisodicMemory) error {
	texts := make([]string, 0, len(rows))
	indexable := make([]*types.EpisodicMemory, 0, len(rows))
	var emptyIDs []uuid.UUID
	for _, m := range rows {
		text, err := s.memoryIndexText(m)
		if err != nil {
			s.log.Warn("Memory index text extraction failed", "memory_id", m.ID, "error", err)
			emptyIDs = append(emptyIDs, m.ID)
			continue
		}
		if strings.TrimSpace(text) == "" {
			emptyIDs = append(emptyIDs, m.ID)
			continue
		}
		texts = append(texts, text)
		indexable = append(indexable, m)
	}

	// Nothing to embed still counts as indexed, otherwise the row would be
	// rescanned forever.
	if len(emptyIDs) > 0 {
		if err := s.memoryRepo.MarkIndexed(dbctx.New(ctx), emptyIDs, time.Now().UTC()); err != nil {
			return err
		}
	}
	if len(indexable) == 0 {
		return nil
	}

	embeddings, err := s.embed(ctx, texts)
	if err != nil {
		return err
	}
	vectors := make([]pinecone.Vector, 0, len(indexable))
	ids := make([]uuid.UUID, 0, len(indexable))
	for i, m := range indexable {
		if i >= len(embeddings) || len(embeddings[i]) == 0 {
			continue
		}
		metadata := map[string]any{
			"namespace": m.Namespace,
			"key":       m.Key,
		}
		var policyAttrs map[string]string
		if len(m.PolicyAttributes) > 0 && json.Unmarshal(m.PolicyAttributes, &policyAttrs) == nil {
			for k, v := range policyAttrs {
				metadata["attr_"+k] = v
			}
		}
		vectors = append(vectors, pinecone.Vector{
			ID:       m.ID.String(),
			Values:   embeddings[i],
			Metadata: metadata,
		})
		ids = append(ids, m.ID)
	}
	if len(vectors) == 0 {
		return nil
	}
	if err := s.vectors.Upsert(ctx, VectorNamespaceMemories, vectors); err != nil {
		return err
	}
	s.populated.Store(true)
	return s.memoryRepo.MarkIndexed(dbctx.New(ctx), ids, time.Now().UTC())
}

// memoryIndexText decrypts the value and extracts the text to embed: the
// fields named by index_fields, or every string leaf when unset.
func (s *indexerService) memoryIndexText(m *types.EpisodicMemory) (string, error) {
	if s.box == nil || len(m.ValueEncrypted) == 0 {
		return "", nil
	}
	plain, err := s.box.Open(m.ValueEncrypted)
	if err != nil {
		return "", err
	}
	var value map[string]any
	if err := json.Unmarshal(plain, &value); err != nil {
		return "", err
	}

	var fields []string
	if len(m.IndexFields) > 0 {
		if err := json.Unmarshal(m.IndexFields, &fields); err != nil {
			return "", err
		}
	}

	var parts []string
	if len(fields) > 0 {
		for _, f := range fields {
			if v, ok := value[f]; ok {
				if str, ok := v.(string); ok {
					parts = append(parts, str)
				}
			}
		}
	} else {
		parts = stringLeaves(value, nil)
	}
	return strings.Join(parts, "\n"), nil
}

func stringLeaves(v any, acc []string) []string {
	switch t := v.(type) {
	case string:
		acc = append(acc, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc = stringLeaves(t[k], acc)
		}
	case []any:
		for _, inner := range t {
			acc = stringLeaves(inner, acc)
		}
	}
	return acc
}
