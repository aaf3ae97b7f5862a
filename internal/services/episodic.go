package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/pkg/secretbox"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/openai"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
	"github.com/recollect-ai/recollect-backend/internal/policy"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

// MemoryRecord is the decrypted view of one episodic memory row.
type MemoryRecord struct {
	ID               uuid.UUID         `json:"id"`
	Namespace        []string          `json:"namespace"`
	Key              string            `json:"key"`
	Value            map[string]any    `json:"value,omitempty"`
	Attributes       map[string]any    `json:"attributes,omitempty"`
	PolicyAttributes map[string]string `json:"policyAttributes,omitempty"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	DeletedAt        *time.Time        `json:"deletedAt,omitempty"`
	DeletedReason    *int16            `json:"deletedReason,omitempty"`
}

type PutMemoryInput struct {
	Namespace     []string
	Key           string
	Value         map[string]any
	Attributes    map[string]any
	IndexFields   []string
	IndexDisabled bool
	TTL           *time.Duration
}

type MemorySearchInput struct {
	NamespacePrefix []string
	Filter          map[string]string
	Query           string
	Limit           int
	Offset          int
}

type EpisodicService interface {
	Put(ctx context.Context, caller *ctxutil.RequestData, in PutMemoryInput) (*MemoryRecord, error)
	Get(ctx context.Context, caller *ctxutil.RequestData, namespace []string, key string) (*MemoryRecord, error)
	Delete(ctx context.Context, caller *ctxutil.RequestData, namespace []string, key string) error
	Search(ctx context.Context, caller *ctxutil.RequestData, in MemorySearchInput) ([]*MemoryRecord, error)
	// Events returns the lifecycle timeline under a prefix, tombstones
	// included.
	Events(ctx context.Context, caller *ctxutil.RequestData, namespacePrefix []string, limit int) ([]*MemoryRecord, error)
	Namespaces(ctx context.Context, caller *ctxutil.RequestData, prefix []string, suffix string, limit int) ([][]string, error)
	// LoadPolicy hot-swaps the policy ruleset; a failed compile keeps the
	// previous version serving.
	LoadPolicy(ctx context.Context, caller *ctxutil.RequestData, yamlData []byte) error
	PolicyVersion() string
	StartTTL(ctx context.Context)
}

type episodicService struct {
	db  *gorm.DB
	log *logger.Logger

	memoryRepo repos.MemoryRepo
	engine     *policy.Engine
	box        *secretbox.Box
	embedder   openai.Client
	vectors    pinecone.VectorStore
	audit      AuditService

	ttlInterval        time.Duration
	tombstoneRetention time.Duration
}

func NewEpisodicService(
	db *gorm.DB,
	log *logger.Logger,
	memoryRepo repos.MemoryRepo,
	engine *policy.Engine,
	box *secretbox.Box,
	embedder openai.Client,
	vectors pinecone.VectorStore,
	audit AuditService,
) EpisodicService {
	serviceLog := log.With("service", "EpisodicService")
	return &episodicService{
		db:                 db,
		log:                serviceLog,
		memoryRepo:         memoryRepo,
		engine:             engine,
		box:                box,
		embedder:           embedder,
		vectors:            vectors,
		audit:              audit,
		ttlInterval:        utils.GetEnvAsDuration("MEMORY_TTL_INTERVAL", time.Minute, serviceLog),
		tombstoneRetention: utils.GetEnvAsDuration("MEMORY_TOMBSTONE_RETENTION", 30*24*time.Hour, serviceLog),
	}
}

func callerContext(caller *ctxutil.RequestData) policy.CallerContext {
	if caller == nil {
		return policy.CallerContext{}
	}
	return policy.CallerContext{CallerID: caller.UserID.String(), IsAdmin: caller.IsAdmin()}
}

func validateNamespace(namespace []string) error {
	if len(namespace) == 0 {
		return apierr.Validation("namespace required")
	}
	for i, seg := range namespace {
		if strings.TrimSpace(seg) == "" {
			return apierr.Validation(fmt.Sprintf("namespace[%d] must not be empty", i))
		}
		if strings.Contains(seg, "/") {
			return apierr.Validation(fmt.Sprintf("namespace[%d] must not contain '/'", i))
		}
	}
	return nil
}

func (s *episodicService) Put(ctx context.Context, caller *ctxutil.RequestData, in PutMemoryInput) (*MemoryRecord, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if err := validateNamespace(in.Namespace); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Key) == "" {
		return nil, apierr.Validation("key required")
	}
	if len(in.Value) == 0 {
		return nil, apierr.Validation("value required")
	}
	if !s.engine.Authorize(policy.OperationPut, in.Namespace, in.Key, callerContext(caller)) {
		observability.Current().IncMemoryOp("put", "denied")
		return nil, apierr.Forbidden("memory policy denies put")
	}
	observability.Current().IncMemoryOp("put", "allowed")

	valueBlob, err := json.Marshal(in.Value)
	if err != nil {
		return nil, apierr.Validation("value must be JSON-serializable")
	}
	valueEnc, err := s.box.Seal(valueBlob)
	if err != nil {
		return nil, fmt.Errorf("encrypt value: %w", err)
	}
	var attrsEnc []byte
	if len(in.Attributes) > 0 {
		attrsBlob, err := json.Marshal(in.Attributes)
		if err != nil {
			return nil, apierr.Validation("attributes must be JSON-serializable")
		}
		if attrsEnc, err = s.box.Seal(attrsBlob); err != nil {
			return nil, fmt.Errorf("encrypt attributes: %w", err)
		}
	}

	policyAttrs := s.engine.ExtractAttributes(in.Namespace, in.Key, in.Value, in.Attributes)
	policyBlob, err := json.Marshal(policyAttrs)
	if err != nil {
		return nil, err
	}
	var indexFieldsBlob datatypes.JSON
	if len(in.IndexFields) > 0 {
		if indexFieldsBlob, err = json.Marshal(in.IndexFields); err != nil {
			return nil, err
		}
	}
	var expiresAt *time.Time
	if in.TTL != nil && *in.TTL > 0 {
		t := time.Now().UTC().Add(*in.TTL)
		expiresAt = &t
	}

	nsPath := types.NamespacePath(in.Namespace)
	var row *types.EpisodicMemory
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		if err := s.memoryRepo.SoftDeleteActive(dbc, nsPath, in.Key, types.MemoryDeletedSuperseded, time.Now().UTC()); err != nil {
			return err
		}
		row, err = s.memoryRepo.Create(dbc, &types.EpisodicMemory{
			Namespace:           nsPath,
			Key:                 in.Key,
			ValueEncrypted:      valueEnc,
			AttributesEncrypted: attrsEnc,
			PolicyAttributes:    policyBlob,
			IndexFields:         indexFieldsBlob,
			IndexDisabled:       in.IndexDisabled,
			ExpiresAt:           expiresAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.decode(row)
}

func (s *episodicService) Get(ctx context.Context, caller *ctxutil.RequestData, namespace []string, key string) (*MemoryRecord, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	if !s.engine.Authorize(policy.OperationGet, namespace, key, callerContext(caller)) {
		observability.Current().IncMemoryOp("get", "denied")
		return nil, apierr.NotFound("memory not found")
	}
	observability.Current().IncMemoryOp("get", "allowed")
	row, err := s.memoryRepo.GetActive(dbctx.New(ctx), types.NamespacePath(namespace), key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apierr.NotFound("memory not found")
	}
	return s.decode(row)
}

func (s *episodicService) Delete(ctx context.Context, caller *ctxutil.RequestData, namespace []string, key string) error {
	if caller == nil {
		return apierr.Unauthorized("missing caller")
	}
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if !s.engine.Authorize(policy.OperationDelete, namespace, key, callerContext(caller)) {
		observability.Current().IncMemoryOp("delete", "denied")
		return apierr.NotFound("memory not found")
	}
	observability.Current().IncMemoryOp("delete", "allowed")
	nsPath := types.NamespacePath(namespace)
	row, err := s.memoryRepo.GetActive(dbctx.New(ctx), nsPath, key)
	if err != nil {
		return err
	}
	if row == nil {
		return apierr.NotFound("memory not found")
	}
	return s.memoryRepo.SoftDeleteActive(dbctx.New(ctx), nsPath, key, types.MemoryDeletedDeleted, time.Now().UTC())
}

func (s *episodicService) Search(ctx context.Context, caller *ctxutil.RequestData, in MemorySearchInput) ([]*MemoryRecord, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if !s.engine.Authorize(policy.OperationSearch, in.NamespacePrefix, "", callerContext(caller)) {
		observability.Current().IncMemoryOp("search", "denied")
		return nil, apierr.Forbidden("memory policy denies search")
	}
	observability.Current().IncMemoryOp("search", "allowed")
	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 20
	}

	effectivePrefix, attrFilter := s.engine.InjectFilter(in.NamespacePrefix, in.Filter, callerContext(caller))
	nsPrefix := types.NamespacePath(effectivePrefix)

	if strings.TrimSpace(in.Query) != "" && s.embedder != nil && s.vectors != nil {
		return s.semanticSearch(ctx, nsPrefix, attrFilter, in.Query, in.Limit)
	}

	rows, err := s.memoryRepo.SearchByAttributes(dbctx.New(ctx), nsPrefix, attrFilter, in.Limit, in.Offset)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(rows)
}

func (s *episodicService) semanticSearch(ctx context.Context, nsPrefix string, attrFilter map[string]string, query string, limit int) ([]*MemoryRecord, error) {
	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return []*MemoryRecord{}, nil
	}

	filter := map[string]any{}
	for k, v := range attrFilter {
		filter["attr_"+k] = map[string]any{"$eq": v}
	}
	matches, err := s.vectors.QueryMatches(ctx, VectorNamespaceMemories, embeddings[0], limit*2, filter)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]*MemoryRecord, 0, limit)
	for _, m := range matches {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		row, err := s.memoryRepo.GetByID(dbctx.New(ctx), id, false)
		if err != nil {
			continue
		}
		// The vector index may lag namespace moves and deletions; re-verify.
		if nsPrefix != "" && row.Namespace != nsPrefix && !strings.HasPrefix(row.Namespace, nsPrefix+"/") {
			continue
		}
		rec, err := s.decode(row)
		if err != nil {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *episodicService) Events(ctx context.Context, caller *ctxutil.RequestData, namespacePrefix []string, limit int) ([]*MemoryRecord, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	effectivePrefix, _ := s.engine.InjectFilter(namespacePrefix, nil, callerContext(caller))
	rows, err := s.memoryRepo.ListEvents(dbctx.New(ctx), types.NamespacePath(effectivePrefix), limit)
	if err != nil {
		return nil, err
	}
	// Timeline rows keep metadata only; tombstones have no payload anyway.
	out := make([]*MemoryRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordHeader(row))
	}
	return out, nil
}

func (s *episodicService) Namespaces(ctx context.Context, caller *ctxutil.RequestData, prefix []string, suffix string, limit int) ([][]string, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	effectivePrefix, _ := s.engine.InjectFilter(prefix, nil, callerContext(caller))
	paths, err := s.memoryRepo.DistinctNamespaces(dbctx.New(ctx), types.NamespacePath(effectivePrefix), suffix, limit)
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.Split(p, "/"))
	}
	return out, nil
}

func (s *episodicService) LoadPolicy(ctx context.Context, caller *ctxutil.RequestData, yamlData []byte) error {
	if caller == nil || !caller.IsAdmin() {
		return apierr.Forbidden("policy updates require admin")
	}
	if err := s.engine.LoadYAML(yamlData); err != nil {
		return apierr.Validation(err.Error())
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, caller, AuditActionPolicyReload, "memory_policy", s.engine.Version(), "", nil)
	}
	return nil
}

func (s *episodicService) PolicyVersion() string {
	return s.engine.Version()
}

func (s *episodicService) StartTTL(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.ttlInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ttlTick(ctx)
			}
		}
	}()
}

// ttlTick runs the four lifecycle passes. Each is idempotent; order matters
// only in that expiry precedes cleanup.
func (s *episodicService) ttlTick(ctx context.Context) {
	dbc := dbctx.New(ctx)
	now := time.Now().UTC()

	expired, err := s.memoryRepo.ExpireDue(dbc, now)
	if err != nil {
		s.log.Warn("Memory expire pass failed", "error", err)
	}
	superseded, err := s.memoryRepo.HardDeleteSupersededReindexed(dbc)
	if err != nil {
		s.log.Warn("Memory superseded cleanup failed", "error", err)
	}
	tombstoned, err := s.memoryRepo.TombstoneDeletedReindexed(dbc)
	if err != nil {
		s.log.Warn("Memory tombstone pass failed", "error", err)
	}
	purged, err := s.memoryRepo.PurgeTombstonesBefore(dbc, now.Add(-s.tombstoneRetention))
	if err != nil {
		s.log.Warn("Memory tombstone purge failed", "error", err)
	}
	if expired+superseded+tombstoned+purged > 0 {
		s.log.Info("Memory TTL tick", "expired", expired, "superseded_removed", superseded, "tombstoned", tombstoned, "purged", purged)
	}
}

func (s *episodicService) decodeAll(rows []*types.EpisodicMemory) ([]*MemoryRecord, error) {
	out := make([]*MemoryRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *episodicService) decode(row *types.EpisodicMemory) (*MemoryRecord, error) {
	rec := recordHeader(row)
	if len(row.ValueEncrypted) > 0 {
		plain, err := s.box.Open(row.ValueEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt value: %w", err)
		}
		if err := json.Unmarshal(plain, &rec.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if len(row.AttributesEncrypted) > 0 {
		plain, err := s.box.Open(row.AttributesEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt attributes: %w", err)
		}
		if err := json.Unmarshal(plain, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return rec, nil
}

func recordHeader(row *types.EpisodicMemory) *MemoryRecord {
	rec := &MemoryRecord{
		ID:            row.ID,
		Namespace:     strings.Split(row.Namespace, "/"),
		Key:           row.Key,
		ExpiresAt:     row.ExpiresAt,
		CreatedAt:     row.CreatedAt,
		DeletedReason: row.DeletedReason,
	}
	if row.DeletedAt.Valid {
		t := row.DeletedAt.Time
		rec.DeletedAt = &t
	}
	if len(row.PolicyAttributes) > 0 {
		_ = json.Unmarshal(row.PolicyAttributes, &rec.PolicyAttributes)
	}
	return rec
}
