package repos

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type MemoryRepo interface {
	Create(dbc dbctx.Context, row *types.EpisodicMemory) (*types.EpisodicMemory, error)
	GetActive(dbc dbctx.Context, namespace, key string) (*types.EpisodicMemory, error)
	GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.EpisodicMemory, error)
	// SoftDeleteActive marks the active (namespace, key) row deleted with the
	// given reason and clears indexed_at so the reaper knows re-indexing is
	// still pending.
	SoftDeleteActive(dbc dbctx.Context, namespace, key string, reason int16, at time.Time) error
	// SearchByAttributes returns active rows under the namespace prefix whose
	// policy_attributes contain every given key/value pair.
	SearchByAttributes(dbc dbctx.Context, nsPrefix string, attrs map[string]string, limit, offset int) ([]*types.EpisodicMemory, error)
	ListEvents(dbc dbctx.Context, nsPrefix string, limit int) ([]*types.EpisodicMemory, error)
	DistinctNamespaces(dbc dbctx.Context, prefix, suffix string, limit int) ([]string, error)
	FindPendingIndexing(dbc dbctx.Context, limit int) ([]*types.EpisodicMemory, error)
	MarkIndexed(dbc dbctx.Context, ids []uuid.UUID, at time.Time) error

	// TTL passes. Each is one statement and idempotent.
	ExpireDue(dbc dbctx.Context, now time.Time) (int64, error)
	HardDeleteSupersededReindexed(dbc dbctx.Context) (int64, error)
	TombstoneDeletedReindexed(dbc dbctx.Context) (int64, error)
	PurgeTombstonesBefore(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type memoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMemoryRepo(db *gorm.DB, log *logger.Logger) MemoryRepo {
	return &memoryRepo{db: db, log: log.With("repo", "MemoryRepo")}
}

func (r *memoryRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *memoryRepo) Create(dbc dbctx.Context, row *types.EpisodicMemory) (*types.EpisodicMemory, error) {
	if row == nil {
		return nil, fmt.Errorf("missing memory row")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *memoryRepo) GetActive(dbc dbctx.Context, namespace, key string) (*types.EpisodicMemory, error) {
	if namespace == "" || key == "" {
		return nil, fmt.Errorf("missing namespace or key")
	}
	var out types.EpisodicMemory
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("namespace = ? AND key = ?", namespace, key).
		Take(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *memoryRepo) GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.EpisodicMemory, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out types.EpisodicMemory
	if err := q.Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *memoryRepo) SoftDeleteActive(dbc dbctx.Context, namespace, key string, reason int16, at time.Time) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.EpisodicMemory{}).
		Where("namespace = ? AND key = ? AND deleted_at IS NULL", namespace, key).
		Updates(map[string]interface{}{
			"deleted_at":     at,
			"deleted_reason": reason,
			"indexed_at":     nil,
		}).Error
}

func (r *memoryRepo) SearchByAttributes(dbc dbctx.Context, nsPrefix string, attrs map[string]string, limit, offset int) ([]*types.EpisodicMemory, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	txx := r.tx(dbc)
	q := txx.WithContext(dbc.Ctx).Model(&types.EpisodicMemory{})
	if nsPrefix != "" {
		q = q.Where("namespace = ? OR namespace LIKE ?", nsPrefix, nsPrefix+"/%")
	}

	if txx.Dialector.Name() == "postgres" && len(attrs) > 0 {
		blob, err := json.Marshal(attrs)
		if err != nil {
			return nil, err
		}
		q = q.Where("policy_attributes @> ?", string(blob))
		var out []*types.EpisodicMemory
		if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
			return nil, err
		}
		return out, nil
	}

	// Non-postgres path: attribute match in Go over the prefix slice.
	var rows []*types.EpisodicMemory
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	matched := make([]*types.EpisodicMemory, 0, len(rows))
	for _, row := range rows {
		if matchesAttributes(row.PolicyAttributes, attrs) {
			matched = append(matched, row)
		}
	}
	if offset >= len(matched) {
		return []*types.EpisodicMemory{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matchesAttributes(raw []byte, attrs map[string]string) bool {
	if len(attrs) == 0 {
		return true
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	for k, want := range attrs {
		v, ok := got[k]
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok || s != want {
			return false
		}
	}
	return true
}

func (r *memoryRepo) ListEvents(dbc dbctx.Context, nsPrefix string, limit int) ([]*types.EpisodicMemory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().Model(&types.EpisodicMemory{})
	if nsPrefix != "" {
		q = q.Where("namespace = ? OR namespace LIKE ?", nsPrefix, nsPrefix+"/%")
	}
	var out []*types.EpisodicMemory
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *memoryRepo) DistinctNamespaces(dbc dbctx.Context, prefix, suffix string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.EpisodicMemory{}).
		Distinct("namespace")
	if prefix != "" {
		q = q.Where("namespace = ? OR namespace LIKE ?", prefix, prefix+"/%")
	}
	if suffix != "" {
		q = q.Where("namespace LIKE ?", "%"+suffix)
	}
	var out []string
	if err := q.Order("namespace ASC").Limit(limit).Pluck("namespace", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *memoryRepo) FindPendingIndexing(dbc dbctx.Context, limit int) ([]*types.EpisodicMemory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.EpisodicMemory
	if err := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Model(&types.EpisodicMemory{}).
		Where("indexed_at IS NULL AND index_disabled = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *memoryRepo) MarkIndexed(dbc dbctx.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Model(&types.EpisodicMemory{}).
		Where("id IN ?", ids).
		Update("indexed_at", at).Error
}

func (r *memoryRepo) ExpireDue(dbc dbctx.Context, now time.Time) (int64, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.EpisodicMemory{}).
		Where("expires_at IS NOT NULL AND expires_at < ? AND deleted_at IS NULL", now).
		Updates(map[string]interface{}{
			"deleted_at":     now,
			"deleted_reason": types.MemoryDeletedExpired,
			"indexed_at":     nil,
		})
	return res.RowsAffected, res.Error
}

func (r *memoryRepo) HardDeleteSupersededReindexed(dbc dbctx.Context) (int64, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_reason = ? AND indexed_at IS NOT NULL", types.MemoryDeletedSuperseded).
		Delete(&types.EpisodicMemory{})
	return res.RowsAffected, res.Error
}

func (r *memoryRepo) TombstoneDeletedReindexed(dbc dbctx.Context) (int64, error) {
	// Keep the row for the event timeline but drop the encrypted payload.
	res := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Model(&types.EpisodicMemory{}).
		Where("deleted_at IS NOT NULL AND deleted_reason IN ? AND indexed_at IS NOT NULL AND value_encrypted IS NOT NULL",
			[]int16{types.MemoryDeletedDeleted, types.MemoryDeletedExpired}).
		Updates(map[string]interface{}{
			"value_encrypted":      nil,
			"attributes_encrypted": nil,
		})
	return res.RowsAffected, res.Error
}

func (r *memoryRepo) PurgeTombstonesBefore(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ? AND value_encrypted IS NULL", cutoff).
		Delete(&types.EpisodicMemory{})
	return res.RowsAffected, res.Error
}
