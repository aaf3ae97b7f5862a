package repos

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type AttachmentRepo interface {
	Create(dbc dbctx.Context, row *types.Attachment) (*types.Attachment, error)
	GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.Attachment, error)
	GetBySHA(dbc dbctx.Context, sha256 string) (*types.Attachment, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Attachment, error)
	ListRecent(dbc dbctx.Context, includeDeleted bool, limit int) ([]*types.Attachment, error)
	ListExpiredUnlinked(dbc dbctx.Context, now time.Time, limit int) ([]*types.Attachment, error)
	ListSoftDeletedBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Attachment, error)
	ListByGroup(dbc dbctx.Context, groupID uuid.UUID, includeDeleted bool) ([]*types.Attachment, error)
	SoftDelete(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error
	HardDelete(dbc dbctx.Context, id uuid.UUID) error
	// LockByStorageKey locks every attachment row sharing a storage key, so
	// reference counting over the key is race-free.
	LockByStorageKey(dbc dbctx.Context, storageKey string) ([]*types.Attachment, error)
	CountByStorageKey(dbc dbctx.Context, storageKey string, excludeID uuid.UUID) (int64, error)
}

type attachmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttachmentRepo(db *gorm.DB, log *logger.Logger) AttachmentRepo {
	return &attachmentRepo{db: db, log: log.With("repo", "AttachmentRepo")}
}

func (r *attachmentRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *attachmentRepo) Create(dbc dbctx.Context, row *types.Attachment) (*types.Attachment, error) {
	if row == nil {
		return nil, fmt.Errorf("missing attachment row")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *attachmentRepo) GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.Attachment, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out types.Attachment
	if err := q.Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *attachmentRepo) GetBySHA(dbc dbctx.Context, sha256 string) (*types.Attachment, error) {
	if sha256 == "" {
		return nil, fmt.Errorf("missing sha256")
	}
	var out types.Attachment
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("sha256 = ? AND status = ?", sha256, types.AttachmentStatusReady).
		Order("created_at ASC").
		Take(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *attachmentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Attachment{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *attachmentRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Attachment, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var out []*types.Attachment
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Attachment{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) ListRecent(dbc dbctx.Context, includeDeleted bool, limit int) ([]*types.Attachment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&types.Attachment{})
	if includeDeleted {
		q = q.Unscoped()
	}
	var out []*types.Attachment
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) ListExpiredUnlinked(dbc dbctx.Context, now time.Time, limit int) ([]*types.Attachment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Attachment
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Attachment{}).
		Where("expires_at IS NOT NULL AND expires_at < ? AND entry_id IS NULL", now).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) ListSoftDeletedBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Attachment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Attachment
	if err := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Model(&types.Attachment{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) ListByGroup(dbc dbctx.Context, groupID uuid.UUID, includeDeleted bool) ([]*types.Attachment, error) {
	if groupID == uuid.Nil {
		return nil, fmt.Errorf("missing group_id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out []*types.Attachment
	if err := q.Model(&types.Attachment{}).
		Where("entry_id IN (?)", r.tx(dbc).Unscoped().Model(&types.Entry{}).Select("id").Where("group_id = ?", groupID)).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) SoftDelete(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Attachment{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at).Error
}

func (r *attachmentRepo) SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Attachment{}).
		Where("entry_id IN (?) AND deleted_at IS NULL",
			r.tx(dbc).Unscoped().Model(&types.Entry{}).Select("id").Where("group_id = ?", groupID)).
		Update("deleted_at", at).Error
}

func (r *attachmentRepo) HardDelete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("id = ?", id).
		Delete(&types.Attachment{}).Error
}

func (r *attachmentRepo) LockByStorageKey(dbc dbctx.Context, storageKey string) ([]*types.Attachment, error) {
	if storageKey == "" {
		return nil, fmt.Errorf("missing storage_key")
	}
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByStorageKey requires dbc.Tx")
	}
	var out []*types.Attachment
	q := dbc.Tx.WithContext(dbc.Ctx).Unscoped().Model(&types.Attachment{})
	if dbc.Tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("storage_key = ?", storageKey).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attachmentRepo) CountByStorageKey(dbc dbctx.Context, storageKey string, excludeID uuid.UUID) (int64, error) {
	if storageKey == "" {
		return 0, fmt.Errorf("missing storage_key")
	}
	var n int64
	err := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Model(&types.Attachment{}).
		Where("storage_key = ? AND id <> ?", storageKey, excludeID).
		Count(&n).Error
	return n, err
}
