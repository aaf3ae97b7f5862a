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

type GroupRepo interface {
	Create(dbc dbctx.Context, row *types.ConversationGroup) (*types.ConversationGroup, error)
	GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.ConversationGroup, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.ConversationGroup, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	SoftDelete(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	ListDeletedBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ConversationGroup, error)
	ListAllIDs(dbc dbctx.Context) ([]uuid.UUID, error)
	HardDelete(dbc dbctx.Context, id uuid.UUID) error
}

type groupRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGroupRepo(db *gorm.DB, log *logger.Logger) GroupRepo {
	return &groupRepo{db: db, log: log.With("repo", "GroupRepo")}
}

func (r *groupRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *groupRepo) Create(dbc dbctx.Context, row *types.ConversationGroup) (*types.ConversationGroup, error) {
	if row == nil {
		return nil, fmt.Errorf("missing group row")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *groupRepo) GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.ConversationGroup, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out types.ConversationGroup
	if err := q.Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *groupRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.ConversationGroup, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByID requires dbc.Tx")
	}
	q := dbc.Tx.WithContext(dbc.Ctx)
	if dbc.Tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out types.ConversationGroup
	if err := q.Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *groupRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationGroup{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *groupRepo) SoftDelete(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationGroup{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at).Error
}

func (r *groupRepo) ListDeletedBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ConversationGroup, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*types.ConversationGroup
	if err := r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Model(&types.ConversationGroup{}).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Order("deleted_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *groupRepo) ListAllIDs(dbc dbctx.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationGroup{}).
		Pluck("id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *groupRepo) HardDelete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("id = ?", id).
		Delete(&types.ConversationGroup{}).Error
}
