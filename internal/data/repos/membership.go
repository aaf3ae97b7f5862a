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

type MembershipRepo interface {
	Create(dbc dbctx.Context, row *types.ConversationMembership) (*types.ConversationMembership, error)
	GetActive(dbc dbctx.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error)
	LockActive(dbc dbctx.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error)
	ListByGroup(dbc dbctx.Context, groupID uuid.UUID) ([]*types.ConversationMembership, error)
	ListGroupIDsForUser(dbc dbctx.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UpdateLevel(dbc dbctx.Context, id uuid.UUID, level types.AccessLevel) error
	SoftDelete(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error
	HardDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error
	CountActiveByGroup(dbc dbctx.Context, groupID uuid.UUID) (int64, error)
}

type membershipRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMembershipRepo(db *gorm.DB, log *logger.Logger) MembershipRepo {
	return &membershipRepo{db: db, log: log.With("repo", "MembershipRepo")}
}

func (r *membershipRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *membershipRepo) Create(dbc dbctx.Context, row *types.ConversationMembership) (*types.ConversationMembership, error) {
	if row == nil {
		return nil, fmt.Errorf("missing membership row")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *membershipRepo) GetActive(dbc dbctx.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error) {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return nil, fmt.Errorf("missing group_id or user_id")
	}
	var out types.ConversationMembership
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Take(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *membershipRepo) LockActive(dbc dbctx.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error) {
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockActive requires dbc.Tx")
	}
	q := dbc.Tx.WithContext(dbc.Ctx)
	if dbc.Tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out types.ConversationMembership
	err := q.Where("group_id = ? AND user_id = ?", groupID, userID).Take(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *membershipRepo) ListByGroup(dbc dbctx.Context, groupID uuid.UUID) ([]*types.ConversationMembership, error) {
	if groupID == uuid.Nil {
		return nil, fmt.Errorf("missing group_id")
	}
	var out []*types.ConversationMembership
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationMembership{}).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *membershipRepo) ListGroupIDsForUser(dbc dbctx.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	var ids []uuid.UUID
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationMembership{}).
		Where("user_id = ?", userID).
		Pluck("group_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *membershipRepo) UpdateLevel(dbc dbctx.Context, id uuid.UUID, level types.AccessLevel) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationMembership{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_level": level,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (r *membershipRepo) SoftDelete(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationMembership{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at).Error
}

func (r *membershipRepo) SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationMembership{}).
		Where("group_id = ? AND deleted_at IS NULL", groupID).
		Update("deleted_at", at).Error
}

func (r *membershipRepo) HardDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("group_id = ?", groupID).
		Delete(&types.ConversationMembership{}).Error
}

func (r *membershipRepo) CountActiveByGroup(dbc dbctx.Context, groupID uuid.UUID) (int64, error) {
	var n int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ConversationMembership{}).
		Where("group_id = ?", groupID).
		Count(&n).Error
	return n, err
}
