package repos

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type TransferRepo interface {
	Create(dbc dbctx.Context, row *types.OwnershipTransfer) (*types.OwnershipTransfer, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.OwnershipTransfer, error)
	GetByGroup(dbc dbctx.Context, groupID uuid.UUID) (*types.OwnershipTransfer, error)
	ListForUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.OwnershipTransfer, error)
	GetPendingFor(dbc dbctx.Context, groupID, toUserID uuid.UUID) (*types.OwnershipTransfer, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
	DeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error
}

type transferRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransferRepo(db *gorm.DB, log *logger.Logger) TransferRepo {
	return &transferRepo{db: db, log: log.With("repo", "TransferRepo")}
}

func (r *transferRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *transferRepo) Create(dbc dbctx.Context, row *types.OwnershipTransfer) (*types.OwnershipTransfer, error) {
	if row == nil {
		return nil, fmt.Errorf("missing transfer row")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *transferRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.OwnershipTransfer, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	var out types.OwnershipTransfer
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *transferRepo) GetByGroup(dbc dbctx.Context, groupID uuid.UUID) (*types.OwnershipTransfer, error) {
	if groupID == uuid.Nil {
		return nil, fmt.Errorf("missing group_id")
	}
	var out types.OwnershipTransfer
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("group_id = ?", groupID).Take(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *transferRepo) ListForUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.OwnershipTransfer, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	var out []*types.OwnershipTransfer
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.OwnershipTransfer{}).
		Where("from_user_id = ? OR to_user_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *transferRepo) GetPendingFor(dbc dbctx.Context, groupID, toUserID uuid.UUID) (*types.OwnershipTransfer, error) {
	var out types.OwnershipTransfer
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("group_id = ? AND to_user_id = ?", groupID, toUserID).
		Take(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *transferRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.OwnershipTransfer{}).Error
}

func (r *transferRepo) DeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("group_id = ?", groupID).
		Delete(&types.OwnershipTransfer{}).Error
}
