package repos

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type AuditRepo interface {
	Append(dbc dbctx.Context, row *types.AuditRecord) error
	List(dbc dbctx.Context, limit int) ([]*types.AuditRecord, error)
}

type auditRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditRepo(db *gorm.DB, log *logger.Logger) AuditRepo {
	return &auditRepo{db: db, log: log.With("repo", "AuditRepo")}
}

func (r *auditRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *auditRepo) Append(dbc dbctx.Context, row *types.AuditRecord) error {
	if row == nil {
		return fmt.Errorf("missing audit row")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error
}

func (r *auditRepo) List(dbc dbctx.Context, limit int) ([]*types.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*types.AuditRecord
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.AuditRecord{}).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
