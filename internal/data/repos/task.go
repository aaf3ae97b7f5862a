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

type TaskRepo interface {
	Enqueue(dbc dbctx.Context, row *types.Task) (*types.Task, error)
	// ClaimNext picks the oldest runnable task and marks it in-flight.
	// Runnable: run_at due, not locked (or lock older than the visibility
	// timeout), attempts below max. Safe across nodes.
	ClaimNext(dbc dbctx.Context, now time.Time, visibility time.Duration, maxAttempts int) (*types.Task, error)
	Complete(dbc dbctx.Context, id uuid.UUID) error
	Fail(dbc dbctx.Context, id uuid.UUID, errMsg string, retryAt time.Time) error
	ListByType(dbc dbctx.Context, taskType string, limit int) ([]*types.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, log *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: log.With("repo", "TaskRepo")}
}

func (r *taskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Enqueue(dbc dbctx.Context, row *types.Task) (*types.Task, error) {
	if row == nil {
		return nil, fmt.Errorf("missing task row")
	}
	if row.RunAt.IsZero() {
		row.RunAt = time.Now().UTC()
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *taskRepo) ClaimNext(dbc dbctx.Context, now time.Time, visibility time.Duration, maxAttempts int) (*types.Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	staleBefore := now.Add(-visibility)

	var claimed *types.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var row types.Task
		q := txx.
			Where("run_at <= ?", now).
			Where("attempts < ?", maxAttempts).
			Where("locked_at IS NULL OR locked_at < ?", staleBefore).
			Order("run_at ASC")
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Take(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		if err := txx.Model(&types.Task{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			}).Error; err != nil {
			return err
		}
		row.LockedAt = &now
		row.Attempts++
		claimed = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRepo) Complete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Task{}).Error
}

func (r *taskRepo) Fail(dbc dbctx.Context, id uuid.UUID, errMsg string, retryAt time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error": errMsg,
			"locked_at":  nil,
			"run_at":     retryAt,
		}).Error
}

func (r *taskRepo) ListByType(dbc dbctx.Context, taskType string, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("type = ?", taskType).
		Order("run_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
