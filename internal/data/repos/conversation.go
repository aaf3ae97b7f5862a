package repos

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

// ListMode selects which conversations of each group a listing returns.
type ListMode string

const (
	ListModeLatestFork ListMode = "latest-fork"
	ListModeRoots      ListMode = "roots"
	ListModeAll        ListMode = "all"
)

type ConversationPage struct {
	Rows       []*types.Conversation
	NextCursor string
}

type ConversationRepo interface {
	Create(dbc dbctx.Context, row *types.Conversation) (*types.Conversation, error)
	GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.Conversation, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error)
	List(dbc dbctx.Context, groupIDs []uuid.UUID, mode ListMode, query string, afterCursor string, limit int, includeDeleted bool) (*ConversationPage, error)
	ListByGroup(dbc dbctx.Context, groupID uuid.UUID, includeDeleted bool) ([]*types.Conversation, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Touch(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error
	HardDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, log *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: log.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *conversationRepo) Create(dbc dbctx.Context, row *types.Conversation) (*types.Conversation, error) {
	if row == nil {
		return nil, fmt.Errorf("missing conversation row")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *conversationRepo) GetByID(dbc dbctx.Context, id uuid.UUID, includeDeleted bool) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out types.Conversation
	if err := q.Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *conversationRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByID requires dbc.Tx")
	}
	q := dbc.Tx.WithContext(dbc.Ctx)
	// sqlite has no row locks; the single writer connection serializes instead.
	if dbc.Tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out types.Conversation
	if err := q.Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *conversationRepo) List(dbc dbctx.Context, groupIDs []uuid.UUID, mode ListMode, query string, afterCursor string, limit int, includeDeleted bool) (*ConversationPage, error) {
	if len(groupIDs) == 0 {
		return &ConversationPage{Rows: []*types.Conversation{}}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&types.Conversation{})
	if includeDeleted {
		q = q.Unscoped()
	}
	q = q.Where("group_id IN ?", groupIDs)

	switch mode {
	case ListModeRoots:
		q = q.Where("forked_at_conversation_id IS NULL")
	case ListModeLatestFork, "":
		// The currently-active branch per group: the conversation with the
		// most recent updated_at.
		q = q.Where(`updated_at = (
			SELECT MAX(c2.updated_at) FROM conversation c2
			WHERE c2.group_id = conversation.group_id AND c2.deleted_at IS NULL
		)`)
	case ListModeAll:
	default:
		return nil, fmt.Errorf("unknown list mode %q", mode)
	}

	if query = strings.TrimSpace(query); query != "" {
		q = q.Where("title LIKE ?", "%"+query+"%")
	}

	if afterCursor != "" {
		at, id, err := DecodeCursor(afterCursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("(updated_at < ?) OR (updated_at = ? AND id < ?)", at, at, id)
	}

	var rows []*types.Conversation
	if err := q.Order("updated_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &ConversationPage{Rows: rows}
	if len(rows) > limit {
		page.Rows = rows[:limit]
		last := page.Rows[limit-1]
		page.NextCursor = EncodeCursor(last.UpdatedAt, last.ID)
	}
	return page, nil
}

func (r *conversationRepo) ListByGroup(dbc dbctx.Context, groupID uuid.UUID, includeDeleted bool) ([]*types.Conversation, error) {
	if groupID == uuid.Nil {
		return nil, fmt.Errorf("missing group_id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx)
	if includeDeleted {
		q = q.Unscoped()
	}
	var out []*types.Conversation
	if err := q.Model(&types.Conversation{}).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversationRepo) Touch(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", at).Error
}

func (r *conversationRepo) SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Conversation{}).
		Where("group_id = ? AND deleted_at IS NULL", groupID).
		Update("deleted_at", at).Error
}

func (r *conversationRepo) HardDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("group_id = ?", groupID).
		Delete(&types.Conversation{}).Error
}
