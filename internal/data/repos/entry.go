package repos

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

// EpochLatest and EpochAll are sentinels for the epoch filter.
const (
	EpochLatest int64 = -1
	EpochAll    int64 = -2
)

type EntryFilter struct {
	Channel types.Channel
	// Epoch is a concrete epoch, EpochLatest, or EpochAll.
	Epoch int64
	// After restricts to entries created strictly after the given entry.
	AfterEntryID *uuid.UUID
	Limit        int
}

type FulltextMatch struct {
	Entry *types.Entry
	Score float64
}

type EntryRepo interface {
	Create(dbc dbctx.Context, rows []*types.Entry) ([]*types.Entry, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Entry, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Entry, error)
	ListByConversation(dbc dbctx.Context, conversationID uuid.UUID, currentEpoch int64, f EntryFilter) ([]*types.Entry, error)
	ListByConversations(dbc dbctx.Context, conversationIDs []uuid.UUID, currentEpochs map[uuid.UUID]int64, f EntryFilter) ([]*types.Entry, error)
	// ListUpTo returns entries of a conversation with created_at <= upTo,
	// used for the fork virtual prefix.
	ListUpTo(dbc dbctx.Context, conversationID uuid.UUID, channel types.Channel, upTo time.Time) ([]*types.Entry, error)
	LastCreatedAt(dbc dbctx.Context, conversationID uuid.UUID) (*time.Time, error)
	FindPendingVectorIndexing(dbc dbctx.Context, limit int) ([]*types.Entry, error)
	MarkIndexed(dbc dbctx.Context, ids []uuid.UUID, at time.Time) error
	SearchFulltext(dbc dbctx.Context, groupIDs []uuid.UUID, query string, limit int) ([]FulltextMatch, error)
	SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error
	HardDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error
}

type entryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEntryRepo(db *gorm.DB, log *logger.Logger) EntryRepo {
	return &entryRepo{db: db, log: log.With("repo", "EntryRepo")}
}

func (r *entryRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *entryRepo) Create(dbc dbctx.Context, rows []*types.Entry) ([]*types.Entry, error) {
	if len(rows) == 0 {
		return []*types.Entry{}, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *entryRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Entry, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	var out types.Entry
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *entryRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Entry, error) {
	if len(ids) == 0 {
		return []*types.Entry{}, nil
	}
	var out []*types.Entry
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func applyEpochFilter(q *gorm.DB, epoch int64, currentEpoch int64) *gorm.DB {
	switch epoch {
	case EpochAll:
		return q
	case EpochLatest:
		return q.Where("epoch = ?", currentEpoch)
	default:
		return q.Where("epoch = ?", epoch)
	}
}

func (r *entryRepo) ListByConversation(dbc dbctx.Context, conversationID uuid.UUID, currentEpoch int64, f EntryFilter) ([]*types.Entry, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("conversation_id = ?", conversationID)
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	q = applyEpochFilter(q, f.Epoch, currentEpoch)
	if f.AfterEntryID != nil {
		after, err := r.GetByID(dbc, *f.AfterEntryID)
		if err != nil {
			return nil, fmt.Errorf("resolve after entry: %w", err)
		}
		q = q.Where("created_at > ?", after.CreatedAt)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*types.Entry
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *entryRepo) ListByConversations(dbc dbctx.Context, conversationIDs []uuid.UUID, currentEpochs map[uuid.UUID]int64, f EntryFilter) ([]*types.Entry, error) {
	if len(conversationIDs) == 0 {
		return []*types.Entry{}, nil
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("conversation_id IN ?", conversationIDs)
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	var out []*types.Entry
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	// Epoch filtering is per conversation; applied here rather than in SQL.
	if f.Epoch == EpochAll {
		return out, nil
	}
	filtered := out[:0]
	for _, e := range out {
		want := f.Epoch
		if want == EpochLatest {
			want = currentEpochs[e.ConversationID]
		}
		if e.Epoch == want {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (r *entryRepo) ListUpTo(dbc dbctx.Context, conversationID uuid.UUID, channel types.Channel, upTo time.Time) ([]*types.Entry, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("conversation_id = ? AND created_at <= ?", conversationID, upTo)
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var out []*types.Entry
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *entryRepo) LastCreatedAt(dbc dbctx.Context, conversationID uuid.UUID) (*time.Time, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	var row types.Entry
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Take(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	t := row.CreatedAt
	return &t, nil
}

func (r *entryRepo) FindPendingVectorIndexing(dbc dbctx.Context, limit int) ([]*types.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.Entry
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("indexed_at IS NULL AND indexed_content <> ''").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *entryRepo) MarkIndexed(dbc dbctx.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("id IN ?", ids).
		Update("indexed_at", at).Error
}

func (r *entryRepo) SearchFulltext(dbc dbctx.Context, groupIDs []uuid.UUID, query string, limit int) ([]FulltextMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(groupIDs) == 0 {
		return []FulltextMatch{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	txx := r.tx(dbc)
	if txx.Dialector.Name() == "postgres" {
		type ranked struct {
			types.Entry
			Rank float64 `gorm:"column:rank"`
		}
		var rows []ranked
		err := txx.WithContext(dbc.Ctx).
			Model(&types.Entry{}).
			Select("entry.*, ts_rank(to_tsvector('english', indexed_content), plainto_tsquery('english', ?)) AS rank", query).
			Where("group_id IN ?", groupIDs).
			Where("to_tsvector('english', indexed_content) @@ plainto_tsquery('english', ?)", query).
			Order("rank DESC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		out := make([]FulltextMatch, 0, len(rows))
		for i := range rows {
			e := rows[i].Entry
			out = append(out, FulltextMatch{Entry: &e, Score: rows[i].Rank})
		}
		return out, nil
	}

	// Degraded lexical matching for non-postgres backends: require every
	// term, score by term count.
	terms := strings.Fields(strings.ToLower(query))
	q := txx.WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("group_id IN ?", groupIDs)
	for _, t := range terms {
		q = q.Where("LOWER(indexed_content) LIKE ?", "%"+t+"%")
	}
	var rows []*types.Entry
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]FulltextMatch, 0, len(rows))
	for _, e := range rows {
		score := 0.0
		lc := strings.ToLower(e.IndexedContent)
		for _, t := range terms {
			score += float64(strings.Count(lc, t))
		}
		out = append(out, FulltextMatch{Entry: e, Score: score})
	}
	return out, nil
}

func (r *entryRepo) SoftDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID, at time.Time) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Entry{}).
		Where("group_id = ? AND deleted_at IS NULL", groupID).
		Update("deleted_at", at).Error
}

func (r *entryRepo) HardDeleteByGroup(dbc dbctx.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fmt.Errorf("missing group_id")
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Unscoped().
		Where("group_id = ?", groupID).
		Delete(&types.Entry{}).Error
}
