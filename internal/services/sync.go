package services

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
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
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

type SyncEntryInput struct {
	ContentType    string
	Content        datatypes.JSON
	IndexedContent string
	Role           string
}

type SyncResult struct {
	NoOp             bool
	EpochIncremented bool
	Epoch            int64
	Entries          []*types.Entry
}

// SyncService reconciles an agent's authoritative memory transcript against
// the stored MEMORY channel. The agent sends the full transcript each turn;
// the service appends the missing suffix, or advances the epoch and rewrites
// when the histories diverged.
type SyncService interface {
	SyncConversationMemory(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, incoming []SyncEntryInput, clientID string) (*SyncResult, error)
}

type syncService struct {
	db  *gorm.DB
	log *logger.Logger

	conversationRepo repos.ConversationRepo
	entryRepo        repos.EntryRepo

	access  AccessService
	indexer EntryIndexer
}

func NewSyncService(
	db *gorm.DB,
	log *logger.Logger,
	conversationRepo repos.ConversationRepo,
	entryRepo repos.EntryRepo,
	access AccessService,
	indexer EntryIndexer,
) SyncService {
	return &syncService{
		db:               db,
		log:              log.With("service", "SyncService"),
		conversationRepo: conversationRepo,
		entryRepo:        entryRepo,
		access:           access,
		indexer:          indexer,
	}
}

func (s *syncService) SyncConversationMemory(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, incoming []SyncEntryInput, clientID string) (*SyncResult, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if conversationID == uuid.Nil {
		return nil, apierr.Validation("missing conversation id")
	}
	for i, e := range incoming {
		if len(e.Content) == 0 {
			return nil, apierr.Validation(fmt.Sprintf("entries[%d].content required", i))
		}
	}
	if clientID == "" {
		clientID = caller.ClientID
	}

	var out *SyncResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)

		// The row lock serializes concurrent syncs on the conversation.
		conv, err := s.conversationRepo.LockByID(dbc, conversationID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return apierr.NotFound("conversation not found")
			}
			return err
		}
		if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessWriter); err != nil {
			return err
		}

		stored, err := s.entryRepo.ListByConversation(dbc, conv.ID, conv.Epoch, repos.EntryFilter{
			Channel: types.ChannelMemory,
			Epoch:   repos.EpochLatest,
		})
		if err != nil {
			return err
		}

		matched := matchedPrefixLen(stored, incoming)

		switch {
		case matched == len(stored) && matched == len(incoming):
			out = &SyncResult{NoOp: true, Epoch: conv.Epoch, Entries: []*types.Entry{}}
			return nil

		case matched == len(stored) && len(stored) < len(incoming):
			created, err := s.appendMemory(dbc, caller, conv, incoming[len(stored):], conv.Epoch, clientID)
			if err != nil {
				return err
			}
			out = &SyncResult{Epoch: conv.Epoch, Entries: created}
			return nil

		default:
			newEpoch := conv.Epoch + 1
			if err := s.conversationRepo.UpdateFields(dbc, conv.ID, map[string]interface{}{"epoch": newEpoch}); err != nil {
				return err
			}
			created, err := s.appendMemory(dbc, caller, conv, incoming, newEpoch, clientID)
			if err != nil {
				return err
			}
			s.log.Info("Sync divergence, epoch advanced",
				"conversation_id", conv.ID, "epoch", newEpoch, "client_id", clientID,
				"stored_entries", len(stored), "incoming_entries", len(incoming), "matched_prefix", matched)
			out = &SyncResult{EpochIncremented: true, Epoch: newEpoch, Entries: created}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if m := observability.Current(); m != nil {
		switch {
		case out.NoOp:
			m.IncSyncOutcome("noop")
		case out.EpochIncremented:
			m.IncSyncOutcome("divergence")
		default:
			m.IncSyncOutcome("append")
		}
	}

	if s.indexer != nil && len(out.Entries) > 0 {
		s.indexer.IndexCommitted(ctx, out.Entries)
	}
	return out, nil
}

func (s *syncService) appendMemory(dbc dbctx.Context, caller *ctxutil.RequestData, conv *types.Conversation, inputs []SyncEntryInput, epoch int64, clientID string) ([]*types.Entry, error) {
	last, err := s.entryRepo.LastCreatedAt(dbc, conv.ID)
	if err != nil {
		return nil, err
	}

	rows := make([]*types.Entry, 0, len(inputs))
	for _, in := range inputs {
		at := nextCreatedAt(last)
		last = &at
		userID := caller.UserID
		rows = append(rows, &types.Entry{
			ConversationID: conv.ID,
			GroupID:        conv.GroupID,
			Channel:        types.ChannelMemory,
			ContentType:    in.ContentType,
			Content:        in.Content,
			IndexedContent: in.IndexedContent,
			Role:           in.Role,
			UserID:         &userID,
			ClientID:       clientID,
			Epoch:          epoch,
			CreatedAt:      at,
		})
	}

	created, err := s.entryRepo.Create(dbc, rows)
	if err != nil {
		return nil, err
	}
	if err := s.conversationRepo.Touch(dbc, conv.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return created, nil
}

// matchedPrefixLen counts how many leading stored entries structurally match
// the incoming transcript, comparing content only. userId is ignored because
// the agent may not know it.
func matchedPrefixLen(stored []*types.Entry, incoming []SyncEntryInput) int {
	n := 0
	for n < len(stored) && n < len(incoming) {
		if !contentEqual(stored[n].Content, incoming[n].Content) {
			return n
		}
		n++
	}
	return n
}

// contentEqual compares two JSON documents structurally; object key order is
// irrelevant.
func contentEqual(a, b datatypes.JSON) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
