package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

const (
	maxMetadataKeys  = 50
	maxMetadataBytes = 16 * 1024
)

// EntryIndexer receives entries after their transaction commits. The append
// path must never hold its DB transaction across the embedding call.
type EntryIndexer interface {
	IndexCommitted(ctx context.Context, entries []*types.Entry)
}

type CreateConversationInput struct {
	Title    string
	Metadata datatypes.JSON
}

type AppendEntryInput struct {
	Channel        types.Channel
	ContentType    string
	Content        datatypes.JSON
	IndexedContent string
	Role           string

	// Fork pointers. Set on the first entry appended to a fresh conversation
	// id to fork off the referenced parent entry.
	ForkedAtConversationID *uuid.UUID
	ForkedAtEntryID        *uuid.UUID
}

type ListEntriesInput struct {
	Channel types.Channel
	// Epoch is a concrete epoch, repos.EpochLatest, or repos.EpochAll.
	Epoch int64
	// Forks interleaves entries of sibling conversations in the group.
	Forks        bool
	AfterEntryID *uuid.UUID
	Limit        int
}

type ConversationService interface {
	Create(ctx context.Context, caller *ctxutil.RequestData, in CreateConversationInput) (*types.Conversation, error)
	List(ctx context.Context, caller *ctxutil.RequestData, mode repos.ListMode, query, afterCursor string, limit int) (*repos.ConversationPage, error)
	Get(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Conversation, error)
	Update(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID, title *string, metadata datatypes.JSON) (*types.Conversation, error)
	// Delete soft-deletes the whole fork tree the conversation belongs to.
	Delete(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) error

	ListEntries(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, in ListEntriesInput) ([]*types.Entry, error)
	AppendEntries(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, entries []AppendEntryInput) ([]*types.Entry, error)
	ListForks(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) ([]*types.Conversation, error)

	ListMemberships(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) ([]*types.ConversationMembership, error)
	Share(ctx context.Context, caller *ctxutil.RequestData, conversationID, userID uuid.UUID, level types.AccessLevel) (*types.ConversationMembership, error)
	UpdateMembership(ctx context.Context, caller *ctxutil.RequestData, conversationID, membershipID uuid.UUID, level types.AccessLevel) error
	DeleteMembership(ctx context.Context, caller *ctxutil.RequestData, conversationID, membershipID uuid.UUID) error

	CreateTransfer(ctx context.Context, caller *ctxutil.RequestData, conversationID, toUserID uuid.UUID) (*types.OwnershipTransfer, error)
	AcceptTransfer(ctx context.Context, caller *ctxutil.RequestData, transferID uuid.UUID) error
	DeleteTransfer(ctx context.Context, caller *ctxutil.RequestData, transferID uuid.UUID) error
	ListTransfers(ctx context.Context, caller *ctxutil.RequestData) ([]*types.OwnershipTransfer, error)
}

type conversationService struct {
	db  *gorm.DB
	log *logger.Logger

	groupRepo        repos.GroupRepo
	conversationRepo repos.ConversationRepo
	entryRepo        repos.EntryRepo
	membershipRepo   repos.MembershipRepo
	transferRepo     repos.TransferRepo
	attachmentRepo   repos.AttachmentRepo

	access  AccessService
	indexer EntryIndexer
	audit   AuditService
}

func NewConversationService(
	db *gorm.DB,
	log *logger.Logger,
	groupRepo repos.GroupRepo,
	conversationRepo repos.ConversationRepo,
	entryRepo repos.EntryRepo,
	membershipRepo repos.MembershipRepo,
	transferRepo repos.TransferRepo,
	attachmentRepo repos.AttachmentRepo,
	access AccessService,
	indexer EntryIndexer,
	audit AuditService,
) ConversationService {
	return &conversationService{
		db:               db,
		log:              log.With("service", "ConversationService"),
		groupRepo:        groupRepo,
		conversationRepo: conversationRepo,
		entryRepo:        entryRepo,
		membershipRepo:   membershipRepo,
		transferRepo:     transferRepo,
		attachmentRepo:   attachmentRepo,
		access:           access,
		indexer:          indexer,
		audit:            audit,
	}
}

func (s *conversationService) Create(ctx context.Context, caller *ctxutil.RequestData, in CreateConversationInput) (*types.Conversation, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if err := validateMetadata(in.Metadata); err != nil {
		return nil, err
	}

	var out *types.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)

		group, err := s.groupRepo.Create(dbc, &types.ConversationGroup{OwnerUserID: caller.UserID})
		if err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		conv, err := s.conversationRepo.Create(dbc, &types.Conversation{
			GroupID:  group.ID,
			Title:    in.Title,
			Metadata: in.Metadata,
			Epoch:    1,
		})
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		if _, err := s.membershipRepo.Create(dbc, &types.ConversationMembership{
			GroupID:     group.ID,
			UserID:      caller.UserID,
			AccessLevel: types.AccessOwner,
		}); err != nil {
			return fmt.Errorf("create owner membership: %w", err)
		}
		out = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Conversation created", "conversation_id", out.ID, "group_id", out.GroupID, "user_id", caller.UserID)
	return out, nil
}

func (s *conversationService) List(ctx context.Context, caller *ctxutil.RequestData, mode repos.ListMode, query, afterCursor string, limit int) (*repos.ConversationPage, error) {
	dbc := dbctx.New(ctx)
	groupIDs, err := s.access.AccessibleGroupIDs(dbc, caller)
	if err != nil {
		return nil, err
	}
	return s.conversationRepo.List(dbc, groupIDs, mode, query, afterCursor, limit, false)
}

func (s *conversationService) Get(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Conversation, error) {
	dbc := dbctx.New(ctx)
	conv, err := s.resolve(dbc, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessReader); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *conversationService) Update(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID, title *string, metadata datatypes.JSON) (*types.Conversation, error) {
	dbc := dbctx.New(ctx)
	conv, err := s.resolve(dbc, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessWriter); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if title != nil {
		updates["title"] = *title
	}
	if metadata != nil {
		if err := validateMetadata(metadata); err != nil {
			return nil, err
		}
		updates["metadata"] = metadata
	}
	if len(updates) == 0 {
		return conv, nil
	}
	if err := s.conversationRepo.UpdateFields(dbc, id, updates); err != nil {
		return nil, err
	}
	return s.conversationRepo.GetByID(dbc, id, false)
}

// Delete soft-deletes the whole group: every conversation in the fork tree,
// its entries, memberships and attachments. Hard removal happens later in
// the eviction sweeper.
func (s *conversationService) Delete(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) error {
	conv, err := s.resolve(dbctx.New(ctx), id)
	if err != nil {
		return err
	}
	if _, err := s.access.RequireLevel(dbctx.New(ctx), caller, conv.GroupID, types.AccessOwner); err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		if _, err := s.groupRepo.LockByID(dbc, conv.GroupID); err != nil {
			return err
		}
		if err := s.entryRepo.SoftDeleteByGroup(dbc, conv.GroupID, now); err != nil {
			return fmt.Errorf("soft delete entries: %w", err)
		}
		if err := s.membershipRepo.SoftDeleteByGroup(dbc, conv.GroupID, now); err != nil {
			return fmt.Errorf("soft delete memberships: %w", err)
		}
		if err := s.attachmentRepo.SoftDeleteByGroup(dbc, conv.GroupID, now); err != nil {
			return fmt.Errorf("soft delete attachments: %w", err)
		}
		if err := s.conversationRepo.SoftDeleteByGroup(dbc, conv.GroupID, now); err != nil {
			return fmt.Errorf("soft delete conversations: %w", err)
		}
		if err := s.transferRepo.DeleteByGroup(dbc, conv.GroupID); err != nil {
			return fmt.Errorf("delete pending transfers: %w", err)
		}
		if err := s.groupRepo.SoftDelete(dbc, conv.GroupID, now); err != nil {
			return fmt.Errorf("soft delete group: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Conversation group soft-deleted", "conversation_id", id, "group_id", conv.GroupID, "user_id", caller.UserID)
	return nil
}

func (s *conversationService) ListEntries(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, in ListEntriesInput) ([]*types.Entry, error) {
	dbc := dbctx.New(ctx)
	conv, err := s.resolve(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessReader); err != nil {
		return nil, err
	}

	if in.Channel == "" {
		in.Channel = types.ChannelHistory
	}
	if in.Epoch == 0 {
		in.Epoch = repos.EpochLatest
	}

	var out []*types.Entry
	if in.Forks {
		siblings, err := s.conversationRepo.ListByGroup(dbc, conv.GroupID, false)
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, 0, len(siblings))
		epochs := make(map[uuid.UUID]int64, len(siblings))
		for _, c := range siblings {
			ids = append(ids, c.ID)
			epochs[c.ID] = c.Epoch
		}
		out, err = s.entryRepo.ListByConversations(dbc, ids, epochs, repos.EntryFilter{Channel: in.Channel, Epoch: in.Epoch})
		if err != nil {
			return nil, err
		}
	} else {
		prefix, err := s.virtualPrefix(dbc, conv, in.Channel)
		if err != nil {
			return nil, err
		}
		own, err := s.entryRepo.ListByConversation(dbc, conv.ID, conv.Epoch, repos.EntryFilter{Channel: in.Channel, Epoch: in.Epoch})
		if err != nil {
			return nil, err
		}
		out = append(prefix, own...)
	}

	if in.AfterEntryID != nil {
		after, err := s.entryRepo.GetByID(dbc, *in.AfterEntryID)
		if err != nil {
			return nil, apierr.NotFound("after entry not found")
		}
		trimmed := out[:0]
		for _, e := range out {
			if e.CreatedAt.After(after.CreatedAt) {
				trimmed = append(trimmed, e)
			}
		}
		out = trimmed
	}
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

// virtualPrefix resolves the inherited entries of a fork: for each ancestor,
// its entries with created_at up to and including the fork-point entry.
// Entries are never copied into the fork.
func (s *conversationService) virtualPrefix(dbc dbctx.Context, conv *types.Conversation, channel types.Channel) ([]*types.Entry, error) {
	var segments [][]*types.Entry
	seen := map[uuid.UUID]bool{conv.ID: true}

	cur := conv
	for cur.ForkedAtConversationID != nil {
		parentID := *cur.ForkedAtConversationID
		if seen[parentID] {
			return nil, fmt.Errorf("fork cycle detected at conversation %s", parentID)
		}
		seen[parentID] = true

		if cur.ForkedAtEntryID == nil {
			return nil, fmt.Errorf("conversation %s has fork parent but no fork entry", cur.ID)
		}
		forkEntry, err := s.entryRepo.GetByID(dbc, *cur.ForkedAtEntryID)
		if err != nil {
			return nil, fmt.Errorf("resolve fork entry: %w", err)
		}
		segment, err := s.entryRepo.ListUpTo(dbc, parentID, channel, forkEntry.CreatedAt)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)

		parent, err := s.conversationRepo.GetByID(dbc, parentID, false)
		if err != nil {
			return nil, fmt.Errorf("resolve fork parent: %w", err)
		}
		cur = parent
	}

	// Segments were collected child-to-root; flatten root-first.
	var out []*types.Entry
	for i := len(segments) - 1; i >= 0; i-- {
		out = append(out, segments[i]...)
	}
	return out, nil
}

func (s *conversationService) AppendEntries(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, entries []AppendEntryInput) ([]*types.Entry, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if conversationID == uuid.Nil {
		return nil, apierr.Validation("missing conversation id")
	}
	if len(entries) == 0 {
		return nil, apierr.Validation("entries required")
	}
	for i, e := range entries {
		if len(e.Content) == 0 {
			return nil, apierr.Validation(fmt.Sprintf("entries[%d].content required", i))
		}
	}

	var created []*types.Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)

		conv, err := s.conversationRepo.LockByID(dbc, conversationID)
		if err == gorm.ErrRecordNotFound {
			conv, err = s.forkFromEntry(dbc, caller, conversationID, entries[0])
		}
		if err != nil {
			return err
		}
		if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessWriter); err != nil {
			return err
		}

		created, err = s.appendLocked(dbc, caller, conv, entries)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.indexer != nil {
		s.indexer.IndexCommitted(ctx, created)
	}
	return created, nil
}

// forkFromEntry creates a fork conversation under an unknown conversation id.
// The first appended entry must carry the fork pointers.
func (s *conversationService) forkFromEntry(dbc dbctx.Context, caller *ctxutil.RequestData, conversationID uuid.UUID, first AppendEntryInput) (*types.Conversation, error) {
	if first.ForkedAtConversationID == nil || first.ForkedAtEntryID == nil {
		return nil, apierr.NotFound("conversation not found")
	}

	parent, err := s.conversationRepo.LockByID(dbc, *first.ForkedAtConversationID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("conversation not found")
		}
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbc, caller, parent.GroupID, types.AccessWriter); err != nil {
		return nil, err
	}

	forkEntry, err := s.entryRepo.GetByID(dbc, *first.ForkedAtEntryID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.Validation("fork entry not found")
		}
		return nil, err
	}
	if forkEntry.ConversationID != parent.ID {
		return nil, apierr.Validation("fork entry does not belong to the fork parent")
	}

	conv, err := s.conversationRepo.Create(dbc, &types.Conversation{
		ID:                     conversationID,
		GroupID:                parent.GroupID,
		Title:                  parent.Title,
		ForkedAtConversationID: &parent.ID,
		ForkedAtEntryID:        &forkEntry.ID,
		Epoch:                  1,
	})
	if err != nil {
		return nil, fmt.Errorf("create fork: %w", err)
	}
	s.log.Info("Fork created", "conversation_id", conv.ID, "parent_conversation_id", parent.ID, "fork_entry_id", forkEntry.ID, "group_id", parent.GroupID)
	return conv, nil
}

// appendLocked writes entries under the caller-held conversation row lock.
// created_at is made strictly monotonic within the conversation.
func (s *conversationService) appendLocked(dbc dbctx.Context, caller *ctxutil.RequestData, conv *types.Conversation, entries []AppendEntryInput) ([]*types.Entry, error) {
	last, err := s.entryRepo.LastCreatedAt(dbc, conv.ID)
	if err != nil {
		return nil, err
	}

	rows := make([]*types.Entry, 0, len(entries))
	for _, in := range entries {
		channel := in.Channel
		if channel == "" {
			channel = types.ChannelHistory
		}
		at := nextCreatedAt(last)
		last = &at

		userID := caller.UserID
		rows = append(rows, &types.Entry{
			ConversationID:         conv.ID,
			GroupID:                conv.GroupID,
			Channel:                channel,
			ContentType:            in.ContentType,
			Content:                in.Content,
			IndexedContent:         in.IndexedContent,
			Role:                   in.Role,
			UserID:                 &userID,
			ClientID:               caller.ClientID,
			Epoch:                  conv.Epoch,
			CreatedAt:              at,
			ForkedAtConversationID: in.ForkedAtConversationID,
			ForkedAtEntryID:        in.ForkedAtEntryID,
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

func (s *conversationService) ListForks(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) ([]*types.Conversation, error) {
	dbc := dbctx.New(ctx)
	conv, err := s.resolve(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessReader); err != nil {
		return nil, err
	}
	return s.conversationRepo.ListByGroup(dbc, conv.GroupID, false)
}

func (s *conversationService) ListMemberships(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) ([]*types.ConversationMembership, error) {
	dbc := dbctx.New(ctx)
	conv, err := s.resolve(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessReader); err != nil {
		return nil, err
	}
	return s.membershipRepo.ListByGroup(dbc, conv.GroupID)
}

func (s *conversationService) Share(ctx context.Context, caller *ctxutil.RequestData, conversationID, userID uuid.UUID, level types.AccessLevel) (*types.ConversationMembership, error) {
	if userID == uuid.Nil {
		return nil, apierr.Validation("missing user id")
	}
	if !level.Valid() {
		return nil, apierr.Validation(fmt.Sprintf("invalid access level %q", level))
	}
	if level == types.AccessOwner {
		return nil, apierr.Validation("ownership is granted via transfer, not sharing")
	}

	conv, err := s.resolve(dbctx.New(ctx), conversationID)
	if err != nil {
		return nil, err
	}

	var out *types.ConversationMembership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessManager); err != nil {
			return err
		}
		existing, err := s.membershipRepo.LockActive(dbc, conv.GroupID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apierr.Conflict("user already has access")
		}
		out, err = s.membershipRepo.Create(dbc, &types.ConversationMembership{
			GroupID:     conv.GroupID,
			UserID:      userID,
			AccessLevel: level,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Conversation shared", "conversation_id", conversationID, "group_id", conv.GroupID, "target_user_id", userID, "access_level", level)
	return out, nil
}

func (s *conversationService) UpdateMembership(ctx context.Context, caller *ctxutil.RequestData, conversationID, membershipID uuid.UUID, level types.AccessLevel) error {
	if !level.Valid() {
		return apierr.Validation(fmt.Sprintf("invalid access level %q", level))
	}
	if level == types.AccessOwner {
		return apierr.Validation("ownership is granted via transfer, not membership update")
	}

	conv, err := s.resolve(dbctx.New(ctx), conversationID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessManager); err != nil {
			return err
		}
		membership, err := s.getMembershipInGroup(dbc, conv.GroupID, membershipID)
		if err != nil {
			return err
		}
		if membership.AccessLevel == types.AccessOwner {
			return apierr.Conflict("the owner membership cannot be modified")
		}
		return s.membershipRepo.UpdateLevel(dbc, membership.ID, level)
	})
}

func (s *conversationService) DeleteMembership(ctx context.Context, caller *ctxutil.RequestData, conversationID, membershipID uuid.UUID) error {
	conv, err := s.resolve(dbctx.New(ctx), conversationID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		membership, err := s.getMembershipInGroup(dbc, conv.GroupID, membershipID)
		if err != nil {
			return err
		}
		if membership.AccessLevel == types.AccessOwner {
			return apierr.Conflict("the owner membership cannot be removed")
		}
		// Members may always remove themselves; removing others needs manager.
		if caller == nil || membership.UserID != caller.UserID {
			if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessManager); err != nil {
				return err
			}
		}
		return s.membershipRepo.SoftDelete(dbc, membership.ID, time.Now().UTC())
	})
}

func (s *conversationService) getMembershipInGroup(dbc dbctx.Context, groupID, membershipID uuid.UUID) (*types.ConversationMembership, error) {
	rows, err := s.membershipRepo.ListByGroup(dbc, groupID)
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		if m.ID == membershipID {
			return m, nil
		}
	}
	return nil, apierr.NotFound("membership not found")
}

func (s *conversationService) CreateTransfer(ctx context.Context, caller *ctxutil.RequestData, conversationID, toUserID uuid.UUID) (*types.OwnershipTransfer, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if toUserID == uuid.Nil {
		return nil, apierr.Validation("missing target user id")
	}
	conv, err := s.resolve(dbctx.New(ctx), conversationID)
	if err != nil {
		return nil, err
	}

	var out *types.OwnershipTransfer
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		if _, err := s.access.RequireLevel(dbc, caller, conv.GroupID, types.AccessOwner); err != nil {
			return err
		}
		target, err := s.membershipRepo.GetActive(dbc, conv.GroupID, toUserID)
		if err != nil {
			return err
		}
		if target == nil {
			return apierr.Conflict("transfer target is not a member")
		}
		pending, err := s.transferRepo.GetByGroup(dbc, conv.GroupID)
		if err != nil {
			return err
		}
		if pending != nil {
			return apierr.Conflict("a transfer is already pending for this conversation")
		}
		out, err = s.transferRepo.Create(dbc, &types.OwnershipTransfer{
			GroupID:    conv.GroupID,
			FromUserID: caller.UserID,
			ToUserID:   toUserID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Ownership transfer created", "group_id", conv.GroupID, "from_user_id", caller.UserID, "to_user_id", toUserID)
	if s.audit != nil {
		_ = s.audit.Record(ctx, caller, AuditActionOwnershipCreate, "conversation_group", conv.GroupID.String(), "",
			map[string]string{"toUserId": toUserID.String()})
	}
	return out, nil
}

// AcceptTransfer swaps the owner atomically: the target becomes owner, the
// previous owner is demoted to manager, and the transfer row is removed. An
// already-consumed transfer id reports not_found.
func (s *conversationService) AcceptTransfer(ctx context.Context, caller *ctxutil.RequestData, transferID uuid.UUID) error {
	if caller == nil {
		return apierr.Unauthorized("missing caller")
	}
	var groupID, previousOwner uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)

		transfer, err := s.transferRepo.GetByID(dbc, transferID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return apierr.NotFound("transfer not found")
			}
			return err
		}
		if transfer.ToUserID != caller.UserID {
			return apierr.NotFound("transfer not found")
		}

		group, err := s.groupRepo.LockByID(dbc, transfer.GroupID)
		if err != nil {
			return err
		}
		target, err := s.membershipRepo.LockActive(dbc, group.ID, transfer.ToUserID)
		if err != nil {
			return err
		}
		if target == nil {
			return apierr.Conflict("transfer target is no longer a member")
		}
		previous, err := s.membershipRepo.LockActive(dbc, group.ID, group.OwnerUserID)
		if err != nil {
			return err
		}

		if err := s.groupRepo.UpdateFields(dbc, group.ID, map[string]interface{}{"owner_user_id": transfer.ToUserID}); err != nil {
			return err
		}
		if err := s.membershipRepo.UpdateLevel(dbc, target.ID, types.AccessOwner); err != nil {
			return err
		}
		if previous != nil && previous.ID != target.ID {
			if err := s.membershipRepo.UpdateLevel(dbc, previous.ID, types.AccessManager); err != nil {
				return err
			}
		}
		if err := s.transferRepo.Delete(dbc, transfer.ID); err != nil {
			return err
		}
		groupID, previousOwner = group.ID, group.OwnerUserID
		s.log.Info("Ownership transfer accepted", "group_id", group.ID, "new_owner_user_id", transfer.ToUserID, "previous_owner_user_id", group.OwnerUserID)
		return nil
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, caller, AuditActionOwnershipAccept, "conversation_group", groupID.String(), "",
			map[string]string{"previousOwnerUserId": previousOwner.String()})
	}
	return nil
}

func (s *conversationService) DeleteTransfer(ctx context.Context, caller *ctxutil.RequestData, transferID uuid.UUID) error {
	if caller == nil {
		return apierr.Unauthorized("missing caller")
	}
	dbc := dbctx.New(ctx)
	transfer, err := s.transferRepo.GetByID(dbc, transferID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("transfer not found")
		}
		return err
	}
	if transfer.FromUserID != caller.UserID && transfer.ToUserID != caller.UserID && !caller.IsAdmin() {
		return apierr.NotFound("transfer not found")
	}
	if err := s.transferRepo.Delete(dbc, transfer.ID); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, caller, AuditActionOwnershipRevoked, "conversation_group", transfer.GroupID.String(), "", nil)
	}
	return nil
}

func (s *conversationService) ListTransfers(ctx context.Context, caller *ctxutil.RequestData) ([]*types.OwnershipTransfer, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	return s.transferRepo.ListForUser(dbctx.New(ctx), caller.UserID)
}

// resolve loads a live conversation, mapping missing rows to not_found so
// callers cannot distinguish "absent" from "no access".
func (s *conversationService) resolve(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, apierr.Validation("missing conversation id")
	}
	conv, err := s.conversationRepo.GetByID(dbc, id, false)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("conversation not found")
		}
		return nil, err
	}
	return conv, nil
}

// nextCreatedAt returns a timestamp strictly after last so created_at stays
// strictly monotonic within a conversation even under clock ties.
func nextCreatedAt(last *time.Time) time.Time {
	at := time.Now().UTC()
	if last != nil && !at.After(*last) {
		at = last.Add(time.Nanosecond)
	}
	return at
}

func validateMetadata(metadata datatypes.JSON) error {
	if len(metadata) == 0 {
		return nil
	}
	if len(metadata) > maxMetadataBytes {
		return apierr.Validation(fmt.Sprintf("metadata exceeds %d bytes", maxMetadataBytes))
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &m); err != nil {
		return apierr.Validation("metadata must be a JSON object")
	}
	if len(m) > maxMetadataKeys {
		return apierr.Validation(fmt.Sprintf("metadata exceeds %d keys", maxMetadataKeys))
	}
	return nil
}
