package services

import (
	"context"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

// AdminService serves the operator read surface. Soft-deleted rows are only
// visible here, never through the user-facing listings.
type AdminService interface {
	ListConversations(ctx context.Context, caller *ctxutil.RequestData, includeDeleted bool, afterCursor string, limit int) (*repos.ConversationPage, error)
	ListAttachments(ctx context.Context, caller *ctxutil.RequestData, includeDeleted bool, limit int) ([]*types.Attachment, error)
}

type adminService struct {
	log *logger.Logger

	conversationRepo repos.ConversationRepo
	attachmentRepo   repos.AttachmentRepo
	groupRepo        repos.GroupRepo
}

func NewAdminService(
	log *logger.Logger,
	conversationRepo repos.ConversationRepo,
	attachmentRepo repos.AttachmentRepo,
	groupRepo repos.GroupRepo,
) AdminService {
	return &adminService{
		log:              log.With("service", "AdminService"),
		conversationRepo: conversationRepo,
		attachmentRepo:   attachmentRepo,
		groupRepo:        groupRepo,
	}
}

func requireOperator(caller *ctxutil.RequestData) error {
	if caller == nil {
		return apierr.Unauthorized("missing caller")
	}
	if !caller.IsAdmin() && !caller.IsAuditor() {
		return apierr.Forbidden("operator role required")
	}
	return nil
}

func (s *adminService) ListConversations(ctx context.Context, caller *ctxutil.RequestData, includeDeleted bool, afterCursor string, limit int) (*repos.ConversationPage, error) {
	if err := requireOperator(caller); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	dbc := dbctx.New(ctx)
	groupIDs, err := s.groupRepo.ListAllIDs(dbc)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	page, err := s.conversationRepo.List(dbc, groupIDs, repos.ListModeAll, "", afterCursor, limit, includeDeleted)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return page, nil
}

func (s *adminService) ListAttachments(ctx context.Context, caller *ctxutil.RequestData, includeDeleted bool, limit int) ([]*types.Attachment, error) {
	if err := requireOperator(caller); err != nil {
		return nil, err
	}
	rows, err := s.attachmentRepo.ListRecent(dbctx.New(ctx), includeDeleted, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return rows, nil
}
