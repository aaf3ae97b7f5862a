package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

// AccessService computes the caller's effective access to a conversation
// group. The effective level is the maximum of the direct membership, role
// overrides (admin acts as owner, auditor reads everything), and a pending
// ownership transfer addressed to the caller (manager while pending).
type AccessService interface {
	LevelFor(dbc dbctx.Context, caller *ctxutil.RequestData, groupID uuid.UUID) (types.AccessLevel, error)
	// RequireLevel returns not_found when the caller has no access at all
	// (existence must not leak) and forbidden when access is insufficient.
	RequireLevel(dbc dbctx.Context, caller *ctxutil.RequestData, groupID uuid.UUID, min types.AccessLevel) (types.AccessLevel, error)
	AccessibleGroupIDs(dbc dbctx.Context, caller *ctxutil.RequestData) ([]uuid.UUID, error)
}

type accessService struct {
	log            *logger.Logger
	membershipRepo repos.MembershipRepo
	transferRepo   repos.TransferRepo
	groupRepo      repos.GroupRepo
}

func NewAccessService(log *logger.Logger, membershipRepo repos.MembershipRepo, transferRepo repos.TransferRepo, groupRepo repos.GroupRepo) AccessService {
	return &accessService{
		log:            log.With("service", "AccessService"),
		membershipRepo: membershipRepo,
		transferRepo:   transferRepo,
		groupRepo:      groupRepo,
	}
}

func (s *accessService) LevelFor(dbc dbctx.Context, caller *ctxutil.RequestData, groupID uuid.UUID) (types.AccessLevel, error) {
	if caller == nil {
		return "", apierr.Unauthorized("missing caller")
	}
	if groupID == uuid.Nil {
		return "", apierr.Validation("missing group id")
	}

	best := types.AccessLevel("")
	if caller.IsAdmin() {
		best = types.AccessOwner
	} else if caller.IsAuditor() {
		best = types.AccessReader
	}

	membership, err := s.membershipRepo.GetActive(dbc, groupID, caller.UserID)
	if err != nil {
		return "", err
	}
	if membership != nil {
		best = maxLevel(best, membership.AccessLevel)
	}

	if best != types.AccessOwner {
		transfer, err := s.transferRepo.GetPendingFor(dbc, groupID, caller.UserID)
		if err != nil {
			return "", err
		}
		if transfer != nil {
			best = maxLevel(best, types.AccessManager)
		}
	}

	return best, nil
}

func (s *accessService) RequireLevel(dbc dbctx.Context, caller *ctxutil.RequestData, groupID uuid.UUID, min types.AccessLevel) (types.AccessLevel, error) {
	level, err := s.LevelFor(dbc, caller, groupID)
	if err != nil {
		return "", err
	}
	if level == "" {
		return "", apierr.NotFound("conversation not found")
	}
	if !level.AtLeast(min) {
		return "", apierr.Forbidden(fmt.Sprintf("requires %s access", min))
	}
	return level, nil
}

func (s *accessService) AccessibleGroupIDs(dbc dbctx.Context, caller *ctxutil.RequestData) ([]uuid.UUID, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if caller.IsAdmin() || caller.IsAuditor() {
		return s.groupRepo.ListAllIDs(dbc)
	}
	return s.membershipRepo.ListGroupIDsForUser(dbc, caller.UserID)
}

func maxLevel(a, b types.AccessLevel) types.AccessLevel {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}
