package services

import (
	"context"
	"encoding/json"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

const (
	AuditActionEvict            = "admin.evict"
	AuditActionPolicyReload     = "admin.policy_reload"
	AuditActionOwnershipAccept  = "ownership.transfer_accepted"
	AuditActionOwnershipCreate  = "ownership.transfer_created"
	AuditActionOwnershipRevoked = "ownership.transfer_revoked"
)

// AuditService records admin and ownership mutations to the append-only
// audit log. Destructive actions require a justification.
type AuditService interface {
	Record(ctx context.Context, caller *ctxutil.RequestData, action, targetType, targetID, justification string, details any) error
	List(ctx context.Context, caller *ctxutil.RequestData, limit int) ([]*types.AuditRecord, error)
}

type auditService struct {
	log  *logger.Logger
	repo repos.AuditRepo
}

func NewAuditService(log *logger.Logger, repo repos.AuditRepo) AuditService {
	return &auditService{
		log:  log.With("service", "AuditService"),
		repo: repo,
	}
}

func (s *auditService) Record(ctx context.Context, caller *ctxutil.RequestData, action, targetType, targetID, justification string, details any) error {
	if caller == nil {
		return apierr.Unauthorized("missing caller")
	}
	if action == "" {
		return apierr.Validation("action required")
	}
	row := &types.AuditRecord{
		ActorUserID:   caller.UserID,
		Action:        action,
		TargetType:    targetType,
		TargetID:      targetID,
		Justification: justification,
	}
	if details != nil {
		blob, err := json.Marshal(details)
		if err != nil {
			return err
		}
		row.Details = blob
	}
	if err := s.repo.Append(dbctx.New(ctx), row); err != nil {
		// An audit write failure must surface; silently dropping the trail
		// defeats its purpose.
		s.log.Error("Audit append failed", "action", action, "target_id", targetID, "error", err)
		return err
	}
	return nil
}

func (s *auditService) List(ctx context.Context, caller *ctxutil.RequestData, limit int) ([]*types.AuditRecord, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	if !caller.IsAdmin() && !caller.IsAuditor() {
		return nil, apierr.Forbidden("audit log requires admin or auditor role")
	}
	return s.repo.List(dbctx.New(ctx), limit)
}
