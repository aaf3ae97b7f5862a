package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/blob"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

type AttachmentService interface {
	// CreateUpload is phase one: the metadata row. The returned upload path
	// receives the bytes in phase two.
	CreateUpload(ctx context.Context, caller *ctxutil.RequestData, filename, contentType string) (*types.Attachment, string, error)
	UploadContent(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID, r io.Reader) (*types.Attachment, error)
	Get(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Attachment, error)
	Open(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Attachment, io.ReadCloser, error)
	List(ctx context.Context, caller *ctxutil.RequestData, limit int) ([]*types.Attachment, error)
	LinkToEntry(ctx context.Context, caller *ctxutil.RequestData, attachmentID, entryID uuid.UUID) error
	Unlink(ctx context.Context, caller *ctxutil.RequestData, attachmentID uuid.UUID) error
	Delete(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) error

	// SignToken mints an unauthenticated download token bound to the
	// attachment id and an expiry instant.
	SignToken(attachmentID uuid.UUID, expiresAt time.Time) string
	OpenByToken(ctx context.Context, token string) (*types.Attachment, io.ReadCloser, time.Time, error)

	StartSweeper(ctx context.Context)
}

type attachmentService struct {
	db  *gorm.DB
	log *logger.Logger

	attachmentRepo repos.AttachmentRepo
	entryRepo      repos.EntryRepo
	access         AccessService
	store          blob.Store

	tokenSecret   []byte
	maxSizeBytes  int64
	pendingTTL    time.Duration
	unlinkedTTL   time.Duration
	sweepInterval time.Duration
	hardDeleteAge time.Duration
}

func NewAttachmentService(
	db *gorm.DB,
	log *logger.Logger,
	attachmentRepo repos.AttachmentRepo,
	entryRepo repos.EntryRepo,
	access AccessService,
	store blob.Store,
) (AttachmentService, error) {
	serviceLog := log.With("service", "AttachmentService")
	secret := utils.GetEnv("ATTACHMENT_TOKEN_SECRET", "", serviceLog)
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("missing ATTACHMENT_TOKEN_SECRET")
	}
	return &attachmentService{
		db:             db,
		log:            serviceLog,
		attachmentRepo: attachmentRepo,
		entryRepo:      entryRepo,
		access:         access,
		store:          store,
		tokenSecret:    []byte(secret),
		maxSizeBytes:   int64(utils.GetEnvAsInt("ATTACHMENT_MAX_SIZE_BYTES", 10*1024*1024, serviceLog)),
		pendingTTL:     utils.GetEnvAsDuration("ATTACHMENT_PENDING_TTL", 5*time.Minute, serviceLog),
		unlinkedTTL:    utils.GetEnvAsDuration("ATTACHMENT_UNLINKED_TTL", time.Hour, serviceLog),
		sweepInterval:  utils.GetEnvAsDuration("ATTACHMENT_SWEEP_INTERVAL", time.Minute, serviceLog),
		hardDeleteAge:  utils.GetEnvAsDuration("ATTACHMENT_HARD_DELETE_RETENTION", 30*time.Minute, serviceLog),
	}, nil
}

func (s *attachmentService) CreateUpload(ctx context.Context, caller *ctxutil.RequestData, filename, contentType string) (*types.Attachment, string, error) {
	if caller == nil {
		return nil, "", apierr.Unauthorized("missing caller")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, "", apierr.Validation("filename required")
	}

	expires := time.Now().UTC().Add(s.pendingTTL)
	row, err := s.attachmentRepo.Create(dbctx.New(ctx), &types.Attachment{
		UserID:      caller.UserID,
		Filename:    filename,
		ContentType: contentType,
		Status:      types.AttachmentStatusPending,
		ExpiresAt:   &expires,
	})
	if err != nil {
		return nil, "", err
	}
	uploadURL := fmt.Sprintf("/v1/attachments/%s/content", row.ID)
	return row, uploadURL, nil
}

func (s *attachmentService) UploadContent(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID, r io.Reader) (*types.Attachment, error) {
	row, err := s.getOwned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if row.Status == types.AttachmentStatusReady {
		return nil, apierr.Conflict("attachment content already uploaded")
	}

	// Bounded read; one extra byte detects overrun.
	data, err := io.ReadAll(io.LimitReader(r, s.maxSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxSizeBytes {
		return nil, apierr.Validation(fmt.Sprintf("attachment exceeds %d bytes", s.maxSizeBytes))
	}
	if len(data) == 0 {
		return nil, apierr.Validation("empty upload")
	}

	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	storageKey := "attachments/" + sha

	// Equal bytes share one object. The row still gets its own reference.
	prior, err := s.attachmentRepo.GetBySHA(dbctx.New(ctx), sha)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		if err := s.store.Upload(ctx, storageKey, row.ContentType, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}
	} else {
		storageKey = prior.StorageKey
	}

	size := int64(len(data))
	updates := map[string]interface{}{
		"storage_key": storageKey,
		"sha256":      sha,
		"size":        size,
		"status":      types.AttachmentStatusReady,
	}
	if row.EntryID != nil {
		updates["expires_at"] = nil
	} else {
		updates["expires_at"] = time.Now().UTC().Add(s.unlinkedTTL)
	}
	if err := s.attachmentRepo.UpdateFields(dbctx.New(ctx), row.ID, updates); err != nil {
		return nil, err
	}
	s.log.Info("Attachment uploaded", "attachment_id", row.ID, "sha256", sha, "size", size, "deduplicated", prior != nil)
	return s.attachmentRepo.GetByID(dbctx.New(ctx), row.ID, false)
}

func (s *attachmentService) Get(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Attachment, error) {
	return s.getAccessible(ctx, caller, id)
}

func (s *attachmentService) Open(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Attachment, io.ReadCloser, error) {
	row, err := s.getAccessible(ctx, caller, id)
	if err != nil {
		return nil, nil, err
	}
	if row.Status != types.AttachmentStatusReady || row.StorageKey == "" {
		return nil, nil, apierr.NotFound("attachment not found")
	}
	rc, err := s.store.Download(ctx, row.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return row, rc, nil
}

func (s *attachmentService) List(ctx context.Context, caller *ctxutil.RequestData, limit int) ([]*types.Attachment, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	return s.attachmentRepo.ListByUser(dbctx.New(ctx), caller.UserID, limit)
}

func (s *attachmentService) LinkToEntry(ctx context.Context, caller *ctxutil.RequestData, attachmentID, entryID uuid.UUID) error {
	row, err := s.getOwned(ctx, caller, attachmentID)
	if err != nil {
		return err
	}
	entry, err := s.entryRepo.GetByID(dbctx.New(ctx), entryID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("entry not found")
		}
		return err
	}
	if _, err := s.access.RequireLevel(dbctx.New(ctx), caller, entry.GroupID, types.AccessWriter); err != nil {
		return err
	}
	return s.attachmentRepo.UpdateFields(dbctx.New(ctx), row.ID, map[string]interface{}{
		"entry_id":   entry.ID,
		"expires_at": nil,
	})
}

func (s *attachmentService) Unlink(ctx context.Context, caller *ctxutil.RequestData, attachmentID uuid.UUID) error {
	row, err := s.getOwned(ctx, caller, attachmentID)
	if err != nil {
		return err
	}
	return s.attachmentRepo.UpdateFields(dbctx.New(ctx), row.ID, map[string]interface{}{
		"entry_id":   nil,
		"expires_at": time.Now().UTC().Add(s.unlinkedTTL),
	})
}

func (s *attachmentService) Delete(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) error {
	row, err := s.getOwned(ctx, caller, id)
	if err != nil {
		return err
	}
	return s.attachmentRepo.SoftDelete(dbctx.New(ctx), row.ID, time.Now().UTC())
}

// getOwned resolves an attachment the caller may mutate: the uploader or an
// admin.
func (s *attachmentService) getOwned(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Attachment, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	row, err := s.attachmentRepo.GetByID(dbctx.New(ctx), id, false)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("attachment not found")
		}
		return nil, err
	}
	if row.UserID != caller.UserID && !caller.IsAdmin() {
		return nil, apierr.NotFound("attachment not found")
	}
	return row, nil
}

// getAccessible additionally admits readers of the entry's conversation
// group when the attachment is linked.
func (s *attachmentService) getAccessible(ctx context.Context, caller *ctxutil.RequestData, id uuid.UUID) (*types.Attachment, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	row, err := s.attachmentRepo.GetByID(dbctx.New(ctx), id, false)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("attachment not found")
		}
		return nil, err
	}
	if row.UserID == caller.UserID || caller.IsAdmin() || caller.IsAuditor() {
		return row, nil
	}
	if row.EntryID != nil {
		entry, err := s.entryRepo.GetByID(dbctx.New(ctx), *row.EntryID)
		if err == nil {
			if _, aerr := s.access.RequireLevel(dbctx.New(ctx), caller, entry.GroupID, types.AccessReader); aerr == nil {
				return row, nil
			}
		}
	}
	return nil, apierr.NotFound("attachment not found")
}

func (s *attachmentService) SignToken(attachmentID uuid.UUID, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.UTC().Unix(), 10)
	mac := hmac.New(sha256.New, s.tokenSecret)
	mac.Write([]byte(attachmentID.String() + exp))
	sig := hex.EncodeToString(mac.Sum(nil))
	raw := attachmentID.String() + "." + exp + "." + sig
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// OpenByToken serves unauthenticated downloads. The token is the sole
// authorization; it binds the attachment id and the expiry instant.
func (s *attachmentService) OpenByToken(ctx context.Context, token string) (*types.Attachment, io.ReadCloser, time.Time, error) {
	var zero time.Time
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	parts := strings.Split(string(raw), ".")
	if len(parts) != 3 {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	expUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	expiresAt := time.Unix(expUnix, 0).UTC()

	mac := hmac.New(sha256.New, s.tokenSecret)
	mac.Write([]byte(id.String() + parts[1]))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	if time.Now().UTC().After(expiresAt) {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}

	row, err := s.attachmentRepo.GetByID(dbctx.New(ctx), id, false)
	if err != nil {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	if row.Status != types.AttachmentStatusReady || row.StorageKey == "" {
		return nil, nil, zero, apierr.NotFound("attachment not found")
	}
	rc, err := s.store.Download(ctx, row.StorageKey)
	if err != nil {
		return nil, nil, zero, fmt.Errorf("open blob: %w", err)
	}
	return row, rc, expiresAt, nil
}

func (s *attachmentService) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *attachmentService) sweep(ctx context.Context) {
	now := time.Now().UTC()
	dbc := dbctx.New(ctx)

	expired, err := s.attachmentRepo.ListExpiredUnlinked(dbc, now, 100)
	if err != nil {
		s.log.Warn("Expired attachment scan failed", "error", err)
	} else {
		for _, row := range expired {
			if err := s.attachmentRepo.SoftDelete(dbc, row.ID, now); err != nil {
				s.log.Warn("Attachment soft delete failed", "attachment_id", row.ID, "error", err)
			}
		}
		if len(expired) > 0 {
			s.log.Info("Expired attachments soft-deleted", "count", len(expired))
		}
	}

	stale, err := s.attachmentRepo.ListSoftDeletedBefore(dbc, now.Add(-s.hardDeleteAge), 100)
	if err != nil {
		s.log.Warn("Stale attachment scan failed", "error", err)
		return
	}
	for _, row := range stale {
		if err := s.hardDeleteWithRefcount(ctx, row); err != nil {
			s.log.Warn("Attachment hard delete failed", "attachment_id", row.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		s.log.Info("Stale attachments hard-deleted", "count", len(stale))
	}
}

// hardDeleteWithRefcount removes the row, and the blob when the row held the
// last reference to its storage key. Rows sharing the key are locked so two
// concurrent sweeps cannot both see a non-zero count and leak the blob.
func (s *attachmentService) hardDeleteWithRefcount(ctx context.Context, row *types.Attachment) error {
	deleteBlob := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.WithTx(ctx, tx)
		if row.StorageKey != "" {
			if _, err := s.attachmentRepo.LockByStorageKey(dbc, row.StorageKey); err != nil {
				return err
			}
			remaining, err := s.attachmentRepo.CountByStorageKey(dbc, row.StorageKey, row.ID)
			if err != nil {
				return err
			}
			deleteBlob = remaining == 0
		}
		return s.attachmentRepo.HardDelete(dbc, row.ID)
	})
	if err != nil {
		return err
	}
	if deleteBlob {
		if err := s.store.Delete(ctx, row.StorageKey); err != nil {
			s.log.Warn("Blob delete failed", "storage_key", row.StorageKey, "error", err)
		}
	}
	return nil
}

// ETagFor is the strong validator used for attachment caching.
func ETagFor(att *types.Attachment) string {
	if att == nil || att.SHA256 == "" {
		return ""
	}
	return `"` + att.SHA256 + `"`
}

// ETagMatches accepts quoted, unquoted, and weak If-None-Match forms.
func ETagMatches(headerValue, etag string) bool {
	if headerValue == "" || etag == "" {
		return false
	}
	bare := strings.Trim(etag, `"`)
	for _, candidate := range strings.Split(headerValue, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == "*" || candidate == bare {
			return true
		}
	}
	return false
}
