package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/resume"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

// ResponseRecorder is the writer half handed to the generation path. Append
// takes the agent's raw event bytes; Close finalizes and drops the locator.
type ResponseRecorder interface {
	Append(b []byte) error
	Close(reason resume.CloseReason) error
}

// ResumeSource tells the edge how to serve a resume: tail the local
// recording, or proxy to the node that owns it.
type ResumeSource struct {
	Local     *resume.Tail
	RemoteURL string
}

type ResumerService interface {
	// StartResponse registers a new in-flight response for the conversation
	// and returns the recorder the generator writes into.
	StartResponse(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) (ResponseRecorder, error)
	// ResumeCheck returns the subset of ids with an active locator that the
	// caller can read.
	ResumeCheck(ctx context.Context, caller *ctxutil.RequestData, conversationIDs []uuid.UUID) ([]uuid.UUID, error)
	Resume(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) (*ResumeSource, error)
	Cancel(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) error
	Start(ctx context.Context)
}

type resumerService struct {
	log *logger.Logger

	conversationRepo repos.ConversationRepo
	access           AccessService

	locators   resume.LocatorStore
	cancels    resume.CancelBus
	recordings *resume.Manager

	nodeID            string
	advertisedAddress string
	locatorTTL        time.Duration
	recordingMaxAge   time.Duration
}

func NewResumerService(
	log *logger.Logger,
	conversationRepo repos.ConversationRepo,
	access AccessService,
	locators resume.LocatorStore,
	cancels resume.CancelBus,
	recordings *resume.Manager,
) ResumerService {
	serviceLog := log.With("service", "ResumerService")
	return &resumerService{
		log:               serviceLog,
		conversationRepo:  conversationRepo,
		access:            access,
		locators:          locators,
		cancels:           cancels,
		recordings:        recordings,
		nodeID:            utils.GetEnv("NODE_ID", "node-local", serviceLog),
		advertisedAddress: utils.GetEnv("ADVERTISED_ADDRESS", "http://localhost:8080", serviceLog),
		locatorTTL:        utils.GetEnvAsDuration("RESUME_LOCATOR_TTL", 30*time.Minute, serviceLog),
		recordingMaxAge:   utils.GetEnvAsDuration("RESUME_RECORDING_RETENTION", time.Hour, serviceLog),
	}
}

type responseRecorder struct {
	svc            *resumerService
	conversationID uuid.UUID
	recording      *resume.Recording
}

func (r *responseRecorder) Append(b []byte) error {
	return r.recording.Append(b)
}

func (r *responseRecorder) Close(reason resume.CloseReason) error {
	err := r.recording.Close(reason)
	// Locator removal failing is harmless; the TTL reclaims it.
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rmErr := r.svc.locators.Remove(rctx, r.conversationID); rmErr != nil {
		r.svc.log.Warn("Locator remove failed", "conversation_id", r.conversationID, "error", rmErr)
	}
	if reason == resume.CloseReasonCompleted {
		observability.Current().IncResumeEvent("completed")
	}
	r.svc.log.Info("Response recording closed", "conversation_id", r.conversationID, "recording_id", r.recording.ID(), "reason", reason)
	return err
}

func (s *resumerService) StartResponse(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) (ResponseRecorder, error) {
	if conversationID == uuid.Nil {
		return nil, apierr.Validation("missing conversation id")
	}
	conv, err := s.conversationRepo.GetByID(dbctx.New(ctx), conversationID, false)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("conversation not found")
		}
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbctx.New(ctx), caller, conv.GroupID, types.AccessWriter); err != nil {
		return nil, err
	}

	recordingID := conversationID.String() + "-" + uuid.NewString()
	rec, err := s.recordings.Open(recordingID)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	loc := resume.Locator{
		NodeID:            s.nodeID,
		RecordingID:       recordingID,
		AdvertisedAddress: s.advertisedAddress,
		StartedAt:         time.Now().UTC(),
	}
	// One-shot TTL sized to the longest expected response plus grace. Losing
	// the locator store only disables resumption, never the live stream.
	if err := s.locators.Upsert(ctx, conversationID, loc, s.locatorTTL); err != nil {
		s.log.Warn("Locator upsert failed, response will not be resumable", "conversation_id", conversationID, "error", err)
	}
	observability.Current().IncResumeEvent("started")
	return &responseRecorder{svc: s, conversationID: conversationID, recording: rec}, nil
}

func (s *resumerService) ResumeCheck(ctx context.Context, caller *ctxutil.RequestData, conversationIDs []uuid.UUID) ([]uuid.UUID, error) {
	if caller == nil {
		return nil, apierr.Unauthorized("missing caller")
	}
	out := []uuid.UUID{}
	for _, id := range conversationIDs {
		ok, err := s.locators.Exists(ctx, id)
		if err != nil {
			// Degraded mode: nothing is resumable while the locator store is
			// unreachable.
			s.log.Warn("Locator lookup failed", "conversation_id", id, "error", err)
			return []uuid.UUID{}, nil
		}
		if !ok {
			continue
		}
		conv, err := s.conversationRepo.GetByID(dbctx.New(ctx), id, false)
		if err != nil {
			continue
		}
		if _, err := s.access.RequireLevel(dbctx.New(ctx), caller, conv.GroupID, types.AccessReader); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *resumerService) Resume(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) (*ResumeSource, error) {
	conv, err := s.conversationRepo.GetByID(dbctx.New(ctx), conversationID, false)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("conversation not found")
		}
		return nil, err
	}
	if _, err := s.access.RequireLevel(dbctx.New(ctx), caller, conv.GroupID, types.AccessReader); err != nil {
		return nil, err
	}

	loc, err := s.locators.Get(ctx, conversationID)
	if err != nil {
		s.log.Warn("Locator lookup failed", "conversation_id", conversationID, "error", err)
		return nil, apierr.NotFound("no resumable response")
	}
	if loc == nil {
		return nil, apierr.NotFound("no resumable response")
	}

	if loc.AdvertisedAddress == s.advertisedAddress {
		rec, ok := s.recordings.Get(loc.RecordingID)
		if !ok {
			// Stale locator from a previous process on this address.
			return nil, apierr.NotFound("no resumable response")
		}
		tail, err := rec.OpenTail()
		if err != nil {
			return nil, fmt.Errorf("open tail: %w", err)
		}
		observability.Current().IncResumeEvent("resumed")
		return &ResumeSource{Local: tail}, nil
	}
	observability.Current().IncResumeEvent("proxied")
	return &ResumeSource{
		RemoteURL: fmt.Sprintf("%s/v1/conversations/%s/resume", loc.AdvertisedAddress, conversationID),
	}, nil
}

func (s *resumerService) Cancel(ctx context.Context, caller *ctxutil.RequestData, conversationID uuid.UUID) error {
	conv, err := s.conversationRepo.GetByID(dbctx.New(ctx), conversationID, false)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("conversation not found")
		}
		return err
	}
	if _, err := s.access.RequireLevel(dbctx.New(ctx), caller, conv.GroupID, types.AccessWriter); err != nil {
		return err
	}
	return s.cancels.PublishCancel(ctx, conversationID)
}

// Start subscribes to the cancel bus and sweeps stale recording files.
func (s *resumerService) Start(ctx context.Context) {
	if err := s.cancels.SubscribeCancel(ctx, s.onCancel); err != nil {
		s.log.Warn("Cancel subscription failed, explicit cancel disabled on this node", "error", err)
	}
	go func() {
		ticker := time.NewTicker(s.recordingMaxAge / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.recordings.SweepBefore(time.Now().Add(-s.recordingMaxAge))
				if err != nil {
					s.log.Warn("Recording sweep failed", "error", err)
				} else if removed > 0 {
					s.log.Info("Stale recordings removed", "count", removed)
				}
			}
		}
	}()
}

// onCancel runs on every node; only the one holding the recording acts.
func (s *resumerService) onCancel(conversationID uuid.UUID) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loc, err := s.locators.Get(rctx, conversationID)
	if err != nil || loc == nil {
		return
	}
	rec, ok := s.recordings.Get(loc.RecordingID)
	if !ok {
		return
	}
	if err := rec.Close(resume.CloseReasonCanceled); err != nil {
		s.log.Warn("Recording close on cancel failed", "conversation_id", conversationID, "error", err)
	}
	if err := s.locators.Remove(rctx, conversationID); err != nil {
		s.log.Warn("Locator remove on cancel failed", "conversation_id", conversationID, "error", err)
	}
	observability.Current().IncResumeEvent("canceled")
	s.log.Info("Response canceled", "conversation_id", conversationID, "recording_id", loc.RecordingID)
}
