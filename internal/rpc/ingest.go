package rpc

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/resume"
	"github.com/recollect-ai/recollect-backend/internal/services"
)

// ResponseIngest is the node-internal write side of response resumption.
// Generators open a client stream, push the bytes they emit to the end
// user, and close with an outcome; resumed readers replay the same bytes
// over HTTP.

const ingestServiceName = "recollect.v1.ResponseIngest"

const (
	CloseCompleted = "completed"
	CloseCanceled  = "canceled"
	CloseErrored   = "errored"
)

// RecordFrame is one message on the Record stream. The first frame names
// the conversation; every later frame carries data or the closing outcome.
type RecordFrame struct {
	ConversationID uuid.UUID `json:"conversationId,omitempty"`
	Data           []byte    `json:"data,omitempty"`
	Close          string    `json:"close,omitempty"`
}

type RecordSummary struct {
	Frames int   `json:"frames"`
	Bytes  int64 `json:"bytes"`
}

type IngestServer struct {
	log      *logger.Logger
	identity services.IdentityService
	resumer  services.ResumerService

	grpcServer *grpc.Server
}

func NewIngestServer(log *logger.Logger, identity services.IdentityService, resumer services.ResumerService) *IngestServer {
	return &IngestServer{
		log:      log.With("server", "IngestServer"),
		identity: identity,
		resumer:  resumer,
	}
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*interface{})(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Record",
			Handler:       recordHandler,
			ClientStreams: true,
		},
	},
	Metadata: "recollect/v1/ingest",
}

func recordHandler(srv interface{}, stream grpc.ServerStream) error {
	s, ok := srv.(*IngestServer)
	if !ok {
		return status.Error(codes.Internal, "bad service registration")
	}
	return s.record(stream)
}

func (s *IngestServer) record(stream grpc.ServerStream) error {
	caller, err := s.authenticate(stream)
	if err != nil {
		return err
	}

	var first RecordFrame
	if err := stream.RecvMsg(&first); err != nil {
		return status.Error(codes.InvalidArgument, "missing open frame")
	}
	if first.ConversationID == uuid.Nil {
		return status.Error(codes.InvalidArgument, "open frame requires conversationId")
	}

	recorder, err := s.resumer.StartResponse(stream.Context(), caller, first.ConversationID)
	if err != nil {
		return toStatus(err)
	}

	summary := RecordSummary{}
	closeReason := resume.CloseReasonErrored
	defer func() {
		if cerr := recorder.Close(closeReason); cerr != nil {
			s.log.Warn("Recorder close failed", "conversation_id", first.ConversationID, "error", cerr)
		}
	}()

	if len(first.Data) > 0 {
		if err := recorder.Append(first.Data); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		summary.Frames++
		summary.Bytes += int64(len(first.Data))
	}
	if first.Close != "" {
		reason, err := parseCloseReason(first.Close)
		if err != nil {
			return err
		}
		closeReason = reason
		return stream.SendMsg(&summary)
	}

	for {
		var frame RecordFrame
		err := stream.RecvMsg(&frame)
		if err == io.EOF {
			// Stream ended without an explicit close; treat as completed.
			closeReason = resume.CloseReasonCompleted
			return stream.SendMsg(&summary)
		}
		if err != nil {
			return err
		}
		if frame.Close != "" {
			reason, err := parseCloseReason(frame.Close)
			if err != nil {
				return err
			}
			closeReason = reason
			return stream.SendMsg(&summary)
		}
		if len(frame.Data) == 0 {
			continue
		}
		if err := recorder.Append(frame.Data); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		summary.Frames++
		summary.Bytes += int64(len(frame.Data))
	}
}

func parseCloseReason(raw string) (resume.CloseReason, error) {
	switch raw {
	case CloseCompleted:
		return resume.CloseReasonCompleted, nil
	case CloseCanceled:
		return resume.CloseReasonCanceled, nil
	case CloseErrored:
		return resume.CloseReasonErrored, nil
	default:
		return "", status.Errorf(codes.InvalidArgument, "unknown close reason %q", raw)
	}
}

func (s *IngestServer) authenticate(stream grpc.ServerStream) (*ctxutil.RequestData, error) {
	md, _ := metadata.FromIncomingContext(stream.Context())
	var bearer, apiKey string
	if vals := md.Get("authorization"); len(vals) > 0 {
		bearer = strings.TrimPrefix(vals[0], "Bearer ")
	}
	if vals := md.Get("x-api-key"); len(vals) > 0 {
		apiKey = vals[0]
	}
	if bearer == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	caller, err := s.identity.Resolve(stream.Context(), bearer, apiKey)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return caller, nil
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if ae := apierr.As(err); ae != nil {
		switch ae.Code {
		case apierr.CodeNotFound:
			return status.Error(codes.NotFound, ae.Error())
		case apierr.CodeForbidden:
			return status.Error(codes.PermissionDenied, ae.Error())
		case apierr.CodeUnauthorized:
			return status.Error(codes.Unauthenticated, ae.Error())
		case apierr.CodeValidation:
			return status.Error(codes.InvalidArgument, ae.Error())
		case apierr.CodeConflict:
			return status.Error(codes.FailedPrecondition, ae.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// Serve blocks on the listener until Stop is called.
func (s *IngestServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.grpcServer.RegisterService(&ingestServiceDesc, s)
	s.log.Info("Response ingest listening", "addr", addr)
	return s.grpcServer.Serve(lis)
}

func (s *IngestServer) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
