package rpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// IngestClient is used by generator processes to stream response bytes into
// the recorder while they are also being delivered to the end user.
type IngestClient struct {
	conn *grpc.ClientConn
}

func DialIngest(addr string) (*IngestClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial ingest %s: %w", addr, err)
	}
	return &IngestClient{conn: conn}, nil
}

func (c *IngestClient) Close() error {
	return c.conn.Close()
}

// RecordStream wraps one in-flight Record call.
type RecordStream struct {
	stream grpc.ClientStream
	opened bool
	convID uuid.UUID
}

var recordStreamDesc = &grpc.StreamDesc{
	StreamName:    "Record",
	ClientStreams: true,
}

// Record opens a recording stream for the conversation. The bearer token
// authenticates the generator the same way the HTTP surface would.
func (c *IngestClient) Record(ctx context.Context, bearerToken string, conversationID uuid.UUID) (*RecordStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+bearerToken)
	stream, err := c.conn.NewStream(ctx, recordStreamDesc, "/"+ingestServiceName+"/Record")
	if err != nil {
		return nil, err
	}
	return &RecordStream{stream: stream, convID: conversationID}, nil
}

func (r *RecordStream) Send(data []byte) error {
	frame := RecordFrame{Data: data}
	if !r.opened {
		frame.ConversationID = r.convID
		r.opened = true
	}
	return r.stream.SendMsg(&frame)
}

// CloseWith ends the stream with an outcome and returns the server summary.
func (r *RecordStream) CloseWith(reason string) (*RecordSummary, error) {
	frame := RecordFrame{Close: reason}
	if !r.opened {
		frame.ConversationID = r.convID
		r.opened = true
	}
	if err := r.stream.SendMsg(&frame); err != nil {
		return nil, err
	}
	if err := r.stream.CloseSend(); err != nil {
		return nil, err
	}
	var summary RecordSummary
	if err := r.stream.RecvMsg(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
