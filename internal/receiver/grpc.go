// Package receiver implements the OTLP gRPC trace endpoint.
package receiver

import (
	"context"
	"fmt"
	"log"
	"net"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/antoatta85/agents-at-scale-ark/internal/otlp"
)

// GRPCReceiver serves the OTLP TraceService and forwards exported
// spans to the ingest pipeline.
type GRPCReceiver struct {
	addr     string
	ingestor *otlp.Ingestor
	server   *grpc.Server
}

// NewGRPCReceiver creates a receiver listening on addr.
func NewGRPCReceiver(addr string, ing *otlp.Ingestor) *GRPCReceiver {
	return &GRPCReceiver{
		addr:     addr,
		ingestor: ing,
	}
}

// Start begins serving. Blocks until Shutdown is called or the
// listener fails.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", r.addr, err)
	}

	r.server = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(r.server, &traceService{receiver: r})
	reflection.Register(r.server)

	log.Printf("OTLP gRPC receiver listening on %s", r.addr)
	return r.server.Serve(lis)
}

// Shutdown stops the server gracefully.
func (r *GRPCReceiver) Shutdown() {
	if r.server != nil {
		r.server.GracefulStop()
	}
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	receiver *GRPCReceiver
}

func (s *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	_, skipped, err := s.receiver.ingestor.Ingest(ctx, req)
	if err != nil {
		log.Printf("Failed to store exported spans: %v", err)
		return nil, status.Errorf(codes.Internal, "storing spans: %v", err)
	}

	resp := &coltracepb.ExportTraceServiceResponse{}
	if skipped > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: int64(skipped),
			ErrorMessage:  "spans missing trace_id or span_id",
		}
	}
	return resp, nil
}
