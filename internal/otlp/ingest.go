package otlp

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/internal/storage"
	"github.com/antoatta85/agents-at-scale-ark/internal/storage/archive"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// Ingestor persists mapped spans. Shared by the HTTP endpoint and the
// gRPC receiver.
type Ingestor struct {
	store storage.Store
	arch  *archive.Archive
}

// NewIngestor creates an ingestor. The archive may be nil.
func NewIngestor(store storage.Store, arch *archive.Archive) *Ingestor {
	return &Ingestor{store: store, arch: arch}
}

// Ingest maps and stores every span in the request. Each span lands in
// its own transaction, matching per-span visibility for concurrent
// exports of the same trace. Returns the number of spans stored and
// the number skipped for missing ids.
func (i *Ingestor) Ingest(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (processed, skipped int, err error) {
	batches, skipped := MapRequest(req, time.Now().UTC())
	if skipped > 0 {
		log.Printf("Skipping %d spans with missing trace_id or span_id", skipped)
	}

	for _, batch := range batches {
		if err := i.store.StoreTrace(ctx, batch.Trace, batch.Span, batch.Events); err != nil {
			return processed, skipped, fmt.Errorf("storing span %s: %w", batch.Span.SpanID, err)
		}
		if i.arch != nil {
			i.arch.AddSpan(batch.Span)
		}
		processed++

		log.Printf("Processed trace | trace_id=%.8s | span_id=%.8s | session_id=%.8s | name=%s",
			batch.Span.TraceID, batch.Span.SpanID, batch.Span.SessionID, batch.Span.Name)
	}

	return processed, skipped, nil
}
