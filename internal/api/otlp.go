package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/antoatta85/agents-at-scale-ark/internal/otlp"
	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

// receiveTraces accepts OTLP trace exports over HTTP. Binary protobuf
// is the only supported encoding; an explicit JSON content type gets
// 501 until JSON decoding is implemented.
func (s *Server) receiveTraces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondOTLPError(w, http.StatusBadRequest, "Invalid OTLP format")
		return
	}

	req, err := otlp.ParseRequest(body, r.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, models.ErrUnsupportedFormat) {
			log.Printf("Unsupported format requested: %v", err)
			s.respondOTLPError(w, http.StatusNotImplemented, "OTLP JSON format not yet supported")
			return
		}
		log.Printf("Failed to parse OTLP traces: %v", err)
		s.respondOTLPError(w, http.StatusBadRequest, "Invalid OTLP format")
		return
	}

	if len(req.GetResourceSpans()) == 0 {
		s.respondOTLPError(w, http.StatusBadRequest, "No traces data")
		return
	}

	processed, _, err := s.ingestor.Ingest(ctx, req)
	if err != nil {
		log.Printf("Failed to store OTLP traces: %v", err)
		s.respondOTLPError(w, http.StatusInternalServerError, "Failed to store traces")
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"traces": processed,
	})
}

func (s *Server) respondOTLPError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}
