// Package otlp decodes OTLP trace export requests and maps them onto
// session store rows.
package otlp

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// Session id attribute keys checked on spans and resources, in order.
var sessionIDKeys = []string{"ark.session_id", "session_id"}

// ParseRequest decodes a trace export body according to its content
// type. Explicit protobuf/OTLP media types and absent or unrecognized
// types decode as binary protobuf; an explicit JSON type returns
// models.ErrUnsupportedFormat — JSON OTLP is deliberately not parsed.
func ParseRequest(body []byte, contentType string) (*coltracepb.ExportTraceServiceRequest, error) {
	if strings.Contains(contentType, "application/x-protobuf") ||
		strings.Contains(contentType, "application/vnd.opentelemetry.proto") {
		return unmarshalRequest(body)
	}
	if strings.Contains(contentType, "application/json") {
		return nil, fmt.Errorf("OTLP JSON format: %w", models.ErrUnsupportedFormat)
	}
	// No content type or unknown: protobuf is what collectors send.
	return unmarshalRequest(body)
}

func unmarshalRequest(body []byte) (*coltracepb.ExportTraceServiceRequest, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding protobuf: %w", err)
	}
	return &req, nil
}

// SpanBatch is one span mapped onto storage rows: the owning trace
// upsert, the span row, and its span events.
type SpanBatch struct {
	Trace  *models.Trace
	Span   *models.Span
	Events []*models.SpanEvent
}

// MapRequest walks every resource span in the request and maps each
// well-formed span onto a SpanBatch. Spans missing a trace id or span
// id are counted in skipped and excluded, never failing the batch.
// now supplies the fallback for missing start timestamps.
func MapRequest(req *coltracepb.ExportTraceServiceRequest, now time.Time) (batches []*SpanBatch, skipped int) {
	for _, rs := range req.GetResourceSpans() {
		resourceAttrs := extractAttributes(rs.GetResource().GetAttributes())

		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				batch, ok := mapSpan(span, resourceAttrs, now)
				if !ok {
					skipped++
					continue
				}
				batches = append(batches, batch)
			}
		}
	}
	return batches, skipped
}

// mapSpan converts one protobuf span into storage rows. Returns false
// when the span has no trace id or span id.
func mapSpan(span *tracepb.Span, resourceAttrs models.AttrMap, now time.Time) (*SpanBatch, bool) {
	traceID := hex.EncodeToString(span.GetTraceId())
	spanID := hex.EncodeToString(span.GetSpanId())
	if traceID == "" || spanID == "" {
		return nil, false
	}

	spanAttrs := extractAttributes(span.GetAttributes())
	sessionID := determineSessionID(resourceAttrs, spanAttrs, traceID)

	startTime := now
	if span.GetStartTimeUnixNano() != 0 {
		startTime = nanosToTime(span.GetStartTimeUnixNano())
	}
	var endTime *time.Time
	if span.GetEndTimeUnixNano() != 0 {
		t := nanosToTime(span.GetEndTimeUnixNano())
		endTime = &t
	}

	trace := &models.Trace{
		TraceID:   traceID,
		SessionID: sessionID,
		StartTime: startTime,
		EndTime:   endTime,
	}

	row := &models.Span{
		TraceID:       traceID,
		SpanID:        spanID,
		ParentSpanID:  hex.EncodeToString(span.GetParentSpanId()),
		SessionID:     sessionID,
		Name:          span.GetName(),
		Kind:          span.GetKind().String(),
		StartTime:     startTime,
		EndTime:       endTime,
		Status:        statusString(span.GetStatus()),
		Attributes:    spanAttrs,
		ResourceAttrs: resourceAttrs,
	}

	var events []*models.SpanEvent
	for _, ev := range span.GetEvents() {
		ts := now
		if ev.GetTimeUnixNano() != 0 {
			ts = nanosToTime(ev.GetTimeUnixNano())
		}
		events = append(events, &models.SpanEvent{
			TraceID:    traceID,
			SpanID:     spanID,
			SessionID:  sessionID,
			Name:       ev.GetName(),
			Time:       ts,
			Attributes: extractAttributes(ev.GetAttributes()),
		})
	}

	return &SpanBatch{Trace: trace, Span: row, Events: events}, true
}

// determineSessionID resolves the owning session with priority: span
// attributes, then resource attributes, then the trace id itself.
func determineSessionID(resourceAttrs, spanAttrs models.AttrMap, traceID string) string {
	if id := sessionIDFromAttrs(spanAttrs); id != "" {
		return id
	}
	if id := sessionIDFromAttrs(resourceAttrs); id != "" {
		return id
	}
	return traceID
}

func sessionIDFromAttrs(attrs models.AttrMap) string {
	for _, key := range sessionIDKeys {
		if v := attrs.GetString(key); v != "" {
			return v
		}
	}
	return ""
}

// extractAttributes converts OTLP attributes into the closed scalar-or
// string-array union. Unsupported value kinds (kvlist, bytes, mixed
// arrays) are dropped.
func extractAttributes(attrs []*commonpb.KeyValue) models.AttrMap {
	result := models.AttrMap{}
	for _, attr := range attrs {
		v, ok := convertValue(attr.GetValue())
		if !ok {
			continue
		}
		result.Set(attr.GetKey(), v)
	}
	return result
}

func convertValue(value *commonpb.AnyValue) (models.AttrValue, bool) {
	switch v := value.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return models.StringValue(v.StringValue), true
	case *commonpb.AnyValue_IntValue:
		return models.IntValue(v.IntValue), true
	case *commonpb.AnyValue_DoubleValue:
		return models.DoubleValue(v.DoubleValue), true
	case *commonpb.AnyValue_BoolValue:
		return models.BoolValue(v.BoolValue), true
	case *commonpb.AnyValue_ArrayValue:
		ss := make([]string, 0, len(v.ArrayValue.GetValues()))
		for _, item := range v.ArrayValue.GetValues() {
			ss = append(ss, item.GetStringValue())
		}
		return models.StringsValue(ss), true
	default:
		return models.AttrValue{}, false
	}
}

// statusString maps the OTLP status code to the stored status: code 2
// (ERROR) becomes "error", everything else "ok".
func statusString(status *tracepb.Status) string {
	if status.GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		return "error"
	}
	return "ok"
}

func nanosToTime(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos)).UTC()
}
