package otlp

import (
	"errors"
	"testing"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func testRequest(spans ...*tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{stringAttr("service.name", "test-service")},
				},
				ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
			},
		},
	}
}

func testSpan() *tracepb.Span {
	return &tracepb.Span{
		TraceId:           []byte{0xab, 0xcd, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e},
		SpanId:            []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		Name:              "agent.execute",
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: uint64(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano()),
		EndTimeUnixNano:   uint64(time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC).UnixNano()),
	}
}

func TestParseRequest(t *testing.T) {
	body, err := proto.Marshal(testRequest(testSpan()))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	tests := []struct {
		name        string
		contentType string
		body        []byte
		wantErr     error
	}{
		{name: "protobuf content type", contentType: "application/x-protobuf", body: body},
		{name: "otlp media type", contentType: "application/vnd.opentelemetry.proto", body: body},
		{name: "no content type defaults to protobuf", contentType: "", body: body},
		{name: "json is unsupported", contentType: "application/json", body: []byte(`{}`), wantErr: models.ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.body, tt.contentType)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseRequest error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest failed: %v", err)
			}
			if len(req.GetResourceSpans()) != 1 {
				t.Errorf("Expected 1 resource span, got %d", len(req.GetResourceSpans()))
			}
		})
	}
}

func TestParseRequest_InvalidProtobuf(t *testing.T) {
	if _, err := ParseRequest([]byte("not protobuf at all"), "application/x-protobuf"); err == nil {
		t.Fatal("Expected error for garbage input")
	}
}

func TestMapRequest_BasicSpan(t *testing.T) {
	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	batches, skipped := MapRequest(testRequest(testSpan()), now)

	if skipped != 0 {
		t.Errorf("Expected 0 skipped, got %d", skipped)
	}
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}

	b := batches[0]
	wantTraceID := "abcd0102030405060708090a0b0c0d0e"
	if b.Span.TraceID != wantTraceID {
		t.Errorf("TraceID = %q, want %q", b.Span.TraceID, wantTraceID)
	}
	if b.Span.SpanID != "0102030405060708" {
		t.Errorf("SpanID = %q, want %q", b.Span.SpanID, "0102030405060708")
	}
	if b.Span.Kind != "SPAN_KIND_SERVER" {
		t.Errorf("Kind = %q, want SPAN_KIND_SERVER", b.Span.Kind)
	}
	if b.Span.Status != "ok" {
		t.Errorf("Status = %q, want ok", b.Span.Status)
	}
	// No session attribute anywhere: falls back to the trace id.
	if b.Span.SessionID != wantTraceID {
		t.Errorf("SessionID = %q, want trace id fallback", b.Span.SessionID)
	}
	if b.Trace.TraceID != wantTraceID || b.Trace.SessionID != wantTraceID {
		t.Errorf("Trace row mismatch: %+v", b.Trace)
	}
	if b.Span.EndTime == nil {
		t.Fatal("Expected end time to be set")
	}
	if got := b.Span.ResourceAttrs.GetString("service.name"); got != "test-service" {
		t.Errorf("ResourceAttrs service.name = %q", got)
	}
}

func TestMapRequest_SessionIDPriority(t *testing.T) {
	tests := []struct {
		name          string
		spanAttrs     []*commonpb.KeyValue
		resourceAttrs []*commonpb.KeyValue
		want          string
	}{
		{
			name:      "ark.session_id on span wins",
			spanAttrs: []*commonpb.KeyValue{stringAttr("session_id", "plain"), stringAttr("ark.session_id", "ark-span")},
			want:      "ark-span",
		},
		{
			name:      "session_id on span when ark key absent",
			spanAttrs: []*commonpb.KeyValue{stringAttr("session_id", "plain")},
			want:      "plain",
		},
		{
			name:          "resource attribute when span has none",
			resourceAttrs: []*commonpb.KeyValue{stringAttr("ark.session_id", "ark-resource")},
			want:          "ark-resource",
		},
		{
			name:          "span attribute beats resource attribute",
			spanAttrs:     []*commonpb.KeyValue{stringAttr("session_id", "from-span")},
			resourceAttrs: []*commonpb.KeyValue{stringAttr("ark.session_id", "from-resource")},
			want:          "from-span",
		},
		{
			name: "trace id when nothing set",
			want: "abcd0102030405060708090a0b0c0d0e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span := testSpan()
			span.Attributes = tt.spanAttrs
			req := testRequest(span)
			req.ResourceSpans[0].Resource = &resourcepb.Resource{Attributes: tt.resourceAttrs}

			batches, _ := MapRequest(req, time.Now())
			if len(batches) != 1 {
				t.Fatalf("Expected 1 batch, got %d", len(batches))
			}
			if batches[0].Span.SessionID != tt.want {
				t.Errorf("SessionID = %q, want %q", batches[0].Span.SessionID, tt.want)
			}
		})
	}
}

func TestMapRequest_SkipsSpansWithoutIDs(t *testing.T) {
	noTrace := testSpan()
	noTrace.TraceId = nil
	noSpan := testSpan()
	noSpan.SpanId = nil

	batches, skipped := MapRequest(testRequest(noTrace, noSpan, testSpan()), time.Now())

	if skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", skipped)
	}
	if len(batches) != 1 {
		t.Errorf("Expected 1 batch, got %d", len(batches))
	}
}

func TestMapRequest_ErrorStatus(t *testing.T) {
	span := testSpan()
	span.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "boom"}

	batches, _ := MapRequest(testRequest(span), time.Now())
	if batches[0].Span.Status != "error" {
		t.Errorf("Status = %q, want error", batches[0].Span.Status)
	}
}

func TestMapRequest_MissingStartTimeUsesNow(t *testing.T) {
	span := testSpan()
	span.StartTimeUnixNano = 0
	span.EndTimeUnixNano = 0
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	batches, _ := MapRequest(testRequest(span), now)
	if !batches[0].Span.StartTime.Equal(now) {
		t.Errorf("StartTime = %v, want %v", batches[0].Span.StartTime, now)
	}
	if batches[0].Span.EndTime != nil {
		t.Error("Expected nil end time for unfinished span")
	}
}

func TestMapRequest_SpanEvents(t *testing.T) {
	span := testSpan()
	span.Events = []*tracepb.Span_Event{
		{
			Name:         "llm.call",
			TimeUnixNano: uint64(time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC).UnixNano()),
			Attributes:   []*commonpb.KeyValue{stringAttr("model", "gpt-4")},
		},
		{Name: "llm.response"},
	}

	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	batches, _ := MapRequest(testRequest(span), now)
	events := batches[0].Events

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Name != "llm.call" {
		t.Errorf("Event name = %q", events[0].Name)
	}
	if got := events[0].Attributes.GetString("model"); got != "gpt-4" {
		t.Errorf("Event attribute model = %q", got)
	}
	if !events[1].Time.Equal(now) {
		t.Errorf("Event without timestamp should use now, got %v", events[1].Time)
	}
	if events[0].SpanID != batches[0].Span.SpanID {
		t.Error("Event should carry owning span id")
	}
}

func TestExtractAttributes_ValueKinds(t *testing.T) {
	attrs := []*commonpb.KeyValue{
		stringAttr("str", "hello"),
		{Key: "int", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 42}}},
		{Key: "double", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 3.5}}},
		{Key: "bool", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}},
		{Key: "list", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
			ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{
				{Value: &commonpb.AnyValue_StringValue{StringValue: "a"}},
				{Value: &commonpb.AnyValue_StringValue{StringValue: "b"}},
			}},
		}}},
		{Key: "dropped", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: []byte{1}}}},
	}

	m := extractAttributes(attrs)

	if len(m) != 5 {
		t.Fatalf("Expected 5 attributes, got %d", len(m))
	}
	if m.GetString("str") != "hello" {
		t.Errorf("str = %q", m.GetString("str"))
	}
	if v, ok := m.Get("int"); !ok || v.Kind != models.AttrInt || v.Int != 42 {
		t.Errorf("int attribute mismatch: %+v", v)
	}
	if v, ok := m.Get("list"); !ok || len(v.Strings) != 2 {
		t.Errorf("list attribute mismatch: %+v", v)
	}
	if _, ok := m.Get("dropped"); ok {
		t.Error("Bytes value should be dropped")
	}
}
