package derive

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

func event(queryID, reason string) *models.SessionEvent {
	return &models.SessionEvent{
		SessionID: "session-1",
		QueryID:   queryID,
		Reason:    reason,
	}
}

func message(queryID, conversationID, body string) *models.Message {
	return &models.Message{
		SessionID:      "session-1",
		QueryID:        queryID,
		ConversationID: conversationID,
		Data:           json.RawMessage(body),
	}
}

func TestQueries_Lifecycle(t *testing.T) {
	d := 123.5
	start := event("q1", models.ReasonQueryStart)
	start.QueryName = "weather"
	complete := event("q1", models.ReasonQueryComplete)
	complete.DurationMs = &d

	queries := Queries([]*models.SessionEvent{start, complete})

	if len(queries) != 1 {
		t.Fatalf("Expected 1 query, got %d", len(queries))
	}
	q := queries[0]
	if q.ID != "q1" {
		t.Errorf("Expected query id q1, got %s", q.ID)
	}
	if q.Name != "weather" {
		t.Errorf("Expected query name weather, got %s", q.Name)
	}
	if q.Status != models.QueryStatusCompleted {
		t.Errorf("Expected status completed, got %s", q.Status)
	}
	if q.DurationMs == nil || *q.DurationMs != 123.5 {
		t.Errorf("Expected duration 123.5, got %v", q.DurationMs)
	}
}

func TestQueries_InProgressWithoutComplete(t *testing.T) {
	queries := Queries([]*models.SessionEvent{event("q1", models.ReasonQueryStart)})

	if len(queries) != 1 {
		t.Fatalf("Expected 1 query, got %d", len(queries))
	}
	if queries[0].Status != models.QueryStatusInProgress {
		t.Errorf("Expected status in_progress, got %s", queries[0].Status)
	}
	if queries[0].DurationMs != nil {
		t.Errorf("Expected nil duration, got %v", *queries[0].DurationMs)
	}
}

func TestQueries_StrayCompleteCreatesCompletedQuery(t *testing.T) {
	queries := Queries([]*models.SessionEvent{event("q1", models.ReasonQueryComplete)})

	if len(queries) != 1 {
		t.Fatalf("Expected 1 query, got %d", len(queries))
	}
	if queries[0].Status != models.QueryStatusCompleted {
		t.Errorf("Expected status completed, got %s", queries[0].Status)
	}
}

func TestQueries_IgnoresOtherReasonsAndMissingIDs(t *testing.T) {
	events := []*models.SessionEvent{
		event("", models.ReasonQueryStart),
		event("q1", models.ReasonMessageAdded),
		event("q1", "CustomReason"),
	}

	if queries := Queries(events); len(queries) != 0 {
		t.Errorf("Expected no queries, got %d", len(queries))
	}
}

func TestQueries_CompleteWithoutDurationKeepsPreviousValue(t *testing.T) {
	d := 50.0
	first := event("q1", models.ReasonQueryComplete)
	first.DurationMs = &d
	second := event("q1", models.ReasonQueryComplete)

	queries := Queries([]*models.SessionEvent{first, second})

	if queries[0].DurationMs == nil || *queries[0].DurationMs != 50.0 {
		t.Errorf("Expected duration 50 preserved, got %v", queries[0].DurationMs)
	}
}

func TestQueries_FirstSeenOrder(t *testing.T) {
	events := []*models.SessionEvent{
		event("q2", models.ReasonQueryStart),
		event("q1", models.ReasonQueryStart),
		event("q2", models.ReasonQueryComplete),
	}

	queries := Queries(events)
	if len(queries) != 2 {
		t.Fatalf("Expected 2 queries, got %d", len(queries))
	}
	if queries[0].ID != "q2" || queries[1].ID != "q1" {
		t.Errorf("Expected order [q2 q1], got [%s %s]", queries[0].ID, queries[1].ID)
	}
}

func TestConversations_Grouping(t *testing.T) {
	messages := []*models.Message{
		message("", "conv-a", `{"role":"user","content":"hi"}`),
		message("", "", `{"role":"user","content":"no conv"}`),
		message("", "conv-a", `{"role":"assistant","content":"hello"}`),
	}

	convs := Conversations(messages)
	if len(convs) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(convs))
	}

	if convs[0].ID != "conv-a" {
		t.Errorf("Expected first conversation conv-a, got %s", convs[0].ID)
	}
	if string(convs[0].FirstMessage) != `{"role":"user","content":"hi"}` {
		t.Errorf("Unexpected first message: %s", convs[0].FirstMessage)
	}
	if string(convs[0].LastMessage) != `{"role":"assistant","content":"hello"}` {
		t.Errorf("Unexpected last message: %s", convs[0].LastMessage)
	}
	if len(convs[0].Messages) != 2 {
		t.Errorf("Expected 2 messages in conv-a, got %d", len(convs[0].Messages))
	}

	if convs[1].ID != models.DefaultConversationID {
		t.Errorf("Expected default bucket, got %s", convs[1].ID)
	}
}

func TestConversations_SingleMessageFirstEqualsLast(t *testing.T) {
	convs := Conversations([]*models.Message{message("", "c", `{"x":1}`)})

	if len(convs) != 1 {
		t.Fatalf("Expected 1 conversation, got %d", len(convs))
	}
	if string(convs[0].FirstMessage) != string(convs[0].LastMessage) {
		t.Error("Expected first and last message to match for single message")
	}
}

func TestBuildSession_NestsConversationsUnderQueries(t *testing.T) {
	events := []*models.SessionEvent{
		event("q1", models.ReasonQueryStart),
	}
	messages := []*models.Message{
		message("q1", "conv-a", `{"n":1}`),
		message("", "conv-b", `{"n":2}`),
		message("q-unknown", "conv-c", `{"n":3}`),
	}

	view := BuildSession("session-1", events, messages)

	if view.ID != "session-1" {
		t.Errorf("Expected session id session-1, got %s", view.ID)
	}
	if len(view.Queries) != 1 {
		t.Fatalf("Expected 1 query, got %d", len(view.Queries))
	}
	if len(view.Queries[0].Conversations) != 1 {
		t.Fatalf("Expected 1 conversation under q1, got %d", len(view.Queries[0].Conversations))
	}
	if view.Queries[0].Conversations[0].ID != "conv-a" {
		t.Errorf("Expected conv-a under q1, got %s", view.Queries[0].Conversations[0].ID)
	}

	// Messages with no query id or an unknown query id stay standalone.
	if len(view.Conversations) != 2 {
		t.Fatalf("Expected 2 standalone conversations, got %d", len(view.Conversations))
	}
	if view.Conversations[0].ID != "conv-b" || view.Conversations[1].ID != "conv-c" {
		t.Errorf("Unexpected standalone conversations: %s, %s",
			view.Conversations[0].ID, view.Conversations[1].ID)
	}
}

func TestBuildSession_EmptyInputs(t *testing.T) {
	view := BuildSession("session-1", nil, nil)

	if view.Queries == nil || len(view.Queries) != 0 {
		t.Errorf("Expected empty queries slice, got %v", view.Queries)
	}
	if view.Conversations == nil || len(view.Conversations) != 0 {
		t.Errorf("Expected empty conversations slice, got %v", view.Conversations)
	}
}

func TestTimeline_OrderingAndTypes(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := message("", "", `{"n":1}`)
	msg.CreatedAt = base.Add(3 * time.Second)
	trace := &models.Trace{TraceID: "t1", SessionID: "session-1", StartTime: base}
	span := &models.Span{TraceID: "t1", SpanID: "s1", StartTime: base.Add(1 * time.Second)}
	spanEvent := &models.SpanEvent{TraceID: "t1", SpanID: "s1", Name: "ev", Time: base.Add(2 * time.Second)}

	entries := Timeline([]*models.Message{msg}, []*models.Trace{trace}, []*models.Span{span}, []*models.SpanEvent{spanEvent})

	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(entries))
	}
	wantTypes := []string{"trace", "span", "span_event", "message"}
	for i, want := range wantTypes {
		if entries[i].Type != want {
			t.Errorf("Entry %d: expected type %s, got %s", i, want, entries[i].Type)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Errorf("Entries out of order at %d", i)
		}
	}
}

func TestTimeline_StableOnEqualTimestamps(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := message("", "", `{}`)
	msg.CreatedAt = ts
	trace := &models.Trace{TraceID: "t1", StartTime: ts}

	entries := Timeline([]*models.Message{msg}, []*models.Trace{trace}, nil, nil)

	if entries[0].Type != "message" || entries[1].Type != "trace" {
		t.Errorf("Expected merge order preserved on tie, got [%s %s]", entries[0].Type, entries[1].Type)
	}
}
