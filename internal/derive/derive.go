// Package derive reconstructs current-state session views from the
// append-only event and message logs.
//
// Every function here is a pure fold over ordered input slices: no
// storage access, no side effects, safe to recompute on every read.
package derive

import (
	"sort"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

// Queries folds query lifecycle events into derived Query entries.
//
// Only QueryStart and QueryComplete events with a query id participate.
// The first event seen for a query id creates the entry (so a stray
// QueryComplete without a prior start still yields a query, already
// completed). A completion records its duration only when it carries
// one; a completion without a duration leaves any prior value alone.
// Result ordering is the first-seen order of query ids.
func Queries(events []*models.SessionEvent) []*models.Query {
	byID := make(map[string]*models.Query)
	var order []string

	for _, ev := range events {
		if ev.QueryID == "" {
			continue
		}
		if ev.Reason != models.ReasonQueryStart && ev.Reason != models.ReasonQueryComplete {
			continue
		}

		q, ok := byID[ev.QueryID]
		if !ok {
			q = &models.Query{
				ID:            ev.QueryID,
				Name:          ev.QueryName,
				Status:        models.QueryStatusInProgress,
				Conversations: []*models.Conversation{},
			}
			byID[ev.QueryID] = q
			order = append(order, ev.QueryID)
		}
		if q.Name == "" && ev.QueryName != "" {
			q.Name = ev.QueryName
		}

		if ev.Reason == models.ReasonQueryComplete {
			q.Status = models.QueryStatusCompleted
			if ev.DurationMs != nil {
				d := *ev.DurationMs
				q.DurationMs = &d
			}
		}
	}

	result := make([]*models.Query, 0, len(order))
	for _, id := range order {
		result = append(result, byID[id])
	}
	return result
}

// Conversations groups messages by conversation id, keeping first-seen
// group order. Messages without a conversation id land in the "default"
// bucket. Each group records its chronologically first and last message
// plus the full ordered transcript.
func Conversations(messages []*models.Message) []*models.Conversation {
	byID := make(map[string]*models.Conversation)
	var order []string

	for _, msg := range messages {
		id := msg.ConversationID
		if id == "" {
			id = models.DefaultConversationID
		}

		conv, ok := byID[id]
		if !ok {
			conv = &models.Conversation{ID: id}
			byID[id] = conv
			order = append(order, id)
		}

		if conv.FirstMessage == nil {
			conv.FirstMessage = msg.Data
		}
		conv.LastMessage = msg.Data
		conv.Messages = append(conv.Messages, msg.Data)
	}

	result := make([]*models.Conversation, 0, len(order))
	for _, id := range order {
		result = append(result, byID[id])
	}
	return result
}

// BuildSession folds events and messages into the derived session view.
//
// Conversations whose messages carry a query id matching a derived
// query are nested under that query; all other messages (no query id,
// or a query id that never appeared in the event log) form standalone
// conversations.
func BuildSession(sessionID string, events []*models.SessionEvent, messages []*models.Message) *models.SessionView {
	queries := Queries(events)

	known := make(map[string]*models.Query, len(queries))
	for _, q := range queries {
		known[q.ID] = q
	}

	perQuery := make(map[string][]*models.Message)
	var standalone []*models.Message
	for _, msg := range messages {
		if msg.QueryID != "" && known[msg.QueryID] != nil {
			perQuery[msg.QueryID] = append(perQuery[msg.QueryID], msg)
		} else {
			standalone = append(standalone, msg)
		}
	}

	for id, msgs := range perQuery {
		known[id].Conversations = Conversations(msgs)
	}

	view := &models.SessionView{
		ID:            sessionID,
		Queries:       queries,
		Conversations: Conversations(standalone),
	}
	if view.Conversations == nil {
		view.Conversations = []*models.Conversation{}
	}
	return view
}

// Timeline merges messages, traces, spans and span events into one
// timestamp-ordered stream. Ties keep the merge order (messages, then
// traces, spans, span events), which the sort preserves by stability.
func Timeline(messages []*models.Message, traces []*models.Trace, spans []*models.Span, spanEvents []*models.SpanEvent) []*models.TimelineEntry {
	entries := make([]*models.TimelineEntry, 0, len(messages)+len(traces)+len(spans)+len(spanEvents))

	for _, msg := range messages {
		entries = append(entries, &models.TimelineEntry{
			Type:      "message",
			Timestamp: msg.CreatedAt,
			Data:      msg,
		})
	}
	for _, tr := range traces {
		entries = append(entries, &models.TimelineEntry{
			Type:      "trace",
			Timestamp: tr.StartTime,
			Data:      tr,
		})
	}
	for _, sp := range spans {
		entries = append(entries, &models.TimelineEntry{
			Type:      "span",
			Timestamp: sp.StartTime,
			Data:      sp,
		})
	}
	for _, ev := range spanEvents {
		entries = append(entries, &models.TimelineEntry{
			Type:      "span_event",
			Timestamp: ev.Time,
			Data:      ev,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries
}
