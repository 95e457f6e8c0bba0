// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow classifies the records of an agent workflow stream.
//
// The backend runs every chat turn as a workflow and reports its progress
// as a sequence of JSON records:
//
//	workflow_started → node_started/node_finished ... → message* → workflow_finished
//
// Classify maps each raw record to a closed set of kinds and pulls out the
// payload the reducer needs: the incremental answer fragment of a message
// record and the authoritative final answer of workflow_finished.
package workflow

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind is the classified type of a stream record.
type Kind string

const (
	KindWorkflowStarted  Kind = "workflow_started"
	KindNodeStarted      Kind = "node_started"
	KindNodeFinished     Kind = "node_finished"
	KindWorkflowFinished Kind = "workflow_finished"
	KindMessage          Kind = "message"
	KindError            Kind = "error"

	// KindUnknown covers discriminators outside the set above. Unknown
	// records are inert.
	KindUnknown Kind = "unknown"
)

// ParseKind maps a discriminator string to a Kind. The empty string is a
// message, matching servers that omit the discriminator on text chunks.
func ParseKind(name string) Kind {
	switch Kind(name) {
	case KindWorkflowStarted, KindNodeStarted, KindNodeFinished,
		KindWorkflowFinished, KindMessage, KindError:
		return Kind(name)
	case "":
		return KindMessage
	default:
		return KindUnknown
	}
}

// IsTerminal reports whether no further records are expected after k.
func (k Kind) IsTerminal() bool {
	return k == KindWorkflowFinished || k == KindError
}

// =============================================================================
// Event
// =============================================================================

// Event is a classified stream record.
type Event struct {
	Kind Kind

	// Name is the raw discriminator as received.
	Name string

	// AnswerFragment is the text delta of a message record.
	// HasFragment is false when the record carried no string "answer".
	AnswerFragment string
	HasFragment    bool

	// FinalAnswer is data.outputs.answer of a workflow_finished record. An
	// empty answer counts as absent.
	FinalAnswer    string
	HasFinalAnswer bool

	// ErrorMessage is the server supplied text of an error record.
	ErrorMessage string

	// Node metadata, set on node_started and node_finished.
	NodeID    string
	NodeTitle string

	ConversationID string
	MessageID      string
	TaskID         string
	WorkflowRunID  string
	CreatedAt      int64
}

// Decode parses one JSON record and classifies it.
//
// sseEvent is the SSE "event:" field the record arrived under. It is used
// when the payload has no discriminator of its own.
func Decode(data []byte, sseEvent string) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode workflow record: %w", err)
	}
	if raw == nil {
		return Event{}, fmt.Errorf("decode workflow record: not a JSON object")
	}
	return Classify(raw, sseEvent), nil
}

// Classify maps a decoded record to an Event.
//
// # Description
//
// The discriminator is the payload "event" field, then "kind", then the
// SSE event name, then "message".
//
//   - message: "answer" becomes AnswerFragment when it is a string.
//   - workflow_finished: data.outputs.answer becomes FinalAnswer.
//   - error: "message", "msg" or "error" becomes ErrorMessage.
//   - node_*: data.node_id and data.title are carried for display.
//
// # Assumptions
//
// Field types are not trusted. A field of the wrong type is treated as
// absent rather than failing the record.
func Classify(raw map[string]any, sseEvent string) Event {
	name := stringField(raw, "event")
	if name == "" {
		name = stringField(raw, "kind")
	}
	if name == "" {
		name = sseEvent
	}

	ev := Event{
		Kind:           ParseKind(name),
		Name:           name,
		ConversationID: stringField(raw, "conversation_id"),
		MessageID:      stringField(raw, "message_id"),
		TaskID:         stringField(raw, "task_id"),
		WorkflowRunID:  stringField(raw, "workflow_run_id"),
		CreatedAt:      intField(raw, "created_at"),
	}

	switch ev.Kind {
	case KindMessage:
		if answer, ok := raw["answer"].(string); ok {
			ev.AnswerFragment = answer
			ev.HasFragment = true
		}
	case KindWorkflowFinished:
		data, _ := raw["data"].(map[string]any)
		outputs, _ := data["outputs"].(map[string]any)
		if answer, ok := outputs["answer"].(string); ok && answer != "" {
			ev.FinalAnswer = answer
			ev.HasFinalAnswer = true
		}
	case KindNodeStarted, KindNodeFinished:
		data, _ := raw["data"].(map[string]any)
		ev.NodeID = stringField(data, "node_id")
		ev.NodeTitle = stringField(data, "title")
	case KindError:
		for _, key := range []string{"message", "msg", "error"} {
			if msg := stringField(raw, key); msg != "" {
				ev.ErrorMessage = msg
				break
			}
		}
		if ev.ErrorMessage == "" {
			ev.ErrorMessage = "workflow reported an error"
		}
	}
	return ev
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
