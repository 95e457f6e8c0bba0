// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/AleutianAI/VigilKeeper/pkg/workflow"
)

// DefaultPlaceholder is shown in the assistant message until the first
// answer fragment arrives.
const DefaultPlaceholder = "VigilKeeper思考中..."

var (
	// ErrTurnInFlight is returned by BeginTurn while another turn is open.
	ErrTurnInFlight = errors.New("a chat turn is already in flight")

	// ErrStreamClosedEarly is the failure cause when a stream ends without
	// a final answer and without any streamed content.
	ErrStreamClosedEarly = errors.New("stream closed before any answer arrived")
)

// =============================================================================
// Outcome
// =============================================================================

// Outcome tells the caller what a reducer transition did.
type Outcome int

const (
	// Ignored means the input targeted no in-flight message or was inert.
	Ignored Outcome = iota
	// Updated means the in-flight message changed but is still open.
	Updated
	// Completed means the turn ended with a completed assistant message.
	Completed
	// Failed means the placeholder was removed and the user message marked error.
	Failed
	// Removed means the placeholder was dropped without marking an error.
	Removed
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Updated:
		return "updated"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the turn is over after o.
func (o Outcome) Terminal() bool {
	return o == Completed || o == Failed || o == Removed
}

// =============================================================================
// Reducer
// =============================================================================

// Turn identifies the open chat turn.
type Turn struct {
	UserMessageID      int64
	AssistantMessageID int64
	Params             SendParameters
}

// ReducerOptions configure a Reducer. Zero values select defaults.
type ReducerOptions struct {
	// Placeholder replaces DefaultPlaceholder.
	Placeholder string

	// Links rewrites attachment links in final answers.
	Links LinkRewriter

	// Now replaces time.Now. Used by tests.
	Now func() time.Time
}

// Reducer is the conversation state machine.
//
// # Description
//
// Reducer holds the ordered message list of the active conversation and at
// most one open Turn. Each open turn owns exactly one assistant message in
// state pending or streaming. Stream input is applied with Apply, and a turn
// ends through Apply (workflow_finished or error), Fail, Cancel or Close.
//
// Every transition that takes an assistant id ignores ids other than the
// open turn's assistant message. Late events from a cancelled or replaced
// stream therefore never touch state.
//
// # Limitations
//
// Reducer is not safe for concurrent use. The chat controller serializes
// access with its own mutex.
type Reducer struct {
	placeholder string
	links       LinkRewriter
	now         func() time.Time

	messages []Message
	turn     *Turn
	lastID   int64
}

// NewReducer creates an empty Reducer.
func NewReducer(opts ReducerOptions) *Reducer {
	r := &Reducer{
		placeholder: opts.Placeholder,
		links:       opts.Links,
		now:         opts.Now,
	}
	if r.placeholder == "" {
		r.placeholder = DefaultPlaceholder
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Placeholder returns the "thinking" text of a pending assistant message.
func (r *Reducer) Placeholder() string {
	return r.placeholder
}

// BeginTurn appends the user message and the pending assistant placeholder.
//
// # Inputs
//
//   - params: The request parameters, stored as the user message RetryContext.
//   - files: Local files shown on the user message.
//   - attachments: Uploaded file references sent with the turn.
//
// # Outputs
//
//   - Turn: Ids of the two new messages.
//   - error: ErrTurnInFlight when a turn is already open.
func (r *Reducer) BeginTurn(params SendParameters, files []LocalFile, attachments []FileRef) (Turn, error) {
	if r.turn != nil {
		return Turn{}, ErrTurnInFlight
	}

	now := r.now()
	userID := r.nextID(now.UnixMilli())
	assistantID := r.nextID(userID + 1)

	rc := params
	rc.OriginalAttachments = append([]LocalFile(nil), params.OriginalAttachments...)

	r.messages = append(r.messages,
		Message{
			ID:           userID,
			Role:         RoleUser,
			Text:         params.Text,
			DisplayText:  params.Text,
			Files:        append([]LocalFile(nil), files...),
			Attachments:  append([]FileRef(nil), attachments...),
			Timestamp:    now,
			State:        StateNone,
			RetryContext: &rc,
		},
		Message{
			ID:          assistantID,
			Role:        RoleAssistant,
			DisplayText: r.placeholder,
			Timestamp:   now,
			State:       StatePending,
		},
	)

	r.turn = &Turn{UserMessageID: userID, AssistantMessageID: assistantID, Params: rc}
	return *r.turn, nil
}

// Apply applies one classified stream event to the open turn.
//
// # Description
//
//   - workflow_started: pending → streaming. The placeholder stays.
//   - message: the first non-empty fragment clears the placeholder. Each
//     fragment is newline normalized and appended to Text and DisplayText.
//   - node_started, node_finished, unknown: no-op.
//   - workflow_finished: a final answer is link rewritten, normalized and
//     replaces the streamed text. Without one, or with an empty one, the
//     streamed text is kept.
//     The message completes either way.
//   - error: handled like Fail.
//
// # Outputs
//
//   - Outcome: Ignored for stale ids and inert events.
func (r *Reducer) Apply(assistantID int64, ev workflow.Event) Outcome {
	idx := r.openAssistant(assistantID)
	if idx < 0 {
		return Ignored
	}
	msg := &r.messages[idx]

	switch ev.Kind {
	case workflow.KindWorkflowStarted:
		if msg.State == StatePending {
			msg.State = StateStreaming
			return Updated
		}
		return Ignored

	case workflow.KindMessage:
		if !ev.HasFragment || ev.AnswerFragment == "" {
			return Ignored
		}
		if msg.DisplayText == r.placeholder {
			msg.DisplayText = ""
		}
		fragment := NormalizeNewlines(ev.AnswerFragment)
		msg.Text += fragment
		msg.DisplayText += fragment
		msg.State = StateStreaming
		return Updated

	case workflow.KindWorkflowFinished:
		if ev.HasFinalAnswer && ev.FinalAnswer != "" {
			final := NormalizeNewlines(r.links.Rewrite(ev.FinalAnswer))
			msg.Text = final
			msg.DisplayText = final
		} else if msg.DisplayText == r.placeholder {
			msg.DisplayText = msg.Text
		}
		msg.State = StateCompleted
		r.turn = nil
		return Completed

	case workflow.KindError:
		return r.fail(idx)

	default:
		return Ignored
	}
}

// Fail ends the open turn after a transport failure. The assistant
// placeholder is removed and the triggering user message is marked error
// so it can be retried.
func (r *Reducer) Fail(assistantID int64) Outcome {
	idx := r.openAssistant(assistantID)
	if idx < 0 {
		return Ignored
	}
	return r.fail(idx)
}

// Close ends the open turn when the stream finished without
// workflow_finished. Streamed content completes the message; with no
// content the turn fails.
func (r *Reducer) Close(assistantID int64) Outcome {
	idx := r.openAssistant(assistantID)
	if idx < 0 {
		return Ignored
	}
	if r.hasContent(r.messages[idx]) {
		r.messages[idx].State = StateCompleted
		r.turn = nil
		return Completed
	}
	return r.fail(idx)
}

// Cancel applies a user initiated stop to the open turn.
//
// Partial content is frozen into a completed message. A message still
// showing only the placeholder is removed.
func (r *Reducer) Cancel() Outcome {
	if r.turn == nil {
		return Ignored
	}
	idx := r.indexOf(r.turn.AssistantMessageID)
	r.turn = nil
	if idx < 0 {
		return Ignored
	}
	if r.hasContent(r.messages[idx]) {
		r.messages[idx].State = StateCompleted
		return Completed
	}
	r.removeAt(idx)
	return Removed
}

// InFlight returns the open turn, if any.
func (r *Reducer) InFlight() (Turn, bool) {
	if r.turn == nil {
		return Turn{}, false
	}
	return *r.turn, true
}

// Messages returns a deep copy of the message list.
func (r *Reducer) Messages() []Message {
	out := make([]Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Clone()
	}
	return out
}

// Find returns a copy of the message with id.
func (r *Reducer) Find(id int64) (Message, bool) {
	idx := r.indexOf(id)
	if idx < 0 {
		return Message{}, false
	}
	return r.messages[idx].Clone(), true
}

// Remove deletes the message with id. Messages of the open turn cannot be
// removed this way.
func (r *Reducer) Remove(id int64) bool {
	if r.turn != nil && (id == r.turn.UserMessageID || id == r.turn.AssistantMessageID) {
		return false
	}
	idx := r.indexOf(id)
	if idx < 0 {
		return false
	}
	r.removeAt(idx)
	return true
}

// Load replaces the message list, dropping any open turn. In-flight states
// in the input are not trusted and are loaded as completed.
func (r *Reducer) Load(messages []Message) {
	r.turn = nil
	r.messages = make([]Message, 0, len(messages))
	r.lastID = 0
	for _, m := range messages {
		c := m.Clone()
		if c.State.InFlight() {
			c.State = StateCompleted
		}
		if c.ID > r.lastID {
			r.lastID = c.ID
		}
		r.messages = append(r.messages, c)
	}
}

// Reset clears all messages and any open turn.
func (r *Reducer) Reset() {
	r.Load(nil)
}

// FirstUserText returns the text of the first user message, or "".
func (r *Reducer) FirstUserText() string {
	for _, m := range r.messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Text) != "" {
			return m.Text
		}
	}
	return ""
}

// =============================================================================
// Internals
// =============================================================================

func (r *Reducer) fail(assistantIdx int) Outcome {
	userID := r.turn.UserMessageID
	r.turn = nil
	r.removeAt(assistantIdx)
	if u := r.indexOf(userID); u >= 0 {
		r.messages[u].State = StateError
	}
	return Failed
}

func (r *Reducer) hasContent(m Message) bool {
	return m.DisplayText != r.placeholder && strings.TrimSpace(m.DisplayText) != ""
}

// openAssistant returns the index of the open turn's assistant message when
// id names it, -1 otherwise.
func (r *Reducer) openAssistant(id int64) int {
	if r.turn == nil || r.turn.AssistantMessageID != id {
		return -1
	}
	idx := r.indexOf(id)
	if idx < 0 || !r.messages[idx].State.InFlight() {
		return -1
	}
	return idx
}

func (r *Reducer) indexOf(id int64) int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reducer) removeAt(idx int) {
	r.messages = append(r.messages[:idx], r.messages[idx+1:]...)
}

// nextID returns candidate, bumped so ids stay strictly increasing.
func (r *Reducer) nextID(candidate int64) int64 {
	if candidate <= r.lastID {
		candidate = r.lastID + 1
	}
	r.lastID = candidate
	return candidate
}
