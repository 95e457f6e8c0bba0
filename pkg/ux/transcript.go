// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AleutianAI/VigilKeeper/pkg/chat"
	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
)

// clearLine erases the current terminal line.
const clearLine = "\r\033[K"

// Transcript prints a conversation incrementally from controller updates.
//
// # Description
//
// Each message is printed once. The in-flight assistant message is
// streamed: only the part of its display text not yet written is printed
// on each update. When the final answer replaces the streamed text, the
// final answer is printed again in full below a separator. A failed turn
// prints a notice naming the message id to retry.
//
// # Thread Safety
//
// Safe for concurrent use.
type Transcript struct {
	out         io.Writer
	mode        Mode
	placeholder string

	mu       sync.Mutex
	printed  map[int64]bool
	reported map[int64]bool

	liveID          int64
	liveShown       string
	showPlaceholder bool
}

// NewTranscript creates a transcript writing to w.
func NewTranscript(w io.Writer, mode Mode, placeholder string) *Transcript {
	if placeholder == "" {
		placeholder = conversation.DefaultPlaceholder
	}
	return &Transcript{
		out:         w,
		mode:        mode,
		placeholder: placeholder,
		printed:     make(map[int64]bool),
		reported:    make(map[int64]bool),
	}
}

// Replay prints msgs from the start, forgetting what was printed before.
func (t *Transcript) Replay(msgs []conversation.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.printed = make(map[int64]bool)
	t.reported = make(map[int64]bool)
	t.liveID = 0
	t.liveShown = ""
	t.showPlaceholder = false
	for _, m := range msgs {
		if m.State.InFlight() {
			continue
		}
		fmt.Fprint(t.out, t.RenderMessage(m))
		t.printed[m.ID] = true
		if m.State == conversation.StateError {
			t.reported[m.ID] = true
		}
	}
}

// Apply prints whatever u adds to the transcript.
func (t *Transcript) Apply(u chat.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The live message was removed: stopped before any text or failed.
	if t.liveID != 0 && !containsID(u.Messages, t.liveID) {
		t.dropLive()
	}

	for _, m := range u.Messages {
		switch {
		case m.Role == conversation.RoleAssistant && m.State.InFlight():
			t.stream(m)
		case m.Role == conversation.RoleAssistant && m.ID == t.liveID:
			t.finish(m)
		case !t.printed[m.ID]:
			fmt.Fprint(t.out, t.RenderMessage(m))
			t.printed[m.ID] = true
		}
		if m.Role == conversation.RoleUser && m.State == conversation.StateError && !t.reported[m.ID] {
			t.reported[m.ID] = true
			t.failure(m, u.Err)
		}
	}
}

func containsID(msgs []conversation.Message, id int64) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// RenderMessage returns the complete rendering of m, ending in a newline.
func (t *Transcript) RenderMessage(m conversation.Message) string {
	var b strings.Builder
	b.WriteString(t.label(m))
	b.WriteByte('\n')
	text := m.DisplayText
	if text == "" {
		text = m.Text
	}
	if text != "" {
		b.WriteString(text)
		b.WriteByte('\n')
	}
	for _, f := range m.Files {
		b.WriteString(t.fileLine(f))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

func (t *Transcript) label(m conversation.Message) string {
	name := "VigilKeeper"
	style := Styles.Assistant
	if m.Role == conversation.RoleUser {
		name = "You"
		style = Styles.User
	}
	stamp := m.Timestamp.Format("15:04")
	if t.mode == ModePlain {
		return fmt.Sprintf("[%s] %s (#%d):", stamp, name, m.ID)
	}
	return style.Render(name) + " " + Styles.Muted.Render(fmt.Sprintf("%s #%d", stamp, m.ID))
}

func (t *Transcript) fileLine(f conversation.LocalFile) string {
	size := FormatSize(f.Size)
	if t.mode == ModePlain {
		return fmt.Sprintf("  file: %s (%s)", f.Name, size)
	}
	return "  " + string(IconFile) + " " + f.Name + " " + Styles.Muted.Render("("+size+")")
}

func (t *Transcript) stream(m conversation.Message) {
	if t.liveID != m.ID {
		t.liveID = m.ID
		t.liveShown = ""
		t.showPlaceholder = false
		fmt.Fprintln(t.out, t.label(m))
	}

	if m.DisplayText == t.placeholder {
		if !t.showPlaceholder && t.mode == ModeStyled {
			fmt.Fprint(t.out, Styles.Muted.Render(t.placeholder))
			t.showPlaceholder = true
		}
		return
	}
	if t.showPlaceholder {
		fmt.Fprint(t.out, clearLine)
		t.showPlaceholder = false
	}

	if strings.HasPrefix(m.DisplayText, t.liveShown) {
		fmt.Fprint(t.out, m.DisplayText[len(t.liveShown):])
	} else {
		fmt.Fprint(t.out, "\n"+m.DisplayText)
	}
	t.liveShown = m.DisplayText
}

func (t *Transcript) finish(m conversation.Message) {
	if t.showPlaceholder {
		fmt.Fprint(t.out, clearLine)
		t.showPlaceholder = false
	}
	final := m.DisplayText
	switch {
	case t.liveShown == "":
		fmt.Fprint(t.out, final)
	case strings.HasPrefix(final, t.liveShown):
		fmt.Fprint(t.out, final[len(t.liveShown):])
	default:
		fmt.Fprint(t.out, "\n"+t.separator("final answer")+"\n"+final)
	}
	fmt.Fprint(t.out, "\n\n")
	t.printed[m.ID] = true
	t.liveID = 0
	t.liveShown = ""
}

func (t *Transcript) dropLive() {
	if t.showPlaceholder {
		fmt.Fprint(t.out, clearLine)
	} else if t.liveShown != "" {
		fmt.Fprint(t.out, "\n")
	}
	t.liveID = 0
	t.liveShown = ""
	t.showPlaceholder = false
}

func (t *Transcript) failure(m conversation.Message, err error) {
	reason := "the reply failed"
	if err != nil {
		reason = err.Error()
	}
	if t.mode == ModePlain {
		fmt.Fprintf(t.out, "ERROR: message #%d failed: %s (retry with /retry %d)\n\n", m.ID, reason, m.ID)
		return
	}
	fmt.Fprintf(t.out, "%s %s %s\n\n", IconError.Render(),
		Styles.Error.Render(fmt.Sprintf("message #%d failed: %s", m.ID, reason)),
		Styles.Muted.Render(fmt.Sprintf("/retry %d", m.ID)))
}

func (t *Transcript) separator(title string) string {
	if t.mode == ModePlain {
		return "--- " + title + " ---"
	}
	return Styles.Muted.Render("── " + title + " ──")
}
