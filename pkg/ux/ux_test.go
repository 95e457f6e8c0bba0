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
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/VigilKeeper/pkg/chat"
	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
)

var at = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func userMsg(id int64, text string) conversation.Message {
	return conversation.Message{ID: id, Role: conversation.RoleUser, Text: text, DisplayText: text, Timestamp: at}
}

func botMsg(id int64, display string, state conversation.StreamState) conversation.Message {
	return conversation.Message{ID: id, Role: conversation.RoleAssistant, Text: display, DisplayText: display, State: state, Timestamp: at}
}

func update(msgs ...conversation.Message) chat.Update {
	return chat.Update{Messages: msgs}
}

// =============================================================================
// Transcript
// =============================================================================

func TestTranscript_StreamsDeltas(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf, ModePlain, "")
	u := userMsg(1, "hi")

	tr.Apply(update(u, botMsg(2, conversation.DefaultPlaceholder, conversation.StatePending)))
	assert.Equal(t, "[09:30] You (#1):\nhi\n\n[09:30] VigilKeeper (#2):\n", buf.String())

	buf.Reset()
	tr.Apply(update(u, botMsg(2, "Hel", conversation.StateStreaming)))
	tr.Apply(update(u, botMsg(2, "Hello", conversation.StateStreaming)))
	tr.Apply(update(u, botMsg(2, "Hello world", conversation.StateCompleted)))
	assert.Equal(t, "Hello world\n\n", buf.String())

	// Nothing new to print.
	buf.Reset()
	tr.Apply(update(u, botMsg(2, "Hello world", conversation.StateCompleted)))
	assert.Empty(t, buf.String())
}

func TestTranscript_FinalAnswerReplacesStream(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf, ModePlain, "")
	u := userMsg(1, "hi")

	tr.Apply(update(u, botMsg(2, "draft", conversation.StateStreaming)))
	tr.Apply(update(u, botMsg(2, "the real answer", conversation.StateCompleted)))
	assert.Contains(t, buf.String(), "draft\n--- final answer ---\nthe real answer\n\n")
}

func TestTranscript_FailureNotice(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf, ModePlain, "")
	u := userMsg(1, "hi")
	tr.Apply(update(u, botMsg(2, "partial", conversation.StateStreaming)))

	failed := u
	failed.State = conversation.StateError
	buf.Reset()
	tr.Apply(chat.Update{Messages: []conversation.Message{failed}, Err: errors.New("boom")})
	assert.Equal(t, "\nERROR: message #1 failed: boom (retry with /retry 1)\n\n", buf.String())

	buf.Reset()
	tr.Apply(chat.Update{Messages: []conversation.Message{failed}})
	assert.Empty(t, buf.String())
}

func TestTranscript_StyledPlaceholderIsCleared(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf, ModeStyled, "thinking")
	u := userMsg(1, "hi")

	tr.Apply(update(u, botMsg(2, "thinking", conversation.StatePending)))
	assert.Contains(t, buf.String(), "thinking")

	buf.Reset()
	tr.Apply(update(u, botMsg(2, "A", conversation.StateStreaming)))
	assert.True(t, strings.HasPrefix(buf.String(), clearLine))
	assert.True(t, strings.HasSuffix(buf.String(), "A"))
}

func TestTranscript_Replay(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf, ModePlain, "")
	msgs := []conversation.Message{userMsg(1, "q"), botMsg(2, "a", conversation.StateCompleted)}
	msgs[0].Files = []conversation.LocalFile{{Name: "c.pdf", Size: 2048, Placeholder: true}}

	tr.Replay(msgs)
	out := buf.String()
	assert.Contains(t, out, "You (#1):\nq\n  file: c.pdf (2.0 KiB)\n")
	assert.Contains(t, out, "VigilKeeper (#2):\na\n")

	buf.Reset()
	tr.Apply(update(msgs...))
	assert.Empty(t, buf.String())
}

// =============================================================================
// Printer and formatting
// =============================================================================

func TestPrinter_Plain(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &Printer{Out: &out, Err: &errOut, Mode: ModePlain}

	p.Title("ignored")
	p.Success("logged in")
	p.Warning("careful")
	p.Error(errors.New("bad"))
	p.Error(nil)
	p.Table([]string{"ID", "NAME"}, [][]string{{"1", "a"}})

	assert.Equal(t, "OK: logged in\nID\tNAME\n1\ta\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: bad\n", errOut.String())
}

func TestPrinter_StyledTableAligns(t *testing.T) {
	var out bytes.Buffer
	p := &Printer{Out: &out, Err: &out, Mode: ModeStyled}
	p.Table([]string{"ID", "NAME"}, [][]string{{"conv_1", "x"}, {"c", "y"}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "conv_1  x", lines[1])
	assert.Equal(t, "c       y", lines[2])
}

func TestDetectMode(t *testing.T) {
	assert.Equal(t, ModePlain, DetectMode(nil, false))
	assert.Equal(t, ModePlain, DetectMode(nil, true))
	assert.Equal(t, "plain", ModePlain.String())
	assert.Equal(t, "styled", ModeStyled.String())
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KiB", FormatSize(1536))
	assert.Equal(t, "3.0 MiB", FormatSize(3*1024*1024))
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{time.Minute, "1 min ago"},
		{5 * time.Minute, "5 mins ago"},
		{3 * time.Hour, "3h ago"},
		{48 * time.Hour, "2 days ago"},
		{14 * 24 * time.Hour, "2 weeks ago"},
		{60 * 24 * time.Hour, "Mar 5, 2026"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRelativeTime(now.Add(-tt.ago).UnixMilli(), now), tt.ago.String())
	}
	assert.Equal(t, "unknown", FormatRelativeTime(0, now))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "2.5s", FormatDuration(2500*time.Millisecond))
	assert.Equal(t, "3m", FormatDuration(3*time.Minute))
	assert.Equal(t, "1h 5m", FormatDuration(65*time.Minute))
}

func TestConversationRows(t *testing.T) {
	now := time.Now()
	header, rows := ConversationRows([]conversation.Conversation{
		{ID: "conv_1", Title: "t", LastMessagePreview: "p", UpdatedAt: now.UnixMilli()},
	}, now)
	assert.Len(t, header, 4)
	assert.Equal(t, []string{"conv_1", "t", "p", "just now"}, rows[0])
}
