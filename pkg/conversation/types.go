// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the chat data model and the streaming reducer.
//
// The Reducer owns the live message list of the active conversation and is
// the only code that mutates it. Everything else (persistence, rendering)
// works on copies returned by Reducer.Messages.
package conversation

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Enums
// =============================================================================

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StreamState is the lifecycle state of a message.
//
// User messages carry StateNone unless their turn failed. Assistant
// messages move pending → streaming → completed|error.
type StreamState string

const (
	StateNone      StreamState = ""
	StatePending   StreamState = "pending"
	StateStreaming StreamState = "streaming"
	StateCompleted StreamState = "completed"
	StateError     StreamState = "error"
)

// InFlight reports whether s is pending or streaming.
func (s StreamState) InFlight() bool {
	return s == StatePending || s == StateStreaming
}

// Terminal reports whether s can no longer transition.
func (s StreamState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Persistable reports whether a message in state s may be written to storage.
func (s StreamState) Persistable() bool {
	return s == StateCompleted || s == StateNone
}

// =============================================================================
// Files
// =============================================================================

// LocalFile is a handle to a file chosen on this machine.
//
// Handles rebuilt from storage have Placeholder set and no Path; they keep
// the name, size and type for display only and cannot be re-uploaded.
type LocalFile struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"type"`
	Path        string `json:"-"`
	Placeholder bool   `json:"-"`
}

// Extension returns the lower-cased extension without the dot.
func (f LocalFile) Extension() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")
}

// FileRef is the server side record of an uploaded file. It is immutable
// once created by a successful upload.
type FileRef struct {
	ServerID     string     `json:"id"`
	OriginalName string     `json:"name"`
	Size         int64      `json:"size"`
	Extension    string     `json:"extension"`
	MimeType     string     `json:"mimeType"`
	OwnerID      string     `json:"createdBy"`
	CreatedAt    int64      `json:"createdAt"`
	LocalHandle  *LocalFile `json:"-"`
}

// HistoryFile is a previously uploaded file remembered per user so that it
// can be attached again without a new upload.
type HistoryFile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	OriginalName    string `json:"originalName,omitempty"`
	ServerName      string `json:"serverName,omitempty"`
	Size            int64  `json:"size"`
	Extension       string `json:"extension"`
	MimeType        string `json:"mimeType"`
	CreatedBy       string `json:"createdBy"`
	CreatedAt       int64  `json:"createdAt"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

// NewHistoryFile builds the history record for ref. displayName is the
// name the user picked locally; it falls back to the server name.
func NewHistoryFile(ref FileRef, displayName string, now time.Time) HistoryFile {
	name := displayName
	if name == "" {
		name = ref.OriginalName
	}
	return HistoryFile{
		ID:              ref.ServerID,
		Name:            name,
		OriginalName:    displayName,
		ServerName:      ref.OriginalName,
		Size:            ref.Size,
		Extension:       ref.Extension,
		MimeType:        ref.MimeType,
		CreatedBy:       ref.OwnerID,
		CreatedAt:       ref.CreatedAt,
		UploadTimestamp: now.UnixMilli(),
	}
}

// FileRef converts the history record back to a reference usable in a send.
func (h HistoryFile) FileRef() FileRef {
	return FileRef{
		ServerID:     h.ID,
		OriginalName: h.Name,
		Size:         h.Size,
		Extension:    h.Extension,
		MimeType:     h.MimeType,
		OwnerID:      h.CreatedBy,
		CreatedAt:    h.CreatedAt,
		LocalHandle:  &LocalFile{Name: h.Name, Size: h.Size, MimeType: h.MimeType, Placeholder: true},
	}
}

// =============================================================================
// Messages
// =============================================================================

// SendParameters are the request parameters of one chat turn. They are kept
// on the user message so a failed turn can be resubmitted exactly.
type SendParameters struct {
	Text                string      `json:"msg"`
	FileID              string      `json:"fileId,omitempty"`
	FileExtension       string      `json:"extension,omitempty"`
	OriginalAttachments []LocalFile `json:"files"`
}

// Message is one entry of a conversation.
type Message struct {
	ID          int64
	Role        Role
	Text        string
	DisplayText string
	Files       []LocalFile
	Attachments []FileRef
	Timestamp   time.Time
	State       StreamState

	// RetryContext is set on user messages.
	RetryContext *SendParameters
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Files != nil {
		out.Files = append([]LocalFile(nil), m.Files...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]FileRef(nil), m.Attachments...)
	}
	if m.RetryContext != nil {
		rc := *m.RetryContext
		rc.OriginalAttachments = append([]LocalFile(nil), m.RetryContext.OriginalAttachments...)
		out.RetryContext = &rc
	}
	return out
}

// Conversation is the stored summary and transcript of one chat.
type Conversation struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	LastMessagePreview string          `json:"lastMessage"`
	UpdatedAt          int64           `json:"timestamp"`
	Messages           []StoredMessage `json:"messages,omitempty"`
}

// DefaultTitle is used when a conversation has no user text yet.
const DefaultTitle = "New conversation"

// TitleLength and PreviewLength bound the derived conversation fields, in runes.
const (
	TitleLength   = 30
	PreviewLength = 50
)

// NewConversationID returns the id for a conversation created at now.
func NewConversationID(now time.Time) string {
	return "conv_" + strconv.FormatInt(now.UnixMilli(), 10)
}

// Title derives a conversation title from the first user message text.
func Title(firstUserText string) string {
	t := strings.TrimSpace(firstUserText)
	if t == "" {
		return DefaultTitle
	}
	return truncateRunes(t, TitleLength)
}

// Preview derives the list preview from an assistant answer.
func Preview(answer string) string {
	return truncateRunes(strings.TrimSpace(answer), PreviewLength)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
