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
	"time"
)

// StoredMessage is the persisted form of a Message.
//
// Local file handles are reduced to name, size and type. Timestamps are
// epoch milliseconds. The JSON layout is shared with earlier clients of
// the same storage keys, so field names must not change.
type StoredMessage struct {
	ID            int64           `json:"id"`
	Text          string          `json:"text,omitempty"`
	DisplayText   string          `json:"displayText,omitempty"`
	Files         []LocalFile     `json:"files,omitempty"`
	UploadedFiles []FileRef       `json:"uploadedFiles,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Type          Role            `json:"type"`
	Status        StreamState     `json:"status,omitempty"`
	RetryData     *SendParameters `json:"retryData,omitempty"`
}

// Serialize converts messages to their stored form. Messages that are not
// persistable (pending, streaming, error) are dropped.
func Serialize(messages []Message) []StoredMessage {
	out := make([]StoredMessage, 0, len(messages))
	for _, m := range messages {
		if !m.State.Persistable() {
			continue
		}
		sm := StoredMessage{
			ID:            m.ID,
			Text:          m.Text,
			DisplayText:   m.DisplayText,
			Files:         stripHandles(m.Files),
			UploadedFiles: stripRefs(m.Attachments),
			Timestamp:     m.Timestamp.UnixMilli(),
			Type:          m.Role,
			Status:        StateCompleted,
		}
		if m.RetryContext != nil {
			rc := *m.RetryContext
			rc.OriginalAttachments = stripHandles(rc.OriginalAttachments)
			sm.RetryData = &rc
		}
		out = append(out, sm)
	}
	return out
}

// Deserialize rebuilds messages from their stored form.
//
// Every loaded message is completed. File handles come back as
// placeholders: they keep name, size and type but have no content.
func Deserialize(stored []StoredMessage) []Message {
	out := make([]Message, 0, len(stored))
	for _, sm := range stored {
		m := Message{
			ID:          sm.ID,
			Role:        sm.Type,
			Text:        sm.Text,
			DisplayText: sm.DisplayText,
			Files:       placeholders(sm.Files),
			Attachments: append([]FileRef(nil), sm.UploadedFiles...),
			Timestamp:   time.UnixMilli(sm.Timestamp),
			State:       StateCompleted,
		}
		if m.Role == "" {
			m.Role = RoleAssistant
		}
		if m.DisplayText == "" {
			m.DisplayText = m.Text
		}
		if sm.RetryData != nil {
			rc := *sm.RetryData
			rc.OriginalAttachments = placeholders(rc.OriginalAttachments)
			m.RetryContext = &rc
		}
		out = append(out, m)
	}
	return out
}

func stripHandles(files []LocalFile) []LocalFile {
	if len(files) == 0 {
		return nil
	}
	out := make([]LocalFile, len(files))
	for i, f := range files {
		out[i] = LocalFile{Name: f.Name, Size: f.Size, MimeType: f.MimeType}
	}
	return out
}

func stripRefs(refs []FileRef) []FileRef {
	if len(refs) == 0 {
		return nil
	}
	out := make([]FileRef, len(refs))
	for i, r := range refs {
		r.LocalHandle = nil
		out[i] = r
	}
	return out
}

func placeholders(files []LocalFile) []LocalFile {
	if len(files) == 0 {
		return nil
	}
	out := make([]LocalFile, len(files))
	for i, f := range files {
		out[i] = LocalFile{Name: f.Name, Size: f.Size, MimeType: f.MimeType, Placeholder: true}
	}
	return out
}
