// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists conversation snapshots and uploaded file records.
//
// The Gateway reads and writes two JSON lists per user through a
// store.ConversationStore:
//
//	conversations_{userId}  newest first, at most MaxConversations entries
//	historyFiles_{userId}   newest first, at most MaxHistoryFiles entries
//
// It never sees live reducer state. Callers hand it snapshots built with
// Snapshot.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/store"
)

const (
	// MaxConversations caps the stored conversation list per user.
	MaxConversations = 50

	// MaxHistoryFiles caps the stored uploaded file list per user.
	MaxHistoryFiles = 100
)

// ErrConversationNotFound is returned by callers that require a stored
// conversation to exist.
var ErrConversationNotFound = errors.New("conversation not found")

// PersistenceError describes a stored value that could not be decoded.
// It is logged and the value is treated as empty.
type PersistenceError struct {
	UserID string
	Key    string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("corrupt stored %s for user %s: %v", e.Key, e.UserID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Gateway is safe for concurrent use. Read-modify-write cycles are
// serialized within one process.
type Gateway struct {
	store  store.ConversationStore
	logger *slog.Logger
	mu     sync.Mutex

	// OnCorrupt, when set, is called with every PersistenceError.
	OnCorrupt func(*PersistenceError)
}

// NewGateway creates a Gateway over s. A nil logger uses slog.Default.
func NewGateway(s store.ConversationStore, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: s, logger: logger}
}

// =============================================================================
// Conversations
// =============================================================================

// Snapshot builds the stored form of a conversation.
//
// Only persistable messages are kept. The title comes from the first user
// message of the snapshot and preview is truncated to PreviewLength.
func Snapshot(id string, messages []conversation.Message, preview string, now time.Time) conversation.Conversation {
	first := ""
	for _, m := range messages {
		if m.Role == conversation.RoleUser && m.Text != "" {
			first = m.Text
			break
		}
	}
	return conversation.Conversation{
		ID:                 id,
		Title:              conversation.Title(first),
		LastMessagePreview: conversation.Preview(preview),
		UpdatedAt:          now.UnixMilli(),
		Messages:           conversation.Serialize(messages),
	}
}

// Conversations returns the stored list for userID, newest first.
//
// Missing or corrupt data yields an empty list. Only store failures are
// returned as errors.
func (g *Gateway) Conversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	var convs []conversation.Conversation
	if err := g.load(ctx, userID, store.KeyConversations, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Conversation returns one stored conversation by id.
func (g *Gateway) Conversation(ctx context.Context, userID, id string) (conversation.Conversation, bool, error) {
	convs, err := g.Conversations(ctx, userID)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, true, nil
		}
	}
	return conversation.Conversation{}, false, nil
}

// SaveConversation inserts or replaces conv.
//
// # Description
//
// An existing entry with the same id is replaced in place, keeping its
// position. A new entry goes to the front. When the list grows past
// MaxConversations entries the oldest (tail) entry is evicted.
//
// # Outputs
//
//   - []conversation.Conversation: The list as written.
func (g *Gateway) SaveConversation(ctx context.Context, userID string, conv conversation.Conversation) ([]conversation.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var convs []conversation.Conversation
	if err := g.load(ctx, userID, store.KeyConversations, &convs); err != nil {
		return nil, err
	}

	replaced := false
	for i := range convs {
		if convs[i].ID == conv.ID {
			convs[i] = conv
			replaced = true
			break
		}
	}
	if !replaced {
		convs = append([]conversation.Conversation{conv}, convs...)
	}
	for len(convs) > MaxConversations {
		convs = convs[:len(convs)-1]
	}

	if err := g.save(ctx, userID, store.KeyConversations, convs); err != nil {
		return nil, err
	}
	g.logger.Debug("conversation saved",
		slog.String("conversation_id", conv.ID),
		slog.Int("messages", len(conv.Messages)),
		slog.Int("stored", len(convs)))
	return convs, nil
}

// DeleteConversation removes the conversation with id. Unknown ids are a no-op.
func (g *Gateway) DeleteConversation(ctx context.Context, userID, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var convs []conversation.Conversation
	if err := g.load(ctx, userID, store.KeyConversations, &convs); err != nil {
		return err
	}
	kept := convs[:0]
	for _, c := range convs {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return g.store.Delete(ctx, userID, store.KeyConversations)
	}
	return g.save(ctx, userID, store.KeyConversations, kept)
}

// =============================================================================
// History Files
// =============================================================================

// HistoryFiles returns the uploaded file records for userID, newest first.
func (g *Gateway) HistoryFiles(ctx context.Context, userID string) ([]conversation.HistoryFile, error) {
	var files []conversation.HistoryFile
	if err := g.load(ctx, userID, store.KeyHistoryFiles, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// AddHistoryFile records an upload. A record with the same id is moved to
// the front. The list is capped at MaxHistoryFiles.
func (g *Gateway) AddHistoryFile(ctx context.Context, userID string, file conversation.HistoryFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var files []conversation.HistoryFile
	if err := g.load(ctx, userID, store.KeyHistoryFiles, &files); err != nil {
		return err
	}
	out := make([]conversation.HistoryFile, 0, len(files)+1)
	out = append(out, file)
	for _, f := range files {
		if f.ID != file.ID {
			out = append(out, f)
		}
	}
	if len(out) > MaxHistoryFiles {
		out = out[:MaxHistoryFiles]
	}
	return g.save(ctx, userID, store.KeyHistoryFiles, out)
}

// DeleteHistoryFile removes the record with id.
func (g *Gateway) DeleteHistoryFile(ctx context.Context, userID, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var files []conversation.HistoryFile
	if err := g.load(ctx, userID, store.KeyHistoryFiles, &files); err != nil {
		return err
	}
	kept := files[:0]
	for _, f := range files {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	return g.save(ctx, userID, store.KeyHistoryFiles, kept)
}

// =============================================================================
// Internals
// =============================================================================

func (g *Gateway) load(ctx context.Context, userID, key string, into any) error {
	data, err := g.store.Get(ctx, userID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		perr := &PersistenceError{UserID: userID, Key: key, Err: err}
		g.logger.Warn("stored history is corrupt, treating as empty",
			slog.String("key", key),
			slog.String("error", err.Error()))
		if g.OnCorrupt != nil {
			g.OnCorrupt(perr)
		}
		resetSlice(into)
	}
	return nil
}

func (g *Gateway) save(ctx context.Context, userID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := g.store.Set(ctx, userID, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// resetSlice clears a partially decoded list.
func resetSlice(into any) {
	switch v := into.(type) {
	case *[]conversation.Conversation:
		*v = nil
	case *[]conversation.HistoryFile:
		*v = nil
	}
}
