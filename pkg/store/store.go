// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides per-user key-value storage for chat history.
//
// Three backends implement ConversationStore:
//
//   - Memory: process local, for tests and --storage=memory
//   - Badger: embedded on-disk database, the default
//   - Redis: shared history across machines
//
// Values are opaque bytes. Encoding and caps are the history package's job.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Well known keys. The stored key is "{key}_{userID}".
const (
	KeyConversations = "conversations"
	KeyHistoryFiles  = "historyFiles"
)

// ConversationStore is a key-value store namespaced by user.
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// Get returns the value of key for userID, or ErrNotFound.
	Get(ctx context.Context, userID, key string) ([]byte, error)

	// Set replaces the value of key for userID.
	Set(ctx context.Context, userID, key string, value []byte) error

	// Delete removes key for userID. Deleting a missing key is not an error.
	Delete(ctx context.Context, userID, key string) error

	// Close releases backend resources.
	Close() error
}

// ScopedKey returns the storage key of key for userID.
func ScopedKey(userID, key string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("store: user id is required")
	}
	if key == "" {
		return "", fmt.Errorf("store: key is required")
	}
	return key + "_" + userID, nil
}
