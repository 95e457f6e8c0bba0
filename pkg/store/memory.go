// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
)

// MemoryStore keeps values in a map. Contents are lost on exit.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements ConversationStore.
func (s *MemoryStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	k, err := ScopedKey(userID, key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[k]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements ConversationStore.
func (s *MemoryStore) Set(ctx context.Context, userID, key string, value []byte) error {
	k, err := ScopedKey(userID, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[k] = append([]byte(nil), value...)
	return nil
}

// Delete implements ConversationStore.
func (s *MemoryStore) Delete(ctx context.Context, userID, key string) error {
	k, err := ScopedKey(userID, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, k)
	return nil
}

// Close implements ConversationStore.
func (s *MemoryStore) Close() error { return nil }

var _ ConversationStore = (*MemoryStore)(nil)
