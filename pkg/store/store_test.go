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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Backend Contract
// =============================================================================

type backend struct {
	name string
	open func(t *testing.T) ConversationStore
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) ConversationStore { return NewMemoryStore() }},
		{"badger", func(t *testing.T) ConversationStore {
			s, err := OpenBadger(InMemoryBadgerConfig())
			require.NoError(t, err)
			return s
		}},
		{"redis", func(t *testing.T) ConversationStore {
			mr := miniredis.RunT(t)
			return NewRedisStore(RedisConfig{Addr: mr.Addr()})
		}},
	}
}

func TestConversationStore_Contract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			_, err := s.Get(ctx, "13800000000", KeyConversations)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "13800000000", KeyConversations, []byte(`[1]`)))
			require.NoError(t, s.Set(ctx, "13900000000", KeyConversations, []byte(`[2]`)))

			got, err := s.Get(ctx, "13800000000", KeyConversations)
			require.NoError(t, err)
			assert.Equal(t, `[1]`, string(got))

			got, err = s.Get(ctx, "13900000000", KeyConversations)
			require.NoError(t, err)
			assert.Equal(t, `[2]`, string(got), "users must not share keys")

			require.NoError(t, s.Set(ctx, "13800000000", KeyConversations, []byte(`[3]`)))
			got, err = s.Get(ctx, "13800000000", KeyConversations)
			require.NoError(t, err)
			assert.Equal(t, `[3]`, string(got))

			require.NoError(t, s.Delete(ctx, "13800000000", KeyConversations))
			require.NoError(t, s.Delete(ctx, "13800000000", KeyConversations))
			_, err = s.Get(ctx, "13800000000", KeyConversations)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConversationStore_RequiresUserID(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			assert.Error(t, s.Set(ctx, "", KeyConversations, []byte("x")))
			_, err := s.Get(ctx, " ", KeyHistoryFiles)
			assert.Error(t, err)
		})
	}
}

func TestConversationStore_ConcurrentWriters(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Set(ctx, "u", KeyHistoryFiles, []byte("v")))
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "u", KeyHistoryFiles)
			require.NoError(t, err)
			assert.Equal(t, "v", string(got))
		})
	}
}

// =============================================================================
// Backend Specific
// =============================================================================

func TestScopedKey(t *testing.T) {
	k, err := ScopedKey("138", KeyConversations)
	require.NoError(t, err)
	assert.Equal(t, "conversations_138", k)

	_, err = ScopedKey("138", "")
	assert.Error(t, err)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	cfg := DefaultBadgerConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = time.Hour

	s, err := OpenBadger(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "u", KeyConversations, []byte("kept")))
	require.NoError(t, s.Close())

	s, err = OpenBadger(cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "u", KeyConversations)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got))
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerStore_CancelledContext(t *testing.T) {
	s, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Set(ctx, "u", KeyConversations, nil), context.Canceled)
}

func TestRedisStore_PrefixAndPing(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Set(context.Background(), "u", KeyHistoryFiles, []byte("[]")))

	raw, err := mr.Get("test:historyFiles_u")
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}
