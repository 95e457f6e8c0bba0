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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared history store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every key. Defaults to "vigil:".
	Prefix string

	// Timeout bounds each command when the caller's context has no deadline.
	Timeout time.Duration
}

// RedisStore is a ConversationStore on Redis. It lets several machines
// share one user's history.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore builds a RedisStore. The connection is lazy; use Ping to
// check reachability.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vigil:"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:  prefix,
		timeout: timeout,
	}
}

// Ping verifies the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get implements ConversationStore.
func (s *RedisStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	k, err := s.key(userID, key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}
	return value, nil
}

// Set implements ConversationStore.
func (s *RedisStore) Set(ctx context.Context, userID, key string, value []byte) error {
	k, err := s.key(userID, key)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, k, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}

// Delete implements ConversationStore.
func (s *RedisStore) Delete(ctx context.Context, userID, key string) error {
	k, err := s.key(userID, key)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, k).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete %s: %w", k, err)
	}
	return nil
}

// Close implements ConversationStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(userID, key string) (string, error) {
	k, err := ScopedKey(userID, key)
	if err != nil {
		return "", err
	}
	return s.prefix + k, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

var _ ConversationStore = (*RedisStore)(nil)
