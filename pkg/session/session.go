// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the logged in user and the backend token.
//
// The user id is the mobile number used to log in; it scopes every stored
// conversation and history file. The token is kept in a memguard enclave
// and only decrypted for the duration of a request.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/VigilKeeper/pkg/logging"
	"github.com/AleutianAI/VigilKeeper/pkg/transport"
)

// =============================================================================
// Session
// =============================================================================

// Session is one logged in user.
type Session struct {
	UserID     string
	LoggedInAt time.Time

	token *memguard.Enclave
}

// New creates a session. The token bytes are sealed and token is not
// retained.
func New(userID, token string, at time.Time) *Session {
	s := &Session{UserID: strings.TrimSpace(userID), LoggedInAt: at}
	if token != "" {
		s.token = memguard.NewEnclave([]byte(token))
	}
	return s
}

// Token decrypts the session token.
//
// # Outputs
//
//   - string: The token.
//   - error: transport.ErrNoToken when the session has none, or the
//     enclave could not be opened.
func (s *Session) Token() (string, error) {
	if s == nil || s.token == nil {
		return "", transport.ErrNoToken
	}
	buf, err := s.token.Open()
	if err != nil {
		return "", fmt.Errorf("open session token: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// HasToken reports whether the session carries a token.
func (s *Session) HasToken() bool {
	return s != nil && s.token != nil
}

// =============================================================================
// File store
// =============================================================================

// fileFormat is the on-disk form of a session.
type fileFormat struct {
	UserID     string    `yaml:"mobile"`
	Token      string    `yaml:"token"`
	LoggedInAt time.Time `yaml:"logged_in_at"`
}

// Store keeps the current session in a yaml file and implements
// transport.TokenSource over it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewStore creates a store for the session file at path. Call Load to read
// an existing session.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the session file path.
func (s *Store) Path() string { return s.path }

// Current returns the loaded session, nil when logged out.
func (s *Store) Current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// UserID returns the current user id, "" when logged out.
func (s *Store) UserID() string {
	if cur := s.Current(); cur != nil {
		return cur.UserID
	}
	return ""
}

// Token implements transport.TokenSource.
func (s *Store) Token() (string, error) {
	return s.Current().Token()
}

// Load reads the session file. A missing file is a logged out state, not
// an error. An unreadable file is logged and also treated as logged out.
func (s *Store) Load() (*Session, error) {
	sess, err := s.read()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	return sess, nil
}

// Save writes sess and makes it current. The file is replaced atomically
// and readable by the owner only.
func (s *Store) Save(sess *Session) error {
	token, err := sess.Token()
	if err != nil && !errors.Is(err, transport.ErrNoToken) {
		return err
	}
	raw, err := yaml.Marshal(fileFormat{UserID: sess.UserID, Token: token, LoggedInAt: sess.LoggedInAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := writeFileAtomic(s.path, raw); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	s.logger.Info("session saved", "token_present", sess.HasToken())
	return nil
}

// Clear removes the session file and logs out.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	s.logger.Info("session cleared")
	return nil
}

func (s *Store) read() (*Session, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("session file is corrupt, treating as logged out", "path", s.path, "error", err)
		return nil, nil
	}
	if strings.TrimSpace(f.UserID) == "" {
		return nil, nil
	}
	return New(f.UserID, f.Token, f.LoggedInAt), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ transport.TokenSource = (*Store)(nil)
