// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups the events of one file rewrite.
const DefaultDebounce = 100 * time.Millisecond

// ChangeFunc is called with the reloaded session after the user changed.
// sess is nil after a logout.
type ChangeFunc func(sess *Session)

// Watch reloads the session file whenever another process rewrites or
// removes it and calls fn when the user id differs from the one loaded
// before.
//
// # Description
//
// The parent directory is watched rather than the file, since Save
// replaces the file by rename and a watch on the old inode would be lost.
// Events are debounced by DefaultDebounce. Watch blocks until ctx is done.
//
// # Outputs
//
//   - error: Non-nil when the watcher cannot be started. A cancelled ctx
//     returns nil.
func (s *Store) Watch(ctx context.Context, fn ChangeFunc) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start session watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Debug("watching session file", "path", s.path)

	name := filepath.Clean(s.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(DefaultDebounce)
				timerC = timer.C
			} else {
				timer.Reset(DefaultDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("session watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			s.reload(fn)
		}
	}
}

func (s *Store) reload(fn ChangeFunc) {
	before := s.UserID()
	sess, err := s.Load()
	if err != nil {
		s.logger.Warn("could not reload session", "error", err)
		return
	}
	after := ""
	if sess != nil {
		after = sess.UserID
	}
	if after == before {
		return
	}
	s.logger.Info("session user changed on disk", "logged_in", sess != nil)
	if fn != nil {
		fn(sess)
	}
}
