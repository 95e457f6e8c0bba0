// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvBaseURL, "")

	cfg, created, err := Load("")
	require.NoError(t, err)
	assert.True(t, created)

	path := filepath.Join(home, ".vigil", "vigil.yaml")
	_, err = os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.Backend.BaseURL)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".vigil", "history"), cfg.Storage.Path)
	assert.Equal(t, 2*time.Minute, cfg.Stream.StallTimeout)

	// Second load reads the file back.
	again, created, err := Load("")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}

func TestLoad_FileOverridesAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: http://example.test/api/vigil-keeper
stream:
  stall_timeout: 45s
storage:
  backend: redis
  redis_addr: localhost:6379
session:
  path: ~/elsewhere/session.yaml
`), 0o600))

	t.Setenv(EnvBaseURL, "")
	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "http://example.test/api/vigil-keeper", cfg.Backend.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Stream.StallTimeout)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, "elsewhere", "session.yaml"), cfg.Session.Path)
	// Untouched sections keep defaults.
	assert.Equal(t, "warn", cfg.Logging.Level)

	t.Setenv(EnvBaseURL, "https://prod.test/api/vigil-keeper")
	cfg, _, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://prod.test/api/vigil-keeper", cfg.Backend.BaseURL)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad backend", "storage:\n  backend: sqlite\n"},
		{"redis without addr", "storage:\n  backend: redis\n"},
		{"bad url", "backend:\n  base_url: not a url\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"negative stall", "stream:\n  stall_timeout: -1s\n"},
		{"bad exporter", "telemetry:\n  trace_exporter: jaeger\n"},
		{"bad metrics addr", "metrics:\n  addr: nope\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("HOME", home)
			t.Setenv(EnvBaseURL, "")
			path := filepath.Join(home, "vigil.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, _, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [oops"), 0o600))

	_, _, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestDefaultConfig_RoundTrips(t *testing.T) {
	cfg := DefaultConfig("/tmp/vigil")
	require.NoError(t, Validate(cfg))

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	var back VigilConfig
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)
}
