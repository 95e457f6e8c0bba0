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
	"time"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
	"github.com/AleutianAI/VigilKeeper/pkg/transport"
)

// VigilConfig is the content of ~/.vigil/vigil.yaml.
type VigilConfig struct {
	Backend   BackendConfig    `yaml:"backend"`
	Stream    StreamConfig     `yaml:"stream"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Session   SessionConfig    `yaml:"session"`
}

// BackendConfig locates the VigilKeeper API.
type BackendConfig struct {
	// BaseURL includes the API prefix, e.g. http://host:8890/api/vigil-keeper.
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	UploadTimeout  time.Duration `yaml:"upload_timeout" validate:"gte=0"`
}

// StreamConfig tunes chat streams.
type StreamConfig struct {
	// StallTimeout aborts a stream that is silent this long. 0 disables it.
	StallTimeout time.Duration `yaml:"stall_timeout" validate:"gte=0"`
	Placeholder  string        `yaml:"placeholder" validate:"max=200"`
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=badger redis memory"`
	Path          string `yaml:"path" validate:"required_if=Backend badger"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis,omitempty,hostname_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0,lte=15"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the scrape endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// SessionConfig locates the session file.
type SessionConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// DefaultBaseURL is the local dev server.
const DefaultBaseURL = "http://localhost:8890/api/vigil-keeper"

// DefaultConfig returns the configuration written on first run. Paths are
// relative to dir, normally ~/.vigil.
func DefaultConfig(dir string) VigilConfig {
	tel := telemetry.DefaultConfig()
	return VigilConfig{
		Backend: BackendConfig{
			BaseURL:        DefaultBaseURL,
			RequestTimeout: transport.DefaultRequestTimeout,
			UploadTimeout:  transport.DefaultUploadTimeout,
		},
		Stream: StreamConfig{
			StallTimeout: transport.DefaultStallTimeout,
			Placeholder:  conversation.DefaultPlaceholder,
		},
		Storage: StorageConfig{
			Backend: "badger",
			Path:    dir + "/history",
		},
		Logging: LoggingConfig{
			Level: "warn",
			Dir:   dir + "/logs",
		},
		Telemetry: tel,
		Session: SessionConfig{
			Path: dir + "/session.yaml",
		},
	}
}
