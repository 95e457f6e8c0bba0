// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the vigil configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvBaseURL overrides backend.base_url.
const EnvBaseURL = "VIGIL_BASE_URL"

var validate = validator.New()

// DefaultDir returns ~/.vigil.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".vigil"), nil
}

// Load reads the config file at path, creating it with defaults on first
// run. An empty path means ~/.vigil/vigil.yaml.
//
// # Description
//
// Values missing from the file keep their defaults. EnvBaseURL, when set,
// replaces the backend base url. Paths starting with "~" are expanded.
// The result is validated before it is returned.
//
// # Outputs
//
//   - VigilConfig: The merged configuration.
//   - bool: True when the file was created by this call.
//   - error: Read, parse or validation failures.
func Load(path string) (VigilConfig, bool, error) {
	dir, err := DefaultDir()
	if err != nil {
		return VigilConfig{}, false, err
	}
	if path == "" {
		path = filepath.Join(dir, "vigil.yaml")
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path, dir); err != nil {
			return VigilConfig{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return VigilConfig{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig(dir)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return VigilConfig{}, created, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.Backend.BaseURL = v
	}
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)
	cfg.Session.Path = expandHome(cfg.Session.Path)

	if err := Validate(cfg); err != nil {
		return VigilConfig{}, created, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, created, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg VigilConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func createDefault(path, dir string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig(dir))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
