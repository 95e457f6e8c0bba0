// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/VigilKeeper/pkg/transport"
	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

// statusLabel describes a confirmation status code.
func statusLabel(status int) string {
	if status == transport.ConfirmStatusDone {
		return "confirmed"
	}
	return fmt.Sprintf("pending (status %d)", status)
}

func runContractConfirm(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		id := strings.TrimSpace(args[0])
		if err := app.Client.ConfirmContract(ctx, id); err != nil {
			return err
		}
		if !confirmWait {
			app.Printer.Success("Confirmation requested for " + id)
			return nil
		}
		status, err := waitConfirmed(ctx, app.Client, id, confirmInterval, confirmTimeout)
		if err != nil {
			return err
		}
		app.Printer.Success(fmt.Sprintf("Contract %s %s", id, statusLabel(status)))
		return nil
	})
}

// errConfirmTimeout is returned when polling gives up.
var errConfirmTimeout = errors.New("the contract was not confirmed in time")

// confirmPoller is the part of the client waitConfirmed needs.
type confirmPoller interface {
	ConfirmStatus(ctx context.Context, id string) (int, error)
}

// waitConfirmed polls the status of id every interval until it is done.
func waitConfirmed(ctx context.Context, c confirmPoller, id string, interval, timeout time.Duration) (int, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.ConfirmStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return status, errConfirmTimeout
			}
			return status, err
		}
		if status == transport.ConfirmStatusDone {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, errConfirmTimeout
		case <-ticker.C:
		}
	}
}

func runContractStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		id := strings.TrimSpace(args[0])
		status, err := app.Client.ConfirmStatus(ctx, id)
		if err != nil {
			return err
		}
		app.Printer.Info(fmt.Sprintf("%s: %s", id, statusLabel(status)))
		return nil
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		fileURL := strings.TrimSpace(args[0])
		dest := downloadPath(fileURL, downloadOutput)
		start := time.Now()
		n, err := download(ctx, app.Client, fileURL, dest)
		if err != nil {
			return err
		}
		app.Printer.Success(fmt.Sprintf("Saved %s (%s in %s)", dest, ux.FormatSize(n), ux.FormatDuration(time.Since(start))))
		return nil
	})
}

// downloadPath is output, or the last element of fileURL.
func downloadPath(fileURL, output string) string {
	if output != "" {
		return output
	}
	name := path.Base(fileURL)
	if name == "." || name == "/" {
		name = "download"
	}
	return name
}

// download writes fileURL to dest through a temporary file, so a failed
// transfer leaves nothing behind.
func download(ctx context.Context, c *transport.Client, fileURL, dest string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".vigil-download-*")
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}
	n, err := c.Download(ctx, fileURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("save download: %w", err)
	}
	return n, nil
}
