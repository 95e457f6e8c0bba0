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
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/VigilKeeper/cmd/vigil/internal/devserver"
)

func runDevserver(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		if app.Config.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := devserver.New(devserver.Config{
			FragmentDelay: devserverDelay,
			Logger:        app.Logger.Slog(),
		})
		origin := "http://" + devserverAddr
		if strings.HasPrefix(devserverAddr, ":") {
			origin = "http://localhost" + devserverAddr
		}
		app.Printer.Success("Dev server at " + srv.BaseURL(origin))
		app.Printer.Muted("Point backend.base_url (or VIGIL_BASE_URL) at it. Send #error, #malformed or #slow to script failures.")
		return srv.Run(ctx, devserverAddr)
	})
}
