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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/VigilKeeper/pkg/session"
	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

func runLogin(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		var mobile string
		if len(args) == 1 {
			mobile = args[0]
		} else {
			m, err := promptMobile()
			if err != nil {
				return err
			}
			mobile = m
		}
		return login(ctx, app, mobile)
	})
}

// login exchanges mobile for a token and saves the session. Open chat
// windows pick the new user up through the session file watch.
func login(ctx context.Context, app *App, mobile string) error {
	mobile = strings.TrimSpace(mobile)
	res, err := app.Client.Login(ctx, mobile)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	user := res.Mobile
	if user == "" {
		user = mobile
	}
	if err := app.Sessions.Save(session.New(user, res.Token, time.Now())); err != nil {
		return err
	}
	app.Printer.Success("Logged in as " + user)
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, app *App) error {
		if app.Sessions.Current() == nil {
			app.Printer.Info("Not logged in.")
			return nil
		}
		if err := app.Sessions.Clear(); err != nil {
			return err
		}
		app.Printer.Success("Logged out")
		return nil
	})
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, app *App) error {
		sess := app.Sessions.Current()
		if sess == nil {
			return errNotLoggedIn
		}
		app.Printer.Info(fmt.Sprintf("%s (logged in %s)", sess.UserID,
			ux.FormatRelativeTime(sess.LoggedInAt.UnixMilli(), time.Now())))
		return nil
	})
}
