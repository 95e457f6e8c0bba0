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

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/history"
	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

// userHistory returns the gateway and the current user.
func userHistory(ctx context.Context, app *App) (*history.Gateway, string, error) {
	user, err := app.RequireUser()
	if err != nil {
		return nil, "", err
	}
	gw, err := app.History(ctx)
	if err != nil {
		return nil, "", err
	}
	return gw, user, nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		gw, user, err := userHistory(ctx, app)
		if err != nil {
			return err
		}
		convs, err := gw.Conversations(ctx, user)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			app.Printer.Info("No saved conversations.")
			return nil
		}
		app.Printer.Table(ux.ConversationRows(convs, time.Now()))
		return nil
	})
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		conv, err := findConversation(ctx, app, args[0])
		if err != nil {
			return err
		}
		app.Printer.Title(conv.Title)
		tr := ux.NewTranscript(app.Printer.Out, app.Printer.Mode, app.Config.Stream.Placeholder)
		tr.Replay(conversation.Deserialize(conv.Messages))
		return nil
	})
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		conv, err := findConversation(ctx, app, args[0])
		if err != nil {
			return err
		}
		gw, user, err := userHistory(ctx, app)
		if err != nil {
			return err
		}
		yes, err := confirm(fmt.Sprintf("Delete %q?", conv.Title), assumeYes)
		if err != nil || !yes {
			return err
		}
		if err := gw.DeleteConversation(ctx, user, conv.ID); err != nil {
			return err
		}
		app.Printer.Success(fmt.Sprintf("Deleted %q", conv.Title))
		return nil
	})
}

// findConversation resolves a list number or id of the current user.
func findConversation(ctx context.Context, app *App, ref string) (conversation.Conversation, error) {
	gw, user, err := userHistory(ctx, app)
	if err != nil {
		return conversation.Conversation{}, err
	}
	convs, err := gw.Conversations(ctx, user)
	if err != nil {
		return conversation.Conversation{}, err
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	id, err := resolveRef(ref, ids)
	if err != nil {
		return conversation.Conversation{}, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, nil
		}
	}
	return conversation.Conversation{}, history.ErrConversationNotFound
}

func runFilesList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		gw, user, err := userHistory(ctx, app)
		if err != nil {
			return err
		}
		files, err := gw.HistoryFiles(ctx, user)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			app.Printer.Info("No uploaded files yet.")
			return nil
		}
		app.Printer.Table(ux.HistoryFileRows(files, time.Now()))
		return nil
	})
}

func runFilesDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		gw, user, err := userHistory(ctx, app)
		if err != nil {
			return err
		}
		files, err := gw.HistoryFiles(ctx, user)
		if err != nil {
			return err
		}
		ids := make([]string, len(files))
		names := make(map[string]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
			names[f.ID] = f.Name
		}
		id, err := resolveRef(strings.TrimSpace(args[0]), ids)
		if err != nil {
			return err
		}
		yes, err := confirm(fmt.Sprintf("Forget %s?", names[id]), assumeYes)
		if err != nil || !yes {
			return err
		}
		if err := gw.DeleteHistoryFile(ctx, user, id); err != nil {
			return err
		}
		app.Printer.Success("Forgot " + names[id])
		return nil
	})
}
