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
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/session"
	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

func runChat(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		return chatLoop(ctx, app, cmd.InOrStdin())
	})
}

// chatLoop runs the interactive window until /quit, EOF or an interrupt
// while idle. An interrupt during a reply only stops the reply.
func chatLoop(ctx context.Context, app *App, in io.Reader) error {
	ctl, err := app.NewController(ctx)
	if err != nil {
		return err
	}
	transcript := ux.NewTranscript(app.Printer.Out, app.Printer.Mode, app.Config.Stream.Placeholder)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	r := newREPL(app, ctl, transcript, sigs)
	unsubscribe := ctl.Subscribe(r.observe)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Sessions.Watch(gctx, func(s *session.Session) {
			user := ""
			if s != nil {
				user = s.UserID
			}
			ctl.SwitchUser(user)
			transcript.Replay(nil)
			if user == "" {
				app.Printer.Warning("Logged out in another window. Log in again to keep chatting.")
			} else {
				app.Printer.Warning("Session switched to " + user)
			}
		})
	})
	app.ServeMetrics(gctx, g)

	lines := readLines(gctx, in)

	app.Printer.Title("VigilKeeper")
	app.Printer.Muted("Signed in as " + ctl.UserID() + ". Type /help for commands.")

loop:
	for {
		if app.Printer.Mode == ux.ModeStyled {
			fmt.Fprint(app.Printer.Out, ux.Styles.User.Render("> "))
		}
		select {
		case <-gctx.Done():
			break loop
		case <-sigs:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := r.handle(gctx, line)
			if err != nil {
				app.Printer.Error(err)
			}
			if quit {
				break loop
			}
		}
	}

	ctl.Stop()
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *App) error {
		return ask(ctx, app, strings.Join(args, " "), askAttach)
	})
}

// ask sends one question and prints the reply as it streams. It fails
// when the reply fails.
func ask(ctx context.Context, app *App, question string, attach []string) error {
	ctl, err := app.NewController(ctx)
	if err != nil {
		return err
	}
	transcript := ux.NewTranscript(app.Printer.Out, app.Printer.Mode, app.Config.Stream.Placeholder)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	r := newREPL(app, ctl, transcript, sigs)
	defer ctl.Subscribe(r.observe)()

	for _, path := range attach {
		f, err := localFile(path)
		if err != nil {
			return err
		}
		if _, err := ctl.Upload(ctx, f); err != nil {
			return err
		}
	}

	if err := ctl.Send(ctx, question, ctl.Attachments()); err != nil {
		return err
	}
	if err := r.awaitTurn(ctx); err != nil {
		return err
	}
	return turnError(ctl.Messages())
}

var errReplyFailed = errors.New("the reply failed")

// turnError reports a failed last turn.
func turnError(msgs []conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	if last.Role == conversation.RoleUser && last.State == conversation.StateError {
		return errReplyFailed
	}
	return nil
}
