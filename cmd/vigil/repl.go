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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/VigilKeeper/pkg/chat"
	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

const replHelp = `Type a message and press Enter to send it. Commands:
  /attach <path>     upload a file and attach it to the next message
  /detach <name>     remove a staged attachment
  /files             list previously uploaded files
  /use <n|id>        attach a previously uploaded file
  /retry [id]        resend a failed message (default: the last one)
  /stop              stop the reply being streamed (or press Ctrl-C)
  /new               start a new conversation
  /history           list saved conversations
  /open <n|id>       continue a saved conversation
  /delete <n|id>     delete a saved conversation
  /help              show this help
  /quit              leave`

// replCommand is one parsed input line.
type replCommand struct {
	Name string
	Arg  string
}

// parseLine splits "/name arg" lines. Lines that do not start with "/"
// are messages and return false.
func parseLine(line string) (replCommand, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return replCommand{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return replCommand{Name: strings.ToLower(name), Arg: strings.TrimSpace(arg)}, true
}

// resolveRef maps a 1-based list position or an exact id onto ids.
func resolveRef(arg string, ids []string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("a list number or id is required")
	}
	for _, id := range ids {
		if id == arg {
			return id, nil
		}
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(ids) {
			return "", fmt.Errorf("no entry %d (the list has %d)", n, len(ids))
		}
		return ids[n-1], nil
	}
	return "", fmt.Errorf("no entry with id %q", arg)
}

// localFile describes the file at path for upload.
func localFile(path string) (conversation.LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return conversation.LocalFile{}, fmt.Errorf("cannot attach %s: %w", path, err)
	}
	if info.IsDir() {
		return conversation.LocalFile{}, fmt.Errorf("cannot attach %s: it is a directory", path)
	}
	name := filepath.Base(path)
	return conversation.LocalFile{
		Name:     name,
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(filepath.Ext(name)),
		Path:     path,
	}, nil
}

// lastFailed returns the id of the newest user message whose turn failed.
func lastFailed(msgs []conversation.Message) (int64, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser && msgs[i].State == conversation.StateError {
			return msgs[i].ID, true
		}
	}
	return 0, false
}

// readLines delivers lines of r until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// =============================================================================
// REPL
// =============================================================================

// repl is one interactive chat window.
type repl struct {
	app        *App
	ctl        *chat.Controller
	transcript *ux.Transcript
	printer    *ux.Printer

	// interrupts stops the streaming turn while a reply is awaited.
	interrupts <-chan os.Signal
	ended      chan struct{}
}

func newREPL(app *App, ctl *chat.Controller, transcript *ux.Transcript, interrupts <-chan os.Signal) *repl {
	return &repl{
		app:        app,
		ctl:        ctl,
		transcript: transcript,
		printer:    app.Printer,
		interrupts: interrupts,
		ended:      make(chan struct{}, 1),
	}
}

// observe is the controller subscriber of the window.
func (r *repl) observe(u chat.Update) {
	r.transcript.Apply(u)
	if u.TurnEnded() {
		select {
		case r.ended <- struct{}{}:
		default:
		}
	}
}

func (r *repl) drainEnded() {
	select {
	case <-r.ended:
	default:
	}
}

// handle runs one input line. It returns true when the user quits.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	cmd, isCmd := parseLine(line)
	if !isCmd {
		if strings.TrimSpace(line) == "" && len(r.ctl.Attachments()) == 0 {
			return false, nil
		}
		r.drainEnded()
		if err := r.ctl.Send(ctx, line, r.ctl.Attachments()); err != nil {
			return false, err
		}
		return false, r.awaitTurn(ctx)
	}

	switch cmd.Name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		r.printer.Info(replHelp)
	case "attach":
		return false, r.attach(ctx, cmd.Arg)
	case "detach":
		if !r.ctl.RemoveAttachment(cmd.Arg) {
			return false, fmt.Errorf("no staged attachment called %q", cmd.Arg)
		}
		r.printer.Success("Removed " + cmd.Arg)
	case "files":
		return false, r.listFiles(ctx)
	case "use":
		return false, r.useFile(ctx, cmd.Arg)
	case "retry":
		return false, r.retry(ctx, cmd.Arg)
	case "stop":
		if r.ctl.Stop() == conversation.Ignored {
			r.printer.Info("Nothing to stop.")
		}
	case "new":
		r.ctl.NewConversation()
		r.transcript.Replay(nil)
		r.printer.Success("Started a new conversation")
	case "history":
		return false, r.listConversations(ctx)
	case "open":
		return false, r.open(ctx, cmd.Arg)
	case "delete":
		return false, r.deleteConversation(ctx, cmd.Arg)
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd.Name)
	}
	return false, nil
}

// awaitTurn blocks until the active turn has ended and its last update
// was rendered. An interrupt stops the turn and keeps the partial answer.
func (r *repl) awaitTurn(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- r.ctl.Wait(ctx) }()
	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			select {
			case <-r.ended:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-r.interrupts:
			r.ctl.Stop()
			r.printer.Warning("Stopped")
		}
	}
}

func (r *repl) attach(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	f, err := localFile(path)
	if err != nil {
		return err
	}
	start := time.Now()
	ref, err := r.ctl.Upload(ctx, f)
	if err != nil {
		return err
	}
	r.printer.Success(fmt.Sprintf("Attached %s (%s, %s)", ref.OriginalName, ux.FormatSize(ref.Size), ux.FormatDuration(time.Since(start))))
	return nil
}

func (r *repl) listFiles(ctx context.Context) error {
	files, err := r.ctl.HistoryFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		r.printer.Info("No uploaded files yet.")
		return nil
	}
	r.printer.Table(ux.HistoryFileRows(files, time.Now()))
	return nil
}

func (r *repl) useFile(ctx context.Context, arg string) error {
	files, err := r.ctl.HistoryFiles(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	id, err := resolveRef(arg, ids)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.ID == id {
			local := r.ctl.AttachHistoryFile(f)
			r.printer.Success("Attached " + local.Name)
			return nil
		}
	}
	return nil
}

func (r *repl) retry(ctx context.Context, arg string) error {
	var id int64
	if arg == "" {
		last, ok := lastFailed(r.ctl.Messages())
		if !ok {
			return errors.New("no failed message to retry")
		}
		id = last
	} else {
		n, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", arg)
		}
		id = n
	}
	r.drainEnded()
	if err := r.ctl.Retry(ctx, id); err != nil {
		return err
	}
	return r.awaitTurn(ctx)
}

func (r *repl) conversationIDs(ctx context.Context) ([]conversation.Conversation, []string, error) {
	convs, err := r.ctl.Conversations(ctx)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return convs, ids, nil
}

func (r *repl) listConversations(ctx context.Context) error {
	convs, _, err := r.conversationIDs(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		r.printer.Info("No saved conversations.")
		return nil
	}
	r.printer.Table(ux.ConversationRows(convs, time.Now()))
	return nil
}

func (r *repl) open(ctx context.Context, arg string) error {
	_, ids, err := r.conversationIDs(ctx)
	if err != nil {
		return err
	}
	id, err := resolveRef(arg, ids)
	if err != nil {
		return err
	}
	if err := r.ctl.SelectConversation(ctx, id); err != nil {
		return err
	}
	r.transcript.Replay(r.ctl.Messages())
	return nil
}

func (r *repl) deleteConversation(ctx context.Context, arg string) error {
	_, ids, err := r.conversationIDs(ctx)
	if err != nil {
		return err
	}
	id, err := resolveRef(arg, ids)
	if err != nil {
		return err
	}
	if err := r.ctl.DeleteConversation(ctx, id); err != nil {
		return err
	}
	r.printer.Success("Deleted conversation " + id)
	return nil
}
