// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat drives chat turns: it sends, retries and stops them, feeds
// stream frames into the conversation reducer and persists snapshots.
//
// # Concurrency
//
// Every turn has one consumer goroutine that ranges over the stream's
// frames and applies each one under the controller mutex. A generation
// counter is bumped by Stop, Send and conversation switches; frames that
// arrive for an older generation are dropped. Uploads run concurrently
// and block sending while any is outstanding.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/history"
	"github.com/AleutianAI/VigilKeeper/pkg/logging"
	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
	"github.com/AleutianAI/VigilKeeper/pkg/transport"
)

var (
	// ErrNothingToSend is returned by Send for blank text without files.
	ErrNothingToSend = errors.New("nothing to send: the message is empty and has no attachments")

	// ErrSendInFlight is returned by Send and Retry while a turn is open.
	ErrSendInFlight = errors.New("a reply is still streaming; stop it or wait for it to finish")

	// ErrUploadInProgress is returned by Send while an upload is running.
	ErrUploadInProgress = errors.New("a file is still uploading")

	// ErrMessageNotFound is returned by Retry for an unknown message id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotRetryable is returned by Retry for a message that is not a
	// failed user message.
	ErrNotRetryable = errors.New("message cannot be retried")

	// ErrNoUser is returned by operations that need a logged in user.
	ErrNoUser = errors.New("no user is logged in")
)

const persistTimeout = 5 * time.Second

// Stream is the consumer side of one open chat request.
type Stream interface {
	Frames() <-chan transport.Frame
	Cancel()
}

// Streamer opens chat requests.
type Streamer interface {
	OpenStream(ctx context.Context, params conversation.SendParameters) (Stream, error)
}

// Uploader uploads attachments. *transport.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, f conversation.LocalFile) (conversation.FileRef, error)
}

// Observer receives turn measurements. *telemetry.Metrics implements it.
type Observer interface {
	TurnFinished(ctx context.Context, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TurnFinished(context.Context, string, time.Duration) {}

// ClientStreamer adapts *transport.Client to Streamer.
func ClientStreamer(c *transport.Client) Streamer {
	return clientStreamer{c: c}
}

type clientStreamer struct{ c *transport.Client }

func (s clientStreamer) OpenStream(ctx context.Context, params conversation.SendParameters) (Stream, error) {
	st, err := s.c.OpenStream(ctx, params)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Update is delivered to subscribers after every state change.
type Update struct {
	ConversationID string
	Messages       []conversation.Message

	// Outcome is the reducer result of the change that triggered the
	// update. Turn-ending outcomes are terminal.
	Outcome conversation.Outcome

	// Err is set when a turn failed.
	Err error

	seq uint64
}

// TurnEnded reports whether u closes a turn.
func (u Update) TurnEnded() bool {
	return u.Outcome.Terminal()
}

// Config configures a Controller.
type Config struct {
	UserID   string
	Streamer Streamer
	Uploader Uploader
	History  *history.Gateway

	// Links rewrites attachment links in final answers.
	Links       conversation.LinkRewriter
	Placeholder string

	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// Controller is the retry/cancel controller of one chat window.
type Controller struct {
	streamer Streamer
	uploader Uploader
	history  *history.Gateway
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	userID  string
	reducer *conversation.Reducer
	convID  string

	// Staged attachments for the next send.
	attachments []conversation.LocalFile
	byName      map[string]conversation.FileRef
	uploaded    []conversation.FileRef
	uploading   int

	gen       uint64
	stream    Stream
	turnStart time.Time
	turnDone  chan struct{}
	turnCtx   context.Context

	subs   map[int]func(Update)
	nextID int
	seq    uint64

	pubMu   sync.Mutex
	lastPub uint64
}

// New creates a Controller. Streamer, Uploader and History are required.
func New(cfg Config) (*Controller, error) {
	if cfg.Streamer == nil || cfg.Uploader == nil || cfg.History == nil {
		return nil, errors.New("chat: streamer, uploader and history are required")
	}
	c := &Controller{
		streamer: cfg.Streamer,
		uploader: cfg.Uploader,
		history:  cfg.History,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		now:      cfg.Now,
		userID:   cfg.UserID,
		byName:   make(map[string]conversation.FileRef),
		subs:     make(map[int]func(Update)),
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.reducer = conversation.NewReducer(conversation.ReducerOptions{
		Placeholder: cfg.Placeholder,
		Links:       cfg.Links,
		Now:         c.now,
	})
	return c, nil
}

// =============================================================================
// Accessors
// =============================================================================

// UserID returns the current user.
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ConversationID returns the active conversation id, "" before the first send.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// Messages returns a copy of the active conversation.
func (c *Controller) Messages() []conversation.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reducer.Messages()
}

// InFlight reports whether a turn is streaming.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.reducer.InFlight()
	return ok
}

// Placeholder returns the pending assistant text.
func (c *Controller) Placeholder() string {
	return c.reducer.Placeholder()
}

// Attachments returns the files staged for the next send.
func (c *Controller) Attachments() []conversation.LocalFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]conversation.LocalFile(nil), c.attachments...)
}

// Subscribe registers fn for updates and returns the unsubscribe func.
//
// Updates are delivered in order and never older than one already
// delivered. fn runs outside the controller lock; it may read controller
// state but must not start, stop or switch turns.
func (c *Controller) Subscribe(fn func(Update)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Wait blocks until no turn is in flight or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Sending
// =============================================================================

// Send starts a turn with text and the given attachments.
//
// # Description
//
// The file id sent to the backend is resolved for the first file only:
// the upload made under that file name wins, else the first uploaded
// reference with the same local name. Staged attachments are cleared
// after the send.
//
// # Outputs
//
//   - error: ErrNothingToSend, ErrSendInFlight, ErrUploadInProgress,
//     ErrNoUser, or the stream open failure (in which case the turn is
//     already marked failed).
func (c *Controller) Send(ctx context.Context, text string, files []conversation.LocalFile) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerChat, "chat.Send",
		attribute.Int("chat.files", len(files)))
	err := c.send(ctx, text, files)
	telemetry.End(span, err)
	return err
}

func (c *Controller) send(ctx context.Context, text string, files []conversation.LocalFile) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if err := c.canSendLocked(text, files); err != nil {
		c.mu.Unlock()
		return err
	}
	fileID, ext, refs := c.resolveLocked(files)
	params := conversation.SendParameters{
		Text:                text,
		FileID:              fileID,
		FileExtension:       ext,
		OriginalAttachments: append([]conversation.LocalFile(nil), files...),
	}
	c.clearAttachmentsLocked()
	update, err := c.startTurnLocked(ctx, params, files, refs)
	c.mu.Unlock()

	c.publish(update)
	return err
}

func (c *Controller) canSendLocked(text string, files []conversation.LocalFile) error {
	if c.userID == "" {
		return ErrNoUser
	}
	if text == "" && len(files) == 0 {
		return ErrNothingToSend
	}
	if _, ok := c.reducer.InFlight(); ok {
		return ErrSendInFlight
	}
	if c.uploading > 0 {
		return ErrUploadInProgress
	}
	return nil
}

func (c *Controller) resolveLocked(files []conversation.LocalFile) (string, string, []conversation.FileRef) {
	var refs []conversation.FileRef
	for _, f := range files {
		if ref, ok := c.lookupLocked(f.Name); ok {
			refs = append(refs, ref)
		}
	}
	if len(files) == 0 {
		return "", "", refs
	}
	first, ok := c.lookupLocked(files[0].Name)
	if !ok {
		c.logger.Warn("first attachment has no upload record", "file", files[0].Name)
		return "", "", refs
	}
	return first.ServerID, first.Extension, refs
}

func (c *Controller) lookupLocked(name string) (conversation.FileRef, bool) {
	if ref, ok := c.byName[name]; ok {
		return ref, true
	}
	for _, ref := range c.uploaded {
		if ref.LocalHandle != nil && ref.LocalHandle.Name == name {
			return ref, true
		}
	}
	return conversation.FileRef{}, false
}

// startTurnLocked opens the stream and begins the turn. Any stream left
// over from a finished turn is cancelled first.
func (c *Controller) startTurnLocked(ctx context.Context, params conversation.SendParameters, files []conversation.LocalFile, refs []conversation.FileRef) (Update, error) {
	if c.stream != nil {
		c.stream.Cancel()
		c.stream = nil
	}
	c.gen++
	gen := c.gen

	if c.convID == "" {
		c.convID = conversation.NewConversationID(c.now())
	}
	turn, err := c.reducer.BeginTurn(params, files, refs)
	if err != nil {
		return Update{}, err
	}
	c.turnStart = c.now()
	c.turnDone = make(chan struct{})
	c.turnCtx = context.WithoutCancel(ctx)
	c.persistLocked(params.Text)

	log := c.logger.With("conversation_id", c.convID, "message_id", turn.AssistantMessageID)
	log.Info("sending chat message", "chars", len([]rune(params.Text)), "file_id", params.FileID)

	stream, err := c.streamer.OpenStream(context.WithoutCancel(ctx), params)
	if err != nil {
		log.Warn("chat stream could not be opened", "error", err)
		out := c.reducer.Fail(turn.AssistantMessageID)
		c.persistLocked(params.Text)
		c.endTurnLocked(out, err)
		return c.updateLocked(out, err), fmt.Errorf("open chat stream: %w", err)
	}
	c.stream = stream
	go c.consume(gen, turn, stream, log)
	return c.updateLocked(conversation.Updated, nil), nil
}

// consume applies frames until the stream ends.
func (c *Controller) consume(gen uint64, turn conversation.Turn, s Stream, log *slog.Logger) {
	for f := range s.Frames() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			continue
		}

		var out conversation.Outcome
		var ferr error
		switch f.Kind {
		case transport.FrameEvent:
			out = c.reducer.Apply(turn.AssistantMessageID, f.Event)
		case transport.FrameError:
			ferr = f.Err
			out = c.reducer.Fail(turn.AssistantMessageID)
		case transport.FrameDone:
			out = c.reducer.Close(turn.AssistantMessageID)
			if out == conversation.Failed {
				ferr = conversation.ErrStreamClosedEarly
			}
		}
		if out == conversation.Ignored {
			c.mu.Unlock()
			continue
		}

		if out.Terminal() {
			if ferr != nil {
				log.Warn("chat turn failed", "error", ferr)
			} else {
				log.Info("chat turn completed", "duration", c.now().Sub(c.turnStart))
			}
			c.stream = nil
			c.persistLocked(c.lastAnswerLocked())
			c.endTurnLocked(out, ferr)
		}
		update := c.updateLocked(out, ferr)
		c.mu.Unlock()
		c.publish(update)
	}
}

// endTurnLocked records the outcome of the open turn and releases waiters.
func (c *Controller) endTurnLocked(out conversation.Outcome, err error) {
	outcome := out.String()
	if errors.Is(err, transport.ErrStreamStalled) {
		outcome = "stalled"
	}
	c.releaseLocked(outcome)
}

func (c *Controller) releaseLocked(outcome string) {
	ctx := c.turnCtx
	if ctx == nil {
		ctx = context.Background()
	}
	c.observer.TurnFinished(ctx, outcome, c.now().Sub(c.turnStart))
	if c.turnDone != nil {
		close(c.turnDone)
		c.turnDone = nil
	}
	c.turnCtx = nil
}

// =============================================================================
// Retry and stop
// =============================================================================

// Retry resubmits the failed user message with id.
//
// # Description
//
// Each original attachment is uploaded again, in order. Attachments that
// only exist as placeholders (loaded from history) reuse their previous
// server reference. The first upload failure aborts the retry and leaves
// the failed message untouched. On success the failed message is removed
// and the normal send path runs with the fresh file ids.
//
// # Outputs
//
//   - error: ErrMessageNotFound, ErrNotRetryable, *transport.UploadError,
//     or any error of Send.
func (c *Controller) Retry(ctx context.Context, messageID int64) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerChat, "chat.Retry",
		attribute.Int64("message_id", messageID))
	err := c.retry(ctx, messageID)
	telemetry.End(span, err)
	return err
}

func (c *Controller) retry(ctx context.Context, messageID int64) error {
	c.mu.Lock()
	msg, ok := c.reducer.Find(messageID)
	if !ok {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if msg.Role != conversation.RoleUser || msg.State != conversation.StateError || msg.RetryContext == nil {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	if _, ok := c.reducer.InFlight(); ok {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.mu.Unlock()

	rc := msg.RetryContext
	var refs []conversation.FileRef
	for _, f := range rc.OriginalAttachments {
		ref, err := c.reupload(ctx, f, msg.Attachments)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	params := conversation.SendParameters{
		Text:                rc.Text,
		FileID:              rc.FileID,
		FileExtension:       rc.FileExtension,
		OriginalAttachments: rc.OriginalAttachments,
	}
	if len(refs) > 0 {
		params.FileID = refs[0].ServerID
		params.FileExtension = refs[0].Extension
	}

	c.mu.Lock()
	if err := c.canSendLocked(params.Text, params.OriginalAttachments); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.reducer.Remove(messageID) {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	c.logger.Info("retrying chat message", "message_id", messageID, "files", len(refs))
	update, err := c.startTurnLocked(ctx, params, params.OriginalAttachments, refs)
	c.mu.Unlock()

	c.publish(update)
	return err
}

func (c *Controller) reupload(ctx context.Context, f conversation.LocalFile, previous []conversation.FileRef) (conversation.FileRef, error) {
	if f.Placeholder || f.Path == "" {
		for _, ref := range previous {
			if ref.OriginalName == f.Name || (ref.LocalHandle != nil && ref.LocalHandle.Name == f.Name) {
				return ref, nil
			}
		}
	}
	return c.upload(ctx, f, false)
}

// Stop cancels the active turn.
//
// Partial content becomes a completed message and the conversation is
// saved; a reply that never produced text is removed. Stop without an
// active turn returns conversation.Ignored.
func (c *Controller) Stop() conversation.Outcome {
	c.mu.Lock()
	out, stream := c.abortLocked(true)
	var update Update
	if out != conversation.Ignored {
		update = c.updateLocked(out, nil)
	}
	c.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	if out != conversation.Ignored {
		c.logger.Info("chat turn stopped", "outcome", out.String())
		c.publish(update)
	}
	return out
}

// abortLocked invalidates the open turn. With persist set, a frozen
// partial answer is saved. The caller cancels the returned stream after
// unlocking.
func (c *Controller) abortLocked(persist bool) (conversation.Outcome, Stream) {
	c.gen++
	stream := c.stream
	c.stream = nil
	if _, ok := c.reducer.InFlight(); !ok {
		return conversation.Ignored, stream
	}
	out := c.reducer.Cancel()
	if persist && out == conversation.Completed {
		c.persistLocked(c.lastAnswerLocked())
	}
	c.releaseLocked("canceled")
	return out, stream
}

// =============================================================================
// Attachments
// =============================================================================

// Upload uploads f, stages it for the next send and records it in the
// user's history files.
func (c *Controller) Upload(ctx context.Context, f conversation.LocalFile) (conversation.FileRef, error) {
	return c.upload(ctx, f, true)
}

func (c *Controller) upload(ctx context.Context, f conversation.LocalFile, stage bool) (conversation.FileRef, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerChat, "chat.Upload",
		attribute.String("file.name", f.Name))

	c.mu.Lock()
	c.uploading++
	user := c.userID
	c.mu.Unlock()

	ref, err := c.uploader.Upload(ctx, f)
	telemetry.End(span, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploading--
	if err != nil {
		return conversation.FileRef{}, err
	}
	if stage {
		c.stageLocked(f, ref)
	}

	if user != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		hf := conversation.NewHistoryFile(ref, f.Name, c.now())
		if err := c.history.AddHistoryFile(pctx, user, hf); err != nil {
			c.logger.Warn("could not record history file", "file", f.Name, "error", err)
		}
	}
	return ref, nil
}

// AttachHistoryFile stages a previously uploaded file without uploading
// it again.
func (c *Controller) AttachHistoryFile(hf conversation.HistoryFile) conversation.LocalFile {
	ref := hf.FileRef()
	local := *ref.LocalHandle

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageLocked(local, ref)
	return local
}

// RemoveAttachment unstages the file called name.
func (c *Controller) RemoveAttachment(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	kept := c.attachments[:0]
	for _, f := range c.attachments {
		if f.Name == name {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	c.attachments = kept
	delete(c.byName, name)

	refs := c.uploaded[:0]
	for _, ref := range c.uploaded {
		if ref.LocalHandle != nil && ref.LocalHandle.Name == name {
			continue
		}
		refs = append(refs, ref)
	}
	c.uploaded = refs
	return found
}

func (c *Controller) stageLocked(f conversation.LocalFile, ref conversation.FileRef) {
	c.byName[f.Name] = ref
	c.uploaded = append(c.uploaded, ref)
	for i, a := range c.attachments {
		if a.Name == f.Name {
			c.attachments[i] = f
			return
		}
	}
	c.attachments = append(c.attachments, f)
}

func (c *Controller) clearAttachmentsLocked() {
	c.attachments = nil
	c.uploaded = nil
	c.byName = make(map[string]conversation.FileRef)
}

// =============================================================================
// Conversations
// =============================================================================

// NewConversation aborts any turn and starts an empty conversation. The
// id is assigned on the first send.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	_, stream := c.abortLocked(false)
	c.reducer.Reset()
	c.convID = ""
	c.clearAttachmentsLocked()
	update := c.updateLocked(conversation.Updated, nil)
	c.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	c.publish(update)
}

// SelectConversation aborts any turn and loads the stored conversation id.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	user := c.userID
	c.mu.Unlock()
	if user == "" {
		return ErrNoUser
	}

	conv, found, err := c.history.Conversation(ctx, user, id)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("conversation %s: %w", id, history.ErrConversationNotFound)
	}

	c.mu.Lock()
	_, stream := c.abortLocked(false)
	c.reducer.Load(conversation.Deserialize(conv.Messages))
	c.convID = conv.ID
	c.clearAttachmentsLocked()
	update := c.updateLocked(conversation.Updated, nil)
	c.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	c.publish(update)
	return nil
}

// DeleteConversation removes a stored conversation. Deleting the active
// one also clears the window.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	user := c.UserID()
	if user == "" {
		return ErrNoUser
	}
	if err := c.history.DeleteConversation(ctx, user, id); err != nil {
		return err
	}
	if c.ConversationID() == id {
		c.NewConversation()
	}
	return nil
}

// Conversations lists the user's stored conversations, newest first.
func (c *Controller) Conversations(ctx context.Context) ([]conversation.Conversation, error) {
	user := c.UserID()
	if user == "" {
		return nil, ErrNoUser
	}
	return c.history.Conversations(ctx, user)
}

// HistoryFiles lists the user's previously uploaded files.
func (c *Controller) HistoryFiles(ctx context.Context) ([]conversation.HistoryFile, error) {
	user := c.UserID()
	if user == "" {
		return nil, ErrNoUser
	}
	return c.history.HistoryFiles(ctx, user)
}

// DeleteHistoryFile forgets a previously uploaded file.
func (c *Controller) DeleteHistoryFile(ctx context.Context, id string) error {
	user := c.UserID()
	if user == "" {
		return ErrNoUser
	}
	return c.history.DeleteHistoryFile(ctx, user, id)
}

// SwitchUser drops all in-flight work and clears the window for userID.
// It is a no-op when userID is already current.
func (c *Controller) SwitchUser(userID string) {
	c.mu.Lock()
	if c.userID == userID {
		c.mu.Unlock()
		return
	}
	c.logger.Info("session user changed", "had_user", c.userID != "", "has_user", userID != "")
	_, stream := c.abortLocked(false)
	c.userID = userID
	c.reducer.Reset()
	c.convID = ""
	c.clearAttachmentsLocked()
	update := c.updateLocked(conversation.Updated, nil)
	c.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	c.publish(update)
}

// =============================================================================
// Internals
// =============================================================================

// persistLocked saves a snapshot of the active conversation. A snapshot
// with nothing persistable removes the stored copy, which only exists when
// the send of a turn that then failed saved it. Failures are logged; they
// never fail the turn.
func (c *Controller) persistLocked(preview string) {
	if c.convID == "" || c.userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	snap := history.Snapshot(c.convID, c.reducer.Messages(), preview, c.now())
	if len(snap.Messages) == 0 {
		if err := c.history.DeleteConversation(ctx, c.userID, c.convID); err != nil {
			c.logger.Warn("could not drop unsaved conversation", "conversation_id", c.convID, "error", err)
		}
		return
	}
	if _, err := c.history.SaveConversation(ctx, c.userID, snap); err != nil {
		c.logger.Warn("could not save conversation", "conversation_id", c.convID, "error", err)
	}
}

func (c *Controller) lastAnswerLocked() string {
	msgs := c.reducer.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleAssistant && msgs[i].State == conversation.StateCompleted {
			return msgs[i].Text
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Text
	}
	return ""
}

func (c *Controller) updateLocked(out conversation.Outcome, err error) Update {
	c.seq++
	return Update{
		ConversationID: c.convID,
		Messages:       c.reducer.Messages(),
		Outcome:        out,
		Err:            err,
		seq:            c.seq,
	}
}

func (c *Controller) publish(u Update) {
	if u.seq == 0 {
		return
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if u.seq <= c.lastPub {
		return
	}
	c.lastPub = u.seq

	c.mu.Lock()
	subs := make([]func(Update), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}
