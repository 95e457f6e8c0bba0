// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/sse"
	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
	"github.com/AleutianAI/VigilKeeper/pkg/workflow"
)

// HeaderRequestID tags each chat request for log correlation.
const HeaderRequestID = "X-Request-ID"

const (
	frameBuffer = 32
	maxLogData  = 256
)

// =============================================================================
// Frames
// =============================================================================

// FrameKind discriminates Frame.
type FrameKind int

const (
	// FrameEvent carries one classified workflow event.
	FrameEvent FrameKind = iota
	// FrameError ends the stream with Err set.
	FrameError
	// FrameDone ends the stream normally. It follows a workflow_finished
	// event, or the server closing the body without one.
	FrameDone
)

func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "event"
	case FrameError:
		return "error"
	case FrameDone:
		return "done"
	default:
		return "unknown"
	}
}

// Frame is one item of a Stream.
type Frame struct {
	Kind  FrameKind
	Event workflow.Event
	Err   error
}

// =============================================================================
// Stream
// =============================================================================

// Stream is one open chat request.
//
// # Description
//
// Frames yields FrameEvent items in arrival order followed by exactly one
// FrameError or FrameDone, then the channel is closed. Consumers must
// drain Frames or call Cancel; the producer never blocks on a cancelled
// stream, and the terminal frame of a cancelled stream is delivered only
// if the buffer has room.
//
// # Thread Safety
//
// Cancel, Done, Err and RequestID are safe for concurrent use.
type Stream struct {
	requestID string
	frames    chan Frame
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
	err       error
}

// Frames returns the frame channel.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Cancel aborts the request. It is idempotent; only the first cause of
// cancellation is kept, so Cancel after a stall still reports the stall.
func (s *Stream) Cancel() {
	s.cancel(ErrStreamCanceled)
}

// Done is closed once the stream has ended and Frames is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error of the terminal frame once Done is closed. It
// returns nil while the stream is running and after a normal end.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// RequestID returns the X-Request-ID sent with the request.
func (s *Stream) RequestID() string {
	return s.requestID
}

func (s *Stream) emit(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) finish(f Frame) {
	s.err = f.Err
	select {
	case s.frames <- f:
	case <-s.ctx.Done():
		select {
		case s.frames <- f:
		default:
		}
	}
	close(s.frames)
	close(s.done)
}

// =============================================================================
// Opening
// =============================================================================

type chatRequest struct {
	Msg       string `json:"msg"`
	FileID    string `json:"fileId,omitempty"`
	Extension string `json:"extension,omitempty"`
}

// OpenStream starts the chat request for params.
//
// # Description
//
// OpenStream does not wait for the response. Connection failures, non-2xx
// statuses and JSON error envelopes arrive as the terminal FrameError:
//
//   - *TransportError for network failures, statuses, stalls and Cancel.
//   - *APIError for a JSON envelope with a non-success code.
//   - *ServerError for an "error" record in the stream.
//
// Malformed records are logged, counted and skipped. The stream stops
// reading after workflow_finished.
//
// # Outputs
//
//   - *Stream: Never nil on success.
//   - error: ErrNoToken without a session, or request build failures.
func (c *Client) OpenStream(ctx context.Context, params conversation.SendParameters) (*Stream, error) {
	if ctx == nil {
		return nil, errors.New("transport: nil context")
	}
	token, err := c.token.Token()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNoToken
	}
	payload, err := json.Marshal(chatRequest{
		Msg:       params.Text,
		FileID:    params.FileID,
		Extension: params.FileExtension,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		requestID: uuid.NewString(),
		frames:    make(chan Frame, frameBuffer),
		ctx:       streamCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	spanCtx, span := telemetry.StartSpan(streamCtx, telemetry.TracerTransport, "transport.Stream",
		attribute.String("request_id", s.requestID),
		attribute.Bool("chat.has_file", params.FileID != ""),
	)
	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, c.endpoint(PathChat), bytes.NewReader(payload))
	if err != nil {
		telemetry.End(span, err)
		cancel(nil)
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(HeaderToken, token)
	req.Header.Set(HeaderRequestID, s.requestID)
	telemetry.InjectContext(spanCtx, req.Header)

	go c.run(spanCtx, s, req, span)
	return s, nil
}

// run is the stream's producer goroutine.
func (c *Client) run(ctx context.Context, s *Stream, req *http.Request, span trace.Span) {
	start := time.Now()
	log := c.logger.With("request_id", s.requestID)
	obsCtx := context.WithoutCancel(ctx)
	c.observer.StreamOpened(obsCtx)
	log.Debug("chat stream opening", "url", req.URL.String())

	watchdog := newStallWatch(c.stall, func() { s.cancel(ErrStreamStalled) })
	terminal := c.consume(ctx, s, req, watchdog, log)
	watchdog.stop()

	outcome := streamOutcome(terminal)
	elapsed := time.Since(start)
	switch outcome {
	case "completed", "canceled":
		log.Info("chat stream ended", "outcome", outcome, "duration", elapsed)
	default:
		log.Warn("chat stream ended", "outcome", outcome, "duration", elapsed, "error", terminal.Err)
	}

	c.observer.StreamClosed(obsCtx, outcome, elapsed)
	span.SetAttributes(attribute.String("outcome", outcome))
	telemetry.End(span, terminal.Err)
	s.finish(terminal)
	s.cancel(nil)
}

func (c *Client) consume(ctx context.Context, s *Stream, req *http.Request, watchdog *stallWatch, log *slog.Logger) Frame {
	target := req.URL.String()

	resp, err := c.http.Do(req)
	if err != nil {
		return errorFrame(streamError(ctx, "open", target, err))
	}
	defer resp.Body.Close()

	if err := checkStreamResponse(resp, target); err != nil {
		return errorFrame(err)
	}
	watchdog.reset()

	body := &activityReader{r: resp.Body, touch: watchdog.reset}
	var terminal *Frame

	err = c.reader.Read(ctx, body, func(rec sse.Record) error {
		ev, err := workflow.Decode(rec.Data, rec.Event)
		if err != nil {
			derr := &DecodeError{Index: rec.Index, Event: rec.Event, Data: clip(rec.Data), Err: err}
			log.Warn("skipping malformed stream record", "index", derr.Index, "event", derr.Event, "data", derr.Data, "error", err)
			c.observer.RecordMalformed(context.WithoutCancel(ctx))
			return nil
		}
		c.observer.RecordReceived(context.WithoutCancel(ctx), string(ev.Kind))

		if ev.Kind == workflow.KindError {
			terminal = &Frame{Kind: FrameError, Err: &ServerError{Message: ev.ErrorMessage}}
			return sse.ErrStop
		}
		if !s.emit(Frame{Kind: FrameEvent, Event: ev}) {
			return context.Cause(ctx)
		}
		if ev.Kind == workflow.KindWorkflowFinished {
			terminal = &Frame{Kind: FrameDone}
			return sse.ErrStop
		}
		return nil
	})

	if terminal != nil {
		return *terminal
	}
	if err != nil {
		return errorFrame(streamError(ctx, "read", target, err))
	}
	if ctx.Err() != nil {
		return errorFrame(streamError(ctx, "read", target, ctx.Err()))
	}
	log.Debug("chat stream closed without workflow_finished")
	return Frame{Kind: FrameDone}
}

// checkStreamResponse rejects responses that are not an event stream.
func checkStreamResponse(resp *http.Response, target string) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		te := &TransportError{Op: "status", URL: target, StatusCode: resp.StatusCode, Body: bodyPrefix(body)}
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Msg != "" {
			te.Err = &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Msg}
		}
		return te
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &TransportError{Op: "read", URL: target, Err: err}
	}
	if err := decodeEnvelope(resp.StatusCode, body, nil); err != nil {
		return err
	}
	return &TransportError{
		Op:         "status",
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       bodyPrefix(body),
		Err:        errors.New("expected an event stream, got a JSON response"),
	}
}

// streamError maps a request failure to a TransportError, preferring the
// cancellation cause when there is one.
func streamError(ctx context.Context, op, target string, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	return &TransportError{Op: op, URL: target, Err: err}
}

func errorFrame(err error) Frame {
	return Frame{Kind: FrameError, Err: err}
}

func streamOutcome(f Frame) string {
	if f.Kind == FrameDone {
		return "completed"
	}
	var serverErr *ServerError
	var apiErr *APIError
	switch {
	case errors.Is(f.Err, ErrStreamCanceled):
		return "canceled"
	case errors.Is(f.Err, ErrStreamStalled):
		return "stalled"
	case errors.As(f.Err, &serverErr):
		return "server_error"
	case errors.As(f.Err, &apiErr):
		return "api_error"
	default:
		return "transport_error"
	}
}

func clip(b []byte) string {
	if len(b) > maxLogData {
		return string(b[:maxLogData]) + "..."
	}
	return string(b)
}

// activityReader calls touch after every read that returned data.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

// =============================================================================
// Callback adapter
// =============================================================================

// Handlers receive the callbacks of Open. Nil fields are skipped.
type Handlers struct {
	OnEvent    func(workflow.Event)
	OnError    func(error)
	OnComplete func()
}

// Canceler aborts a request started by Open.
type Canceler interface {
	Cancel()
}

type cancelFunc func()

func (f cancelFunc) Cancel() { f() }

// Open is the callback form of OpenStream.
//
// OnEvent runs for each event, OnError at most once with the terminal
// error, and OnComplete exactly once after everything else, including
// when the request could not be started. Callbacks run on one goroutine
// owned by the stream.
func (c *Client) Open(ctx context.Context, params conversation.SendParameters, h Handlers) Canceler {
	s, err := c.OpenStream(ctx, params)
	if err != nil {
		go func() {
			if h.OnError != nil {
				h.OnError(err)
			}
			if h.OnComplete != nil {
				h.OnComplete()
			}
		}()
		return cancelFunc(func() {})
	}

	go func() {
		for f := range s.Frames() {
			switch f.Kind {
			case FrameEvent:
				if h.OnEvent != nil {
					h.OnEvent(f.Event)
				}
			case FrameError:
				if h.OnError != nil {
					h.OnError(f.Err)
				}
			}
		}
		if h.OnComplete != nil {
			h.OnComplete()
		}
	}()
	return s
}

// stallWatch fires once when reset is not called for d. A zero d never
// fires.
type stallWatch struct {
	timer *time.Timer
	d     time.Duration
}

func newStallWatch(d time.Duration, fire func()) *stallWatch {
	if d <= 0 {
		return &stallWatch{}
	}
	return &stallWatch{timer: time.AfterFunc(d, fire), d: d}
}

func (w *stallWatch) reset() {
	if w.timer != nil {
		w.timer.Reset(w.d)
	}
}

func (w *stallWatch) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
