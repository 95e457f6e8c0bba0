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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/workflow"
)

const testToken = "tok-123"

// =============================================================================
// Helpers
// =============================================================================

type countingObserver struct {
	mu        sync.Mutex
	opened    int
	records   map[string]int
	malformed int
	closed    []string
	uploads   []bool
}

func newCountingObserver() *countingObserver {
	return &countingObserver{records: map[string]int{}}
}

func (o *countingObserver) StreamOpened(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) RecordReceived(_ context.Context, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[kind]++
}

func (o *countingObserver) RecordMalformed(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.malformed++
}

func (o *countingObserver) StreamClosed(_ context.Context, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, outcome)
}

func (o *countingObserver) UploadFinished(_ context.Context, ok bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, ok)
}

func (o *countingObserver) closedOutcomes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closed...)
}

func newTestClient(t *testing.T, h http.Handler, mutate ...func(*Config)) (*Client, *countingObserver) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	obs := newCountingObserver()
	cfg := Config{
		BaseURL:  srv.URL + "/api/vigil-keeper/",
		Token:    StaticToken(testToken),
		Observer: obs,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c, obs
}

// sseHandler writes each record as one SSE event and returns.
func sseHandler(records ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, rec := range records {
			fmt.Fprintf(w, "data: %s\n\n", rec)
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, s *Stream) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not end")
			return out
		}
	}
}

func kinds(frames []Frame) []workflow.Kind {
	var out []workflow.Kind
	for _, f := range frames {
		if f.Kind == FrameEvent {
			out = append(out, f.Event.Kind)
		}
	}
	return out
}

func last(frames []Frame) Frame {
	return frames[len(frames)-1]
}

// =============================================================================
// NewClient
// =============================================================================

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://example.com/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/api", c.BaseURL())
}

func TestDownloadURL(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://example.com/api/vigil-keeper"})
	require.NoError(t, err)
	assert.Equal(t,
		"http://example.com/api/vigil-keeper/ai/downloadFile?fileUrl=%2Ffiles%2Freport+v2.pdf",
		c.DownloadURL("/files/report v2.pdf"))
}

// =============================================================================
// Streams
// =============================================================================

func TestOpenStream_FragmentsThenFinish(t *testing.T) {
	var mu sync.Mutex
	var gotBody map[string]any
	var gotToken, gotRequestID string

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vigil-keeper/ai/chat-messages", r.URL.Path)
		mu.Lock()
		gotToken = r.Header.Get(HeaderToken)
		gotRequestID = r.Header.Get(HeaderRequestID)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		sseHandler(
			`{"event":"workflow_started"}`,
			`{"event":"message","answer":"Hel"}`,
			`{"event":"message","answer":"lo"}`,
			`{"event":"workflow_finished","data":{"outputs":{"answer":"Hello"}}}`,
			`{"event":"message","answer":"after the end"}`,
		)(w, r)
	})
	c, obs := newTestClient(t, h)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{
		Text: "hi", FileID: "f1", FileExtension: "pdf",
	})
	require.NoError(t, err)
	frames := collect(t, s)

	assert.Equal(t, []workflow.Kind{
		workflow.KindWorkflowStarted,
		workflow.KindMessage,
		workflow.KindMessage,
		workflow.KindWorkflowFinished,
	}, kinds(frames))
	assert.Equal(t, FrameDone, last(frames).Kind)
	assert.NoError(t, s.Err())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, testToken, gotToken)
	assert.Equal(t, s.RequestID(), gotRequestID)
	assert.Equal(t, map[string]any{"msg": "hi", "fileId": "f1", "extension": "pdf"}, gotBody)
	assert.Equal(t, []string{"completed"}, obs.closedOutcomes())
	assert.Equal(t, 2, obs.records["message"])
}

func TestOpenStream_OmitsEmptyFileFields(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		sseHandler(`{"event":"workflow_finished"}`)(w, r)
	})
	c, _ := newTestClient(t, h)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	collect(t, s)
	assert.Equal(t, map[string]any{"msg": "hi"}, <-bodies)
}

func TestOpenStream_MalformedRecordSkipped(t *testing.T) {
	c, obs := newTestClient(t, sseHandler(
		`{"event":"message","answer":"a"}`,
		`{not json`,
		`{"event":"message","answer":"b"}`,
		`{"event":"workflow_finished"}`,
	))

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	require.Len(t, kinds(frames), 3)
	assert.Equal(t, "a", frames[0].Event.AnswerFragment)
	assert.Equal(t, "b", frames[1].Event.AnswerFragment)
	assert.Equal(t, FrameDone, last(frames).Kind)
	assert.Equal(t, 1, obs.malformed)
}

func TestOpenStream_ServerErrorRecord(t *testing.T) {
	c, obs := newTestClient(t, sseHandler(
		`{"event":"message","answer":"partial"}`,
		`{"event":"error","message":"model overloaded"}`,
		`{"event":"message","answer":"ignored"}`,
	))

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	require.Len(t, frames, 2)
	f := last(frames)
	assert.Equal(t, FrameError, f.Kind)
	var serverErr *ServerError
	require.ErrorAs(t, f.Err, &serverErr)
	assert.Equal(t, "model overloaded", serverErr.Message)
	assert.Equal(t, []string{"server_error"}, obs.closedOutcomes())
}

func TestOpenStream_EOFWithoutFinish(t *testing.T) {
	c, _ := newTestClient(t, sseHandler(`{"event":"message","answer":"x"}`))

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	assert.Equal(t, []workflow.Kind{workflow.KindMessage}, kinds(frames))
	assert.Equal(t, FrameDone, last(frames).Kind)
}

func TestOpenStream_EventNameFromSSEField(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: node_started\ndata: {\"data\":{\"node_id\":\"n1\",\"title\":\"Read contract\"}}\n\n")
		io.WriteString(w, "data: {\"event\":\"workflow_finished\"}\n\n")
	})
	c, _ := newTestClient(t, h)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, workflow.KindNodeStarted, frames[0].Event.Kind)
	assert.Equal(t, "Read contract", frames[0].Event.NodeTitle)
}

func TestOpenStream_NonSuccessStatus(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	c, obs := newTestClient(t, h)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	require.Len(t, frames, 1)
	var te *TransportError
	require.ErrorAs(t, frames[0].Err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Contains(t, te.Body, "upstream exploded")
	assert.False(t, te.Canceled())
	assert.Equal(t, []string{"transport_error"}, obs.closedOutcomes())
}

func TestOpenStream_JSONEnvelopeError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		io.WriteString(w, `{"code":401,"msg":"token expired","data":null}`)
	})
	c, _ := newTestClient(t, h)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	var apiErr *APIError
	require.ErrorAs(t, last(frames).Err, &apiErr)
	assert.Equal(t, 401, apiErr.Code)
	assert.Equal(t, "token expired", apiErr.Error())
}

func TestOpenStream_StallTimeout(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"workflow_started\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	c, obs := newTestClient(t, h, func(cfg *Config) { cfg.StallTimeout = 100 * time.Millisecond })

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	assert.Equal(t, []workflow.Kind{workflow.KindWorkflowStarted}, kinds(frames))
	assert.ErrorIs(t, last(frames).Err, ErrStreamStalled)
	assert.ErrorIs(t, s.Err(), ErrStreamStalled)
	assert.Equal(t, []string{"stalled"}, obs.closedOutcomes())
}

func TestOpenStream_ZeroStallTimeoutDisablesWatchdog(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"workflow_started\"}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "data: {\"event\":\"workflow_finished\",\"data\":{\"outputs\":{\"answer\":\"ok\"}}}\n\n")
		w.(http.Flusher).Flush()
	})
	c, obs := newTestClient(t, h, func(cfg *Config) { cfg.StallTimeout = 0 })
	assert.Zero(t, c.stall)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	frames := collect(t, s)

	assert.Equal(t, []workflow.Kind{workflow.KindWorkflowStarted, workflow.KindWorkflowFinished}, kinds(frames))
	assert.Equal(t, FrameDone, last(frames).Kind)
	assert.NoError(t, s.Err())
	assert.Equal(t, []string{"completed"}, obs.closedOutcomes())
}

func TestNewClient_NegativeStallTimeoutUsesDefault(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:8890/api/vigil-keeper", StallTimeout: -1})
	require.NoError(t, err)
	assert.Equal(t, DefaultStallTimeout, c.stall)
}

func TestStream_CancelIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"workflow_started\"}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	})
	c, obs := newTestClient(t, h)

	s, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	<-started

	s.Cancel()
	s.Cancel()
	collect(t, s)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream not done after cancel")
	}
	var te *TransportError
	require.ErrorAs(t, s.Err(), &te)
	assert.True(t, te.Canceled())
	s.Cancel()
	assert.Equal(t, []string{"canceled"}, obs.closedOutcomes())
}

func TestStream_ParentContextCancel(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	c, _ := newTestClient(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.OpenStream(ctx, conversation.SendParameters{Text: "hi"})
	require.NoError(t, err)
	cancel()
	collect(t, s)

	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestOpenStream_NoToken(t *testing.T) {
	c, _ := newTestClient(t, sseHandler(), func(cfg *Config) { cfg.Token = StaticToken("") })
	_, err := c.OpenStream(context.Background(), conversation.SendParameters{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoToken)
}

// =============================================================================
// Callback adapter
// =============================================================================

func TestOpen_CallbackOrder(t *testing.T) {
	c, _ := newTestClient(t, sseHandler(
		`{"event":"message","answer":"a"}`,
		`{"event":"error","msg":"boom"}`,
	))

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	c.Open(context.Background(), conversation.SendParameters{Text: "hi"}, Handlers{
		OnEvent: func(ev workflow.Event) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "event:"+string(ev.Kind))
		},
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "error")
		},
		OnComplete: func() {
			mu.Lock()
			order = append(order, "complete")
			mu.Unlock()
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnComplete not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"event:message", "error", "complete"}, order)
}

func TestOpen_StartFailureStillCompletes(t *testing.T) {
	c, _ := newTestClient(t, sseHandler(), func(cfg *Config) { cfg.Token = nil })

	var completions atomic.Int32
	errCh := make(chan error, 1)
	done := make(chan struct{})
	cancel := c.Open(context.Background(), conversation.SendParameters{Text: "hi"}, Handlers{
		OnError:    func(err error) { errCh <- err },
		OnComplete: func() { completions.Add(1); close(done) },
	})
	cancel.Cancel()

	<-done
	assert.ErrorIs(t, <-errCh, ErrNoToken)
	assert.Equal(t, int32(1), completions.Load())
}

// =============================================================================
// Upload
// =============================================================================

func writeTemp(t *testing.T, name, content string) conversation.LocalFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return conversation.LocalFile{Name: name, Size: int64(len(content)), Path: path}
}

func TestUpload_Success(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testToken, r.Header.Get(HeaderToken))
		file, header, err := r.FormFile(UploadField)
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "合同.pdf", header.Filename)
		assert.Equal(t, "application/pdf", header.Header.Get("Content-Type"))
		assert.Equal(t, "%PDF-1.4", string(body))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"code":200,"msg":"ok","data":{"id":"srv-1","name":"合同.pdf","size":8,"extension":"pdf","mimeType":"application/pdf","createdBy":"u1","createdAt":1700000000000}}`)
	})
	c, obs := newTestClient(t, h)

	local := writeTemp(t, "合同.pdf", "%PDF-1.4")
	ref, err := c.Upload(context.Background(), local)
	require.NoError(t, err)

	assert.Equal(t, "srv-1", ref.ServerID)
	assert.Equal(t, "pdf", ref.Extension)
	assert.Equal(t, "u1", ref.OwnerID)
	require.NotNil(t, ref.LocalHandle)
	assert.Equal(t, local.Path, ref.LocalHandle.Path)
	assert.Equal(t, []bool{true}, obs.uploads)
}

func TestUpload_EnvelopeError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":500,"msg":"文件格式不支持","data":null}`)
	})
	c, obs := newTestClient(t, h)

	_, err := c.Upload(context.Background(), writeTemp(t, "a.exe", "MZ"))
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "文件格式不支持", ue.Message)
	assert.Equal(t, "a.exe", ue.FileName)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []bool{false}, obs.uploads)
}

func TestUpload_PlaceholderHandle(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	_, err := c.Upload(context.Background(), conversation.LocalFile{Name: "old.pdf", Placeholder: true})
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
}

func TestUpload_MissingID(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":200,"data":{}}`)
	})
	c, _ := newTestClient(t, h)
	_, err := c.Upload(context.Background(), writeTemp(t, "a.txt", "x"))
	assert.ErrorContains(t, err, "no file id")
}

// =============================================================================
// JSON endpoints
// =============================================================================

func TestLogin(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(HeaderToken))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["mobile"] != "13800000000" {
			io.WriteString(w, `{"code":400,"msg":"用户不存在"}`)
			return
		}
		io.WriteString(w, `{"code":200,"data":{"token":"fresh"}}`)
	})
	c, _ := newTestClient(t, h, func(cfg *Config) { cfg.Token = nil })

	res, err := c.Login(context.Background(), " 13800000000 ")
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Token)
	assert.Equal(t, "13800000000", res.Mobile)

	_, err = c.Login(context.Background(), "13900000000")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "用户不存在", apiErr.Message)

	_, err = c.Login(context.Background(), "")
	assert.Error(t, err)
}

func TestConfirmContract(t *testing.T) {
	var confirmed atomic.Bool
	h := http.NewServeMux()
	h.HandleFunc("/api/vigil-keeper/ai/confirmContract", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testToken, r.Header.Get(HeaderToken))
		confirmed.Store(true)
		io.WriteString(w, `{"code":200,"data":{"success":true}}`)
	})
	h.HandleFunc("/api/vigil-keeper/ai/getConfirmStatus", func(w http.ResponseWriter, r *http.Request) {
		if confirmed.Load() {
			io.WriteString(w, `{"code":200,"data":1}`)
			return
		}
		io.WriteString(w, `{"code":200,"data":0}`)
	})
	c, _ := newTestClient(t, h)
	ctx := context.Background()

	status, err := c.ConfirmStatus(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, ConfirmStatusDone, status)

	require.NoError(t, c.ConfirmContract(ctx, "c1"))

	status, err = c.ConfirmStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ConfirmStatusDone, status)
}

func TestDownload(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fileUrl") != "/files/out.docx" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "docx-bytes")
	})
	c, _ := newTestClient(t, h)

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "/files/out.docx", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "docx-bytes", buf.String())

	_, err = c.Download(context.Background(), "/files/missing", io.Discard)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestDecodeEnvelope(t *testing.T) {
	var out struct{ A int }
	require.NoError(t, decodeEnvelope(200, []byte(`{"code":200,"data":{"A":3}}`), &out))
	assert.Equal(t, 3, out.A)

	err := decodeEnvelope(500, []byte(`<html>oops</html>`), nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Status)

	assert.Error(t, decodeEnvelope(200, []byte(`nope`), nil))
}

func TestStaticToken(t *testing.T) {
	_, err := StaticToken("").Token()
	assert.True(t, errors.Is(err, ErrNoToken))

	tok, err := StaticToken("abc").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}
