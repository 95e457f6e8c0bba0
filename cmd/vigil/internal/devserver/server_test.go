// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/VigilKeeper/pkg/chat"
	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/history"
	"github.com/AleutianAI/VigilKeeper/pkg/logging"
	"github.com/AleutianAI/VigilKeeper/pkg/store"
	"github.com/AleutianAI/VigilKeeper/pkg/transport"
	"github.com/AleutianAI/VigilKeeper/pkg/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	client *transport.Client
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := New(Config{ConfirmAfter: 2})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	anon, err := transport.NewClient(transport.Config{BaseURL: srv.BaseURL(hs.URL)})
	require.NoError(t, err)
	res, err := anon.Login(context.Background(), "13800000000")
	require.NoError(t, err)

	client, err := transport.NewClient(transport.Config{
		BaseURL:      srv.BaseURL(hs.URL),
		Token:        transport.StaticToken(res.Token),
		StallTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return &fixture{srv: srv, http: hs, client: client, token: res.Token}
}

func writeFile(t *testing.T, name, content string) conversation.LocalFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return conversation.LocalFile{Name: name, Path: path, Size: int64(len(content))}
}

func drain(t *testing.T, s *transport.Stream) []transport.Frame {
	t.Helper()
	var frames []transport.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestLogin_RejectsBadMobile(t *testing.T) {
	srv := New(Config{})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	c, err := transport.NewClient(transport.Config{BaseURL: srv.BaseURL(hs.URL)})
	require.NoError(t, err)
	_, err = c.Login(context.Background(), "abc")
	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codeBadRequest, apiErr.Code)
}

func TestRequiresToken(t *testing.T) {
	srv := New(Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, DefaultPrefix+transport.PathChat, strings.NewReader(`{"msg":"hi"}`))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":401`)
}

func TestChatStream_Workflow(t *testing.T) {
	f := newFixture(t)
	s, err := f.client.OpenStream(context.Background(), conversation.SendParameters{Text: "合同什么时候到期"})
	require.NoError(t, err)

	frames := drain(t, s)
	require.NotEmpty(t, frames)
	assert.Equal(t, transport.FrameDone, frames[len(frames)-1].Kind)

	var kinds []workflow.Kind
	var streamed strings.Builder
	var final string
	for _, fr := range frames {
		if fr.Kind != transport.FrameEvent {
			continue
		}
		kinds = append(kinds, fr.Event.Kind)
		if fr.Event.Kind == workflow.KindMessage {
			streamed.WriteString(fr.Event.AnswerFragment)
		}
		if fr.Event.Kind == workflow.KindWorkflowFinished {
			final = fr.Event.FinalAnswer
		}
	}
	assert.Equal(t, workflow.KindWorkflowStarted, kinds[0])
	assert.Equal(t, workflow.KindWorkflowFinished, kinds[len(kinds)-1])
	assert.Contains(t, kinds, workflow.KindNodeStarted)
	assert.Equal(t, final, streamed.String())
	assert.Contains(t, final, "合同什么时候到期")
}

func TestChatStream_ErrorRecord(t *testing.T) {
	f := newFixture(t)
	s, err := f.client.OpenStream(context.Background(), conversation.SendParameters{Text: "#error"})
	require.NoError(t, err)

	frames := drain(t, s)
	last := frames[len(frames)-1]
	require.Equal(t, transport.FrameError, last.Kind)
	var se *transport.ServerError
	require.ErrorAs(t, last.Err, &se)
	assert.Equal(t, "工作流执行失败", se.Message)
}

func TestChatStream_UnknownFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.OpenStream(context.Background(), conversation.SendParameters{Text: "x", FileID: "missing"})
	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codeNotFound, apiErr.Code)
}

func TestUploadConfirmDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, err := f.client.Upload(ctx, writeFile(t, "lease.pdf", "%PDF-1.4 lease"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ServerID)
	assert.Equal(t, "lease.pdf", ref.OriginalName)
	assert.Equal(t, "pdf", ref.Extension)
	assert.Equal(t, int64(len("%PDF-1.4 lease")), ref.Size)

	require.NoError(t, f.client.ConfirmContract(ctx, ref.ServerID))
	status, err := f.client.ConfirmStatus(ctx, ref.ServerID)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	status, err = f.client.ConfirmStatus(ctx, ref.ServerID)
	require.NoError(t, err)
	assert.Equal(t, transport.ConfirmStatusDone, status)

	var buf bytes.Buffer
	n, err := f.client.Download(ctx, "/files/"+ref.ServerID+"/lease.pdf", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, "%PDF-1.4 lease", buf.String())

	_, err = f.client.Download(ctx, "/files/nope/x.pdf", &buf)
	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

// TestController_EndToEnd drives a full turn through the controller with
// a real stream, attachment and link rewrite.
func TestController_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ctl, err := chat.New(chat.Config{
		UserID:   "13800000000",
		Streamer: chat.ClientStreamer(f.client),
		Uploader: f.client,
		History:  history.NewGateway(store.NewMemoryStore(), logging.Discard()),
		Links:    f.client.LinkRewriter(),
	})
	require.NoError(t, err)

	ref, err := ctl.Upload(ctx, writeFile(t, "lease.pdf", "contract"))
	require.NoError(t, err)
	require.NoError(t, ctl.Send(ctx, "请分析", ctl.Attachments()))

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.Wait(wctx))

	msgs := ctl.Messages()
	require.Len(t, msgs, 2)
	answer := msgs[1]
	assert.Equal(t, conversation.StateCompleted, answer.State)
	assert.Contains(t, answer.Text, f.client.LinkRewriter().DownloadURL("/files/"+ref.ServerID+"/lease.pdf"))

	convs, err := ctl.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "请分析", convs[0].Title)
}

func TestFragments(t *testing.T) {
	assert.Equal(t, []string{"abc", "de"}, fragments("abcde", 3))
	assert.Equal(t, []string{"合同到", "期"}, fragments("合同到期", 3))
	assert.Empty(t, fragments("", 3))
}

func TestLogin_Throttled(t *testing.T) {
	srv := New(Config{LoginRate: 0.001, LoginBurst: 1})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	c, err := transport.NewClient(transport.Config{BaseURL: srv.BaseURL(hs.URL)})
	require.NoError(t, err)
	_, err = c.Login(context.Background(), "13800000000")
	require.NoError(t, err)

	_, err = c.Login(context.Background(), "13800000000")
	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, codeTooMany, apiErr.Code)
}
