// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devserver is a local stand-in for the VigilKeeper backend.
//
// It implements the same endpoints, envelope and workflow stream as the
// real service with a scripted assistant, so the CLI can be exercised
// without network access. State lives in memory.
//
// Messages containing these markers change the scripted reply:
//
//	#error      the workflow ends with an error record
//	#malformed  a record that is not JSON is sent before the answer
//	#slow       fragments are sent five times slower
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/VigilKeeper/pkg/logging"
	"github.com/AleutianAI/VigilKeeper/pkg/transport"
)

// DefaultPrefix is the API prefix of the real backend.
const DefaultPrefix = "/api/vigil-keeper"

const (
	codeOK           = 200
	codeBadRequest   = 400
	codeUnauthorized = 401
	codeNotFound     = 404
	codeTooMany      = 429

	maxUploadBytes = 20 << 20
)

// Config configures a Server.
type Config struct {
	// Prefix is the route prefix. Defaults to DefaultPrefix.
	Prefix string

	// FragmentDelay is the pause between streamed fragments.
	FragmentDelay time.Duration

	// ConfirmAfter is how many status polls a confirmation takes to finish.
	ConfirmAfter int

	// LoginRate and LoginBurst limit login attempts across all clients.
	// Defaults are 5 per second with a burst of 10.
	LoginRate  rate.Limit
	LoginBurst int

	Logger *slog.Logger
}

type storedFile struct {
	ref     fileRecord
	content []byte
}

type fileRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mimeType"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}

type confirmation struct {
	polls int
}

// Server is the dev backend.
type Server struct {
	engine *gin.Engine
	prefix string
	delay  time.Duration
	after  int
	logger *slog.Logger
	logins *rate.Limiter

	mu       sync.Mutex
	tokens   map[string]string
	files    map[string]storedFile
	confirms map[string]*confirmation
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		prefix:   cfg.Prefix,
		delay:    cfg.FragmentDelay,
		after:    cfg.ConfirmAfter,
		logger:   cfg.Logger,
		tokens:   make(map[string]string),
		files:    make(map[string]storedFile),
		confirms: make(map[string]*confirmation),
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.after <= 0 {
		s.after = 2
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	limit, burst := cfg.LoginRate, cfg.LoginBurst
	if limit <= 0 {
		limit = 5
	}
	if burst <= 0 {
		burst = 10
	}
	s.logins = rate.NewLimiter(limit, burst)

	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware("vigil-devserver"), s.requestLogger())

	api := engine.Group(s.prefix)
	api.POST(transport.PathLogin, s.throttle(s.logins), s.handleLogin)

	authed := api.Group("", s.requireToken())
	authed.POST(transport.PathUpload, s.handleUpload)
	authed.POST(transport.PathChat, s.handleChat)
	authed.POST(transport.PathConfirmContract, s.handleConfirm)
	authed.POST(transport.PathConfirmStatus, s.handleConfirmStatus)
	authed.GET(transport.PathDownload, s.handleDownload)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// BaseURL returns the client base URL for a server reachable at origin.
func (s *Server) BaseURL(origin string) string {
	return strings.TrimRight(origin, "/") + s.prefix
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", addr, "prefix", s.prefix)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("dev request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(transport.HeaderToken)
		s.mu.Lock()
		user, found := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !found {
			fail(c, codeUnauthorized, "未登录或登录已过期")
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

// throttle rejects requests beyond lim with code 429.
func (s *Server) throttle(lim *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !lim.Allow() {
			fail(c, codeTooMany, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}
		c.Next()
	}
}

// =============================================================================
// Envelope
// =============================================================================

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Code: codeOK, Msg: "success", Data: data})
}

// fail answers with HTTP 200 and an error code, as the real backend does.
func fail(c *gin.Context, code int, msg string) {
	c.JSON(http.StatusOK, envelope{Code: code, Msg: msg})
}

// =============================================================================
// Handlers
// =============================================================================

type loginRequest struct {
	Mobile string `json:"mobile" binding:"required,numeric,min=6,max=20"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, codeBadRequest, "手机号格式不正确")
		return
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = req.Mobile
	s.mu.Unlock()
	ok(c, gin.H{"token": token})
}

func (s *Server) handleUpload(c *gin.Context) {
	fh, err := c.FormFile(transport.UploadField)
	if err != nil {
		fail(c, codeBadRequest, "缺少上传文件")
		return
	}
	if fh.Size > maxUploadBytes {
		fail(c, codeBadRequest, "文件过大")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, codeBadRequest, "无法读取文件")
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		fail(c, codeBadRequest, "无法读取文件")
		return
	}

	rec := fileRecord{
		ID:        uuid.NewString(),
		Name:      fh.Filename,
		Size:      int64(len(content)),
		Extension: strings.TrimPrefix(strings.ToLower(filepath.Ext(fh.Filename)), "."),
		MimeType:  fh.Header.Get("Content-Type"),
		CreatedBy: c.GetString("user"),
		CreatedAt: time.Now().Unix(),
	}
	s.mu.Lock()
	s.files[rec.ID] = storedFile{ref: rec, content: content}
	s.mu.Unlock()
	ok(c, rec)
}

type chatRequest struct {
	Msg       string `json:"msg"`
	FileID    string `json:"fileId"`
	Extension string `json:"extension"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, codeBadRequest, "请求格式不正确")
		return
	}
	var file *fileRecord
	if req.FileID != "" {
		s.mu.Lock()
		sf, found := s.files[req.FileID]
		s.mu.Unlock()
		if !found {
			fail(c, codeNotFound, "文件不存在")
			return
		}
		file = &sf.ref
	}

	script := buildScript(req.Msg, file)
	delay := s.delay
	if strings.Contains(req.Msg, "#slow") {
		delay *= 5
	}

	w := c.Writer
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	for _, rec := range script {
		if rec.pause && delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.event, rec.data); err != nil {
			return
		}
		w.Flush()
	}
}

type idRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, codeBadRequest, "缺少合同编号")
		return
	}
	s.mu.Lock()
	_, found := s.files[req.ID]
	if found {
		s.confirms[req.ID] = &confirmation{}
	}
	s.mu.Unlock()
	if !found {
		fail(c, codeNotFound, "合同不存在")
		return
	}
	ok(c, gin.H{"success": true})
}

func (s *Server) handleConfirmStatus(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, codeBadRequest, "缺少合同编号")
		return
	}
	s.mu.Lock()
	conf, found := s.confirms[req.ID]
	status := 0
	if found {
		conf.polls++
		if conf.polls >= s.after {
			status = transport.ConfirmStatusDone
		}
	}
	s.mu.Unlock()
	if !found {
		fail(c, codeNotFound, "合同未确认")
		return
	}
	ok(c, status)
}

func (s *Server) handleDownload(c *gin.Context) {
	p := strings.TrimPrefix(c.Query("fileUrl"), "/files/")
	id, _, _ := strings.Cut(p, "/")
	s.mu.Lock()
	sf, found := s.files[id]
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, envelope{Code: codeNotFound, Msg: "文件不存在"})
		return
	}
	mime := sf.ref.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sf.ref.Name))
	c.Data(http.StatusOK, mime, sf.content)
}

// =============================================================================
// Workflow script
// =============================================================================

type sseRecord struct {
	event string
	data  string
	pause bool
}

func buildScript(msg string, file *fileRecord) []sseRecord {
	convID := uuid.NewString()
	msgID := uuid.NewString()
	runID := uuid.NewString()
	taskID := uuid.NewString()
	now := time.Now().Unix()

	base := func(event string) map[string]any {
		return map[string]any{
			"event":           event,
			"conversation_id": convID,
			"message_id":      msgID,
			"task_id":         taskID,
			"workflow_run_id": runID,
			"created_at":      now,
		}
	}
	record := func(payload map[string]any, pause bool) sseRecord {
		raw, _ := json.Marshal(payload)
		return sseRecord{event: payload["event"].(string), data: string(raw), pause: pause}
	}

	var out []sseRecord
	out = append(out, record(base("workflow_started"), false))

	node := base("node_started")
	node["data"] = map[string]any{"node_id": "llm", "title": "合同分析"}
	out = append(out, record(node, true))

	if strings.Contains(msg, "#malformed") {
		out = append(out, sseRecord{event: "message", data: "{not json", pause: true})
	}

	if strings.Contains(msg, "#error") {
		errRec := base("error")
		errRec["message"] = "工作流执行失败"
		out = append(out, record(errRec, true))
		return out
	}

	answer := scriptedAnswer(msg, file)
	for _, frag := range fragments(answer, 6) {
		m := base("message")
		m["answer"] = frag
		out = append(out, record(m, true))
	}

	done := base("node_finished")
	done["data"] = map[string]any{"node_id": "llm", "title": "合同分析", "status": "succeeded"}
	out = append(out, record(done, false))

	fin := base("workflow_finished")
	fin["data"] = map[string]any{
		"status":  "succeeded",
		"outputs": map[string]any{"answer": answer},
	}
	out = append(out, record(fin, false))
	return out
}

func scriptedAnswer(msg string, file *fileRecord) string {
	var b strings.Builder
	q := strings.TrimSpace(msg)
	if q == "" {
		q = "（无文字内容）"
	}
	fmt.Fprintf(&b, "已收到您的问题：%s\n\n", q)
	if file != nil {
		fmt.Fprintf(&b, "已分析合同文件 [%s](/files/%s/%s)。\n\n", file.Name, file.ID, file.Name)
		b.WriteString("合同到期前30天将提醒您续签。")
	} else {
		b.WriteString("请上传合同文件，我会帮您跟踪关键日期。")
	}
	return b.String()
}

// fragments splits s into pieces of at most n runes.
func fragments(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		k := n
		if k > len(runes) {
			k = len(runes)
		}
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}
