// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport talks to the VigilKeeper backend.
//
// It opens the streaming chat request and turns the SSE response into a
// channel of classified workflow events, uploads attachments, and wraps
// the small JSON endpoints (login, contract confirmation, downloads).
//
// Every JSON endpoint answers with the envelope {code, msg, data}; code 200
// is success. Non-success envelopes become *APIError.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/logging"
	"github.com/AleutianAI/VigilKeeper/pkg/sse"
	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
)

// Backend paths, relative to the base URL.
const (
	PathChat            = "/ai/chat-messages"
	PathUpload          = "/ai/files/upload"
	PathLogin           = "/auth/login"
	PathConfirmContract = "/ai/confirmContract"
	PathConfirmStatus   = "/ai/getConfirmStatus"
	PathDownload        = "/ai/downloadFile"
)

// HeaderToken carries the bearer token. The backend does not use
// Authorization.
const HeaderToken = "token"

// Defaults applied by NewClient.
const (
	DefaultStallTimeout   = 2 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
	DefaultUploadTimeout  = 5 * time.Minute

	codeOK       = 200
	maxErrorBody = 512
)

// TokenSource supplies the session token for authenticated calls.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource with a fixed value. Empty means logged out.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// HTTPDoer is the part of *http.Client the transport needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives stream and upload measurements. *telemetry.Metrics
// implements it.
type Observer interface {
	StreamOpened(ctx context.Context)
	RecordReceived(ctx context.Context, kind string)
	RecordMalformed(ctx context.Context)
	StreamClosed(ctx context.Context, outcome string, d time.Duration)
	UploadFinished(ctx context.Context, ok bool, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) StreamOpened(context.Context) {}
func (nopObserver) RecordReceived(context.Context, string) {}
func (nopObserver) RecordMalformed(context.Context) {}
func (nopObserver) StreamClosed(context.Context, string, time.Duration) {}
func (nopObserver) UploadFinished(context.Context, bool, time.Duration) {}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. http://host:8890/api/vigil-keeper.
	BaseURL string

	// Token supplies the session token. Nil means every authenticated call
	// fails with ErrNoToken.
	Token TokenSource

	// HTTPClient defaults to an *http.Client without a global timeout, so
	// that long streams are bounded only by StallTimeout.
	HTTPClient HTTPDoer

	// StallTimeout aborts a stream that receives no bytes for this long.
	// Zero disables the check; a negative value selects DefaultStallTimeout.
	StallTimeout time.Duration

	// RequestTimeout bounds the JSON endpoints.
	RequestTimeout time.Duration

	// UploadTimeout bounds one file upload.
	UploadTimeout time.Duration

	Logger   *slog.Logger
	Observer Observer
}

// Client is the backend client. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	baseURL  string
	token    TokenSource
	http     HTTPDoer
	stall    time.Duration
	timeout  time.Duration
	uploadTO time.Duration
	logger   *slog.Logger
	observer Observer
	reader   sse.Reader
}

// NewClient validates cfg and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("transport: base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: base URL must be http or https, got %q", base.Scheme)
	}

	c := &Client{
		base:     base,
		baseURL:  raw,
		token:    cfg.Token,
		http:     cfg.HTTPClient,
		stall:    cfg.StallTimeout,
		timeout:  cfg.RequestTimeout,
		uploadTO: cfg.UploadTimeout,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		reader:   sse.NewReader(),
	}
	if c.token == nil {
		c.token = StaticToken("")
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.stall < 0 {
		c.stall = DefaultStallTimeout
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.uploadTO <= 0 {
		c.uploadTO = DefaultUploadTimeout
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LinkRewriter returns the rewriter for attachment links in final answers.
func (c *Client) LinkRewriter() conversation.LinkRewriter {
	return conversation.NewLinkRewriter(c.baseURL)
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

// =============================================================================
// Envelope
// =============================================================================

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// decodeEnvelope unwraps body into out. out may be nil.
func decodeEnvelope(status int, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status < 200 || status > 299 {
			return &APIError{Status: status, Message: bodyPrefix(body)}
		}
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if status < 200 || status > 299 || env.Code != codeOK {
		return &APIError{Status: status, Code: env.Code, Message: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func bodyPrefix(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

// callJSON POSTs in as JSON and decodes the envelope data into out.
func (c *Client) callJSON(ctx context.Context, path string, auth bool, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		if err := c.authorize(req); err != nil {
			return err
		}
	}
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if err := decodeEnvelope(resp.StatusCode, body, out); err != nil {
		c.logger.Warn("backend call failed", "path", path, "status", resp.StatusCode, "error", err)
		return err
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.token.Token()
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoToken
	}
	req.Header.Set(HeaderToken, token)
	return nil
}
