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
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
)

// UploadField is the multipart field name of the file.
const UploadField = "file"

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Upload sends f to the backend and returns its server reference.
//
// # Outputs
//
//   - FileRef: LocalHandle points at a copy of f.
//   - error: Always *UploadError, whose Message is the server's msg when
//     it sent one.
func (c *Client) Upload(ctx context.Context, f conversation.LocalFile) (conversation.FileRef, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTransport, "transport.Upload",
		attribute.String("file.name", f.Name),
		attribute.Int64("file.size", f.Size),
	)
	ref, err := c.upload(ctx, f)
	c.observer.UploadFinished(context.WithoutCancel(ctx), err == nil, time.Since(start))
	telemetry.End(span, err)
	if err != nil {
		c.logger.Warn("upload failed", "file", f.Name, "error", err)
		return conversation.FileRef{}, err
	}
	c.logger.Info("uploaded file", "file", f.Name, "id", ref.ServerID, "duration", time.Since(start))
	return ref, nil
}

func (c *Client) upload(ctx context.Context, f conversation.LocalFile) (conversation.FileRef, error) {
	fail := func(msg string, err error) error {
		return &UploadError{FileName: f.Name, Message: msg, Err: err}
	}
	if f.Placeholder || f.Path == "" {
		return conversation.FileRef{}, fail("file is not available on this machine", nil)
	}

	body, contentType, err := multipartBody(f)
	if err != nil {
		return conversation.FileRef{}, fail("cannot read file", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(PathUpload), body)
	if err != nil {
		return conversation.FileRef{}, fail("cannot build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.authorize(req); err != nil {
		return conversation.FileRef{}, fail("not logged in", err)
	}
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return conversation.FileRef{}, fail("upload request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return conversation.FileRef{}, fail("cannot read upload response", err)
	}

	var ref conversation.FileRef
	if err := decodeEnvelope(resp.StatusCode, raw, &ref); err != nil {
		msg := "upload failed"
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return conversation.FileRef{}, fail(msg, err)
	}
	if ref.ServerID == "" {
		return conversation.FileRef{}, fail("upload response carried no file id", nil)
	}

	if ref.OriginalName == "" {
		ref.OriginalName = f.Name
	}
	if ref.Extension == "" {
		ref.Extension = f.Extension()
	}
	handle := f
	ref.LocalHandle = &handle
	return ref, nil
}

// multipartBody buffers f as a single-part form. Contract files are small
// enough that buffering keeps retries and content length simple.
func multipartBody(f conversation.LocalFile) (*bytes.Buffer, string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		UploadField, quoteEscaper.Replace(name)))
	h.Set("Content-Type", mimeType(f, name))

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func mimeType(f conversation.LocalFile, name string) string {
	if f.MimeType != "" {
		return f.MimeType
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
