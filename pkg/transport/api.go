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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/VigilKeeper/pkg/telemetry"
)

// ConfirmStatusDone is the getConfirmStatus value of a confirmed contract.
const ConfirmStatusDone = 1

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Token  string
	Mobile string
}

// Login exchanges a mobile number for a session token.
//
// # Outputs
//
//   - LoginResult: Token is never empty on success.
//   - error: *APIError for rejected numbers.
func (c *Client) Login(ctx context.Context, mobile string) (LoginResult, error) {
	mobile = strings.TrimSpace(mobile)
	if mobile == "" {
		return LoginResult{}, errors.New("mobile number is required")
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTransport, "transport.Login")
	var data struct {
		Token string `json:"token"`
	}
	err := c.callJSON(ctx, PathLogin, false, map[string]string{"mobile": mobile}, &data)
	if err == nil && data.Token == "" {
		err = errors.New("login response carried no token")
	}
	telemetry.End(span, err)
	if err != nil {
		return LoginResult{}, err
	}
	c.logger.Info("logged in", "mobile", maskMobile(mobile))
	return LoginResult{Token: data.Token, Mobile: mobile}, nil
}

// ConfirmContract marks the contract with id as confirmed.
func (c *Client) ConfirmContract(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("contract id is required")
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTransport, "transport.ConfirmContract")
	err := c.callJSON(ctx, PathConfirmContract, true, map[string]string{"id": id}, nil)
	telemetry.End(span, err)
	return err
}

// ConfirmStatus returns the confirmation status of the contract with id.
// ConfirmStatusDone means confirmed.
func (c *Client) ConfirmStatus(ctx context.Context, id string) (int, error) {
	if strings.TrimSpace(id) == "" {
		return 0, errors.New("contract id is required")
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTransport, "transport.ConfirmStatus")
	var status int
	err := c.callJSON(ctx, PathConfirmStatus, true, map[string]string{"id": id}, &status)
	telemetry.End(span, err)
	return status, err
}

// DownloadURL returns the absolute download URL of a server file path
// such as "/files/report.pdf".
func (c *Client) DownloadURL(fileURL string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + PathDownload
	u.RawQuery = url.Values{"fileUrl": {fileURL}}.Encode()
	return u.String()
}

// Download streams the server file at fileURL into w.
func (c *Client) Download(ctx context.Context, fileURL string, w io.Writer) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTransport, "transport.Download")
	n, err := c.download(ctx, fileURL, w)
	telemetry.End(span, err)
	return n, err
}

func (c *Client) download(ctx context.Context, fileURL string, w io.Writer) (int64, error) {
	target := c.DownloadURL(fileURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	if err := c.authorize(req); err != nil && !errors.Is(err, ErrNoToken) {
		return 0, err
	}
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransportError{Op: "download", URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, &TransportError{Op: "download", URL: target, StatusCode: resp.StatusCode, Body: bodyPrefix(body)}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("write download: %w", err)
	}
	return n, nil
}

// maskMobile keeps the first three and last four digits.
func maskMobile(m string) string {
	r := []rune(m)
	if len(r) <= 7 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:3]) + strings.Repeat("*", len(r)-7) + string(r[len(r)-4:])
}
