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
	"errors"
	"fmt"
)

var (
	// ErrStreamCanceled is the cause of a stream ended by Cancel.
	ErrStreamCanceled = errors.New("stream canceled")

	// ErrStreamStalled is the cause of a stream aborted by the stall timeout.
	ErrStreamStalled = errors.New("stream stalled: no data received within the stall timeout")

	// ErrNoToken is returned when a call needs a bearer token and the
	// session has none.
	ErrNoToken = errors.New("not logged in")
)

// TransportError is a failure of the request itself: network error,
// non-success status, abort or stall.
type TransportError struct {
	// Op is "open", "read", "status" or "download".
	Op string

	// URL is the request URL.
	URL string

	// StatusCode is set for non-success responses.
	StatusCode int

	// Body is a prefix of the error response body, if any.
	Body string

	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport %s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Canceled reports whether the stream ended because the caller cancelled it.
func (e *TransportError) Canceled() bool {
	return errors.Is(e.Err, ErrStreamCanceled)
}

// DecodeError is a malformed stream record. It is logged and the record
// skipped. The stream continues.
type DecodeError struct {
	Index int
	Event string
	Data  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServerError is an "error" record sent by the workflow.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "workflow error: " + e.Message
}

// APIError is a response envelope with a non-success code.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed (status %d, code %d)", e.Status, e.Code)
	}
	return e.Message
}

// UploadError is a failed file upload. Message is fit to show the user.
type UploadError struct {
	FileName string
	Message  string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %s", e.FileName, e.Message)
}

func (e *UploadError) Unwrap() error { return e.Err }
