// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrStop may be returned by a RecordFunc to end reading without error.
var ErrStop = errors.New("sse: stop reading")

// MaxLineSize bounds a single SSE line. Final answers arrive as one data
// line, so the default bufio limit of 64KB is too small.
const MaxLineSize = 4 * 1024 * 1024

// RecordFunc receives each record in arrival order.
type RecordFunc func(Record) error

// Reader reads records from an SSE byte stream.
type Reader interface {
	// Read blocks until the stream ends, ctx is cancelled, or fn returns
	// an error. Returning ErrStop from fn ends the read with a nil error.
	Read(ctx context.Context, r io.Reader, fn RecordFunc) error
}

type reader struct {
	newParser func() LineParser
}

// NewReader creates a Reader. Each Read call gets a fresh LineParser.
func NewReader() Reader {
	return &reader{newParser: NewLineParser}
}

// Read implements Reader.
//
// # Description
//
// Scans r line by line, checking ctx between lines. Cancellation is only
// observed between lines; callers that need to interrupt a blocked read
// must close the underlying body.
//
// # Outputs
//
//   - error: nil on EOF or ErrStop, ctx.Err() on cancellation, the
//     scanner error or the callback error otherwise.
func (rd *reader) Read(ctx context.Context, r io.Reader, fn RecordFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	parser := rd.newParser()
	index := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		record, ok := parser.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		record.Index = index
		index++

		if err := fn(record); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("scan sse stream: %w", err)
	}
	return nil
}

var _ Reader = (*reader)(nil)
