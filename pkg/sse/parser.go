// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sse reads server-sent-event streams line by line.
//
// The package knows nothing about payload semantics. It splits a byte
// stream into Records (one per "data:" line) and tags each record with the
// most recent "event:" field seen in the same event block. Payload decoding
// lives in the workflow package.
package sse

import (
	"strings"
)

// Record is one data line of an SSE stream.
type Record struct {
	// Index is the zero-based position of the record in its stream.
	Index int

	// Event is the SSE "event:" field in effect when the data line arrived.
	// Empty when the server did not name the event.
	Event string

	// ID is the SSE "id:" field in effect, if any.
	ID string

	// Data is the payload after the "data:" prefix, without surrounding space.
	Data []byte
}

// LineParser turns individual SSE lines into Records.
//
// Implementations are stateful: "event:" and "id:" fields apply to the data
// lines that follow them until a blank line ends the event block.
type LineParser interface {
	// ParseLine consumes one line (without the trailing newline). It returns
	// a record and true for data lines, and false for everything else.
	ParseLine(line string) (Record, bool)

	// Reset clears any pending event block state.
	Reset()
}

type lineParser struct {
	event string
	id    string
}

// NewLineParser creates a LineParser with empty state.
func NewLineParser() LineParser {
	return &lineParser{}
}

// ParseLine implements LineParser.
//
// Comments (":" prefix) are ignored. Both "data: x" and "data:x" are
// accepted. Unknown fields are ignored, as the SSE format requires.
func (p *lineParser) ParseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		p.Reset()
		return Record{}, false
	}
	if strings.HasPrefix(line, ":") {
		return Record{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		p.event = value
	case "id":
		p.id = value
	case "data":
		if value == "" {
			return Record{}, false
		}
		return Record{Event: p.event, ID: p.id, Data: []byte(value)}, true
	}
	return Record{}, false
}

// Reset implements LineParser.
func (p *lineParser) Reset() {
	p.event = ""
	p.id = ""
}

// splitField splits "name: value" into its parts. A line without a colon is
// a field name with an empty value.
func splitField(line string) (string, string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return strings.TrimSpace(line), ""
	}
	return strings.TrimSpace(name), strings.TrimSpace(value)
}

var _ LineParser = (*lineParser)(nil)
