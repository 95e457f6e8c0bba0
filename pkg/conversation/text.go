// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"regexp"
	"strings"
)

// =============================================================================
// Newline Normalization
// =============================================================================

var newlineRun = regexp.MustCompile(`\n{2,}`)

// NormalizeNewlines collapses every run of N ≥ 2 newlines to N-1 newlines.
// Single newlines are kept.
//
//	"a\n\n\nb" → "a\n\nb"
//	"a\nb"     → "a\nb"
func NormalizeNewlines(s string) string {
	if !strings.Contains(s, "\n\n") {
		return s
	}
	return newlineRun.ReplaceAllStringFunc(s, func(run string) string {
		return run[1:]
	})
}

// =============================================================================
// Link Rewriting
// =============================================================================

// fileLink matches markdown links to server relative attachment paths.
var fileLink = regexp.MustCompile(`\[([^\]]+)\]\(/files/([^)]+)\)`)

// LinkRewriter turns relative attachment links into absolute download URLs.
type LinkRewriter struct {
	baseURL string
}

// NewLinkRewriter creates a rewriter for the backend at baseURL.
// A trailing slash on baseURL is ignored.
func NewLinkRewriter(baseURL string) LinkRewriter {
	return LinkRewriter{baseURL: strings.TrimRight(baseURL, "/")}
}

// Rewrite replaces [name](/files/p) with
// [name](<base>/ai/downloadFile?fileUrl=/files/p).
func (lr LinkRewriter) Rewrite(s string) string {
	if !strings.Contains(s, "](/files/") {
		return s
	}
	return fileLink.ReplaceAllString(s, "[$1]("+escapeTemplate(lr.baseURL)+"/ai/downloadFile?fileUrl=/files/$2)")
}

// DownloadURL returns the absolute download URL of a server file path.
func (lr LinkRewriter) DownloadURL(path string) string {
	return lr.baseURL + "/ai/downloadFile?fileUrl=" + path
}

// escapeTemplate keeps "$" in a base URL from being read as a group reference.
func escapeTemplate(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
