// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"time"

	"github.com/AleutianAI/VigilKeeper/pkg/conversation"
)

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders d at a precision that suits its size.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatRelativeTime renders a Unix millisecond timestamp relative to now,
// e.g. "2h ago". Timestamps older than a month show the date.
func FormatRelativeTime(unixMs int64, now time.Time) string {
	if unixMs == 0 {
		return "unknown"
	}
	t := time.UnixMilli(unixMs)
	diff := now.Sub(t)

	plural := func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return fmt.Sprintf(many, n)
	}

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "1 min ago", "%d mins ago")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "1h ago", "%dh ago")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "1 day ago", "%d days ago")
	case diff < 30*24*time.Hour:
		return plural(int(diff.Hours()/(24*7)), "1 week ago", "%d weeks ago")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// ConversationRows turns stored conversations into table rows.
func ConversationRows(convs []conversation.Conversation, now time.Time) (header []string, rows [][]string) {
	header = []string{"ID", "TITLE", "LAST ANSWER", "UPDATED"}
	for _, c := range convs {
		rows = append(rows, []string{c.ID, c.Title, c.LastMessagePreview, FormatRelativeTime(c.UpdatedAt, now)})
	}
	return header, rows
}

// HistoryFileRows turns history files into table rows.
func HistoryFileRows(files []conversation.HistoryFile, now time.Time) (header []string, rows [][]string) {
	header = []string{"ID", "NAME", "SIZE", "UPLOADED"}
	for _, f := range files {
		rows = append(rows, []string{f.ID, f.Name, FormatSize(f.Size), FormatRelativeTime(f.UploadTimestamp, now)})
	}
	return header, rows
}
