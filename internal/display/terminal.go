// Package display turns engine snapshots into terminal output for feedsync.
package display

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gauthierbraillon/feedsync/internal/engine"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
)

const separator = " • "

// maxBody bounds the rendered length of a post body.
const maxBody = 280

// Card is the render-ready form of one feed item.
type Card struct {
	ID            string
	Author        string
	Body          string
	Media         string
	Age           string
	Likes         int
	LikedByViewer bool
	Pending       bool
}

// Cards converts a snapshot into cards, newest first. Ages are relative to
// now.
func Cards(snap engine.Snapshot, viewerID string, now time.Time) []Card {
	cards := make([]Card, 0, len(snap.Items))
	for _, it := range snap.Items {
		likes := it.LikeCount
		if len(it.LikedBy) > likes {
			likes = len(it.LikedBy)
		}
		cards = append(cards, Card{
			ID:            it.ID,
			Author:        it.AuthorID,
			Body:          it.Content,
			Media:         it.MediaRef,
			Age:           FormatTimestamp(it.CreatedAt, now),
			Likes:         likes,
			LikedByViewer: it.HasLike(viewerID),
			Pending:       it.IsOptimistic(),
		})
	}
	return cards
}

// TerminalFormatter formats feed snapshots for terminal display.
type TerminalFormatter struct {
	viewerID string
}

// NewTerminalFormatter creates a formatter for viewerID's feed.
func NewTerminalFormatter(viewerID string) *TerminalFormatter {
	return &TerminalFormatter{viewerID: viewerID}
}

// FormatCard formats a single card for display.
func (f *TerminalFormatter) FormatCard(c Card) string {
	var lines []string

	// Header: @author • age
	header := "@" + c.Author + separator + c.Age
	if c.Pending {
		header += separator + "pending"
	}
	lines = append(lines, header)

	if c.Body != "" {
		lines = append(lines, "  "+f.TruncateText(c.Body, maxBody))
	}
	if c.Media != "" {
		lines = append(lines, "  [media] "+c.Media)
	}
	if likes := formatLikes(c); likes != "" {
		lines = append(lines, "  "+likes)
	}

	return strings.Join(lines, "\n") + "\n"
}

func formatLikes(c Card) string {
	if c.Likes == 0 {
		return ""
	}
	s := fmt.Sprintf("%d likes", c.Likes)
	if c.Likes == 1 {
		s = "1 like"
	}
	if c.LikedByViewer {
		s += " (including you)"
	}
	return s
}

// FormatFeed formats a snapshot: a status line followed by its cards.
func (f *TerminalFormatter) FormatFeed(snap engine.Snapshot, now time.Time) string {
	status := f.FormatStatus(snap) + "\n\n"

	cards := Cards(snap, f.viewerID, now)
	if len(cards) == 0 {
		return status + "No items to display.\n"
	}

	var formatted []string
	for _, c := range cards {
		formatted = append(formatted, f.FormatCard(c))
	}

	return status + strings.Join(formatted, "\n---\n\n")
}

// FormatStatus summarizes the filter, the push channel and pagination.
func (f *TerminalFormatter) FormatStatus(snap engine.Snapshot) string {
	parts := []string{connectionLabel(snap.Connection)}
	if snap.Page > 0 {
		parts = append(parts, fmt.Sprintf("page %d", snap.Page))
	}
	if snap.Exhausted {
		parts = append(parts, "end of feed")
	}
	if snap.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", snap.Pending))
	}
	return fmt.Sprintf("[%s] %s", snap.Filter, strings.Join(parts, separator))
}

func connectionLabel(m supervisor.Machine) string {
	switch m.State {
	case supervisor.StateConnected:
		return "live"
	case supervisor.StateConnecting:
		return "connecting"
	case supervisor.StateBackoff:
		return fmt.Sprintf("retrying in %s", m.Delay)
	default:
		if m.Unavailable {
			return "pull-only (live updates unavailable)"
		}
		return "pull-only"
	}
}

// FormatNotice formats a user-visible notice as a one-line banner.
func (f *TerminalFormatter) FormatNotice(n engine.Notice) string {
	return "! " + n.Message + "\n"
}

// FormatTimestamp formats t relative to now.
func FormatTimestamp(t, now time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return pluralize(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return pluralize(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return pluralize(int(diff.Hours()/24), "day")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// pluralize returns "N unit ago" or "N units ago" based on count.
func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// TruncateText truncates text to maxLen, adding "..." if truncated.
func (f *TerminalFormatter) TruncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
