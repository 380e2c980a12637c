package delivery

import (
	"fmt"
	"strings"
	"time"

	"taskmill/internal/domain"
)

// statusLabel maps a run status to its human-readable delivery header.
func statusLabel(status domain.RunStatus) string {
	switch status {
	case domain.RunSucceeded:
		return "✅ Completed"
	case domain.RunFailed:
		return "❌ Failed"
	case domain.RunTimeout:
		return "⏱️ Timed out"
	case domain.RunCancelled:
		return "🚫 Cancelled"
	default:
		return string(status)
	}
}

// renderText builds the channel message body for a payload: a short status
// header, then the summary or error, then a session reference.
func renderText(p domain.DeliveryPayload) string {
	var b strings.Builder

	duration := time.Duration(p.DurationMs) * time.Millisecond
	fmt.Fprintf(&b, "%s: %s (%s)\n", statusLabel(p.Status), p.ScheduleName, duration.Round(time.Second))

	if p.Error != "" {
		b.WriteString("\nError: " + p.Error + "\n")
	}
	if body := p.FullText; body != "" {
		b.WriteString("\n" + body + "\n")
	} else if p.Summary != "" {
		b.WriteString("\n" + p.Summary + "\n")
	}
	if p.SessionID != "" {
		b.WriteString("\nSession: " + p.SessionID)
	}
	return strings.TrimRight(b.String(), "\n")
}
