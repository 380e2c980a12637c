package scheduling

import (
	"strings"
	"time"
)

// TemplateContext carries the values behind the built-in placeholders.
type TemplateContext struct {
	Now       time.Time
	AgentName string
	LastRun   *time.Time
	Variables map[string]string
}

const dateLayout = "2006-01-02"

// ResolveTemplate substitutes built-in placeholders first, then user-defined
// variables. Unresolved placeholders are left verbatim; resolution never
// fails.
//
// Built-ins: {{current_time}}, {{today}}, {{yesterday}}, {{last_7_days}},
// {{last_30_days}}, {{weekday}}, {{month}}, {{agent_name}}, {{last_run}}.
func ResolveTemplate(tpl string, tc TemplateContext) string {
	now := tc.Now
	if now.IsZero() {
		now = time.Now()
	}

	lastRun := "never"
	if tc.LastRun != nil {
		lastRun = tc.LastRun.Format(time.RFC3339)
	}

	builtins := map[string]string{
		"current_time": now.Format("2006-01-02 15:04:05 MST"),
		"today":        now.Format(dateLayout),
		"yesterday":    now.AddDate(0, 0, -1).Format(dateLayout),
		"last_7_days":  dateRange(now, 7),
		"last_30_days": dateRange(now, 30),
		"weekday":      now.Weekday().String(),
		"month":        now.Month().String(),
		"agent_name":   tc.AgentName,
		"last_run":     lastRun,
	}

	out := tpl
	for name, value := range builtins {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	for name, value := range tc.Variables {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}

// dateRange renders "start to end" for the trailing n days ending today.
func dateRange(now time.Time, days int) string {
	start := now.AddDate(0, 0, -days)
	return start.Format(dateLayout) + " to " + now.Format(dateLayout)
}
