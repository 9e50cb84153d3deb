package watch

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/triggerhost/internal/events"
)

const streamRows = 10

type tone int

const (
	toneMuted tone = iota
	toneOK
	toneBusy
	toneBad
	toneInfo
)

var eventTones = map[string]tone{
	events.TriggerSucceeded:  toneOK,
	events.MessageCompleted:  toneOK,
	events.LeaseRenewed:      toneMuted,
	events.TriggerInvoked:    toneBusy,
	events.MessageAbandoned:  toneBusy,
	events.TriggerFailed:     toneBad,
	events.MessagePoisoned:   toneBad,
	events.ListenerError:     toneBad,
	events.LeaseRenewFailed:  toneBad,
	events.TriggersReloaded:  toneInfo,
	events.CandidateNotified: toneInfo,
	events.ObjectCandidate:   toneInfo,
}

func (t Theme) forTone(tn tone) lipgloss.Style {
	switch tn {
	case toneOK:
		return t.Succeeded
	case toneBusy:
		return t.Running
	case toneBad:
		return t.Failed
	case toneInfo:
		return t.Accent
	default:
		return t.Muted
	}
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	body := theme.Muted.Render("  Waiting for events...")
	if len(eventLog) > 0 {
		rows := eventLog
		if len(rows) > streamRows {
			rows = rows[:streamRows]
		}
		lines := make([]string, len(rows))
		for i, e := range rows {
			lines[i] = formatEvent(e, theme)
		}
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	}
	return theme.Panel.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("EVENT STREAM"), body),
	)
}

func formatEvent(e events.Event, theme Theme) string {
	kind := theme.forTone(eventTones[e.Type]).Width(20).Render(e.Type)
	return theme.Muted.Render(e.At.Format("15:04:05")) + " " + kind + " " + extractEventDesc(e)
}

// descFields are shown in order when present in the event payload.
var descFields = []struct {
	key    string
	format func(string) string
}{
	{key: "function"},
	{key: "listener"},
	{key: "queue"},
	{key: "subject"},
	{key: "path"},
	{key: "message_id", format: func(s string) string {
		if len(s) > 8 {
			return s[:8]
		}
		return s
	}},
	{key: "error", format: func(s string) string { return "err=" + s }},
}

func extractEventDesc(e events.Event) string {
	if !gjson.ValidBytes(e.Data) {
		return truncate(string(e.Data), 60)
	}
	var parts []string
	for _, f := range descFields {
		r := gjson.GetBytes(e.Data, f.key)
		if !r.Exists() {
			continue
		}
		s := r.String()
		if f.format != nil {
			s = f.format(s)
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}
