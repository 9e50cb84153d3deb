package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/triggerhost/internal/events"
)

// ListenerState tracks one object, queue or bus listener.
type ListenerState struct {
	Name       string
	LastPoll   time.Time
	Candidates int
	Completed  int
	Abandoned  int
	Poisoned   int
	Renewals   int
	LastError  string
	ErrorAt    time.Time
}

func updateListenerState(listeners map[string]*ListenerState, e events.Event) {
	var data struct {
		Listener   string `json:"listener"`
		Queue      string `json:"queue"`
		Candidates int    `json:"candidates"`
		Error      string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &data)

	name := data.Listener
	if name == "" && data.Queue != "" {
		name = "queue:" + data.Queue
	}

	switch e.Type {
	case events.ListenerPoll, events.ListenerError,
		events.MessageCompleted, events.MessageAbandoned, events.MessagePoisoned,
		events.LeaseRenewed, events.LeaseRenewFailed:
	default:
		return
	}
	if name == "" {
		name = "objects"
	}

	l, ok := listeners[name]
	if !ok {
		l = &ListenerState{Name: name}
		listeners[name] = l
	}

	switch e.Type {
	case events.ListenerPoll:
		l.LastPoll = e.At
		l.Candidates += data.Candidates
	case events.ListenerError, events.LeaseRenewFailed:
		l.LastError = data.Error
		l.ErrorAt = e.At
	case events.MessageCompleted:
		l.Completed++
	case events.MessageAbandoned:
		l.Abandoned++
	case events.MessagePoisoned:
		l.Poisoned++
	case events.LeaseRenewed:
		l.Renewals++
	}
}

func renderListeners(listeners map[string]*ListenerState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(listeners) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("LISTENERS"),
			theme.Muted.Render("  No listener activity observed yet..."),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	names := make([]string, 0, len(listeners))
	for name := range listeners {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for i, name := range names {
		if i >= 8 {
			break
		}
		lines = append(lines, renderListenerRow(listeners[name], theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("LISTENERS")}, lines...)...,
	)
	return theme.Panel.Width(innerWidth).Render(content)
}

func renderListenerRow(l *ListenerState, theme Theme) string {
	failing := !l.ErrorAt.IsZero() && l.ErrorAt.After(l.LastPoll)
	status := theme.Succeeded.Render("[ok]")
	if failing {
		status = theme.Failed.Render("[error]")
	}

	polled := "poll: -"
	if !l.LastPoll.IsZero() {
		polled = "poll: " + formatAgo(time.Since(l.LastPoll))
	}

	var stats string
	if l.Completed+l.Abandoned+l.Poisoned+l.Renewals > 0 {
		stats = fmt.Sprintf("done:%d retry:%d poison:%d renew:%d", l.Completed, l.Abandoned, l.Poisoned, l.Renewals)
	} else {
		stats = fmt.Sprintf("candidates:%d", l.Candidates)
	}

	line := fmt.Sprintf(" %-28s %s %s %s", l.Name, status, theme.Muted.Render(polled), stats)
	if failing && l.LastError != "" {
		line += " " + theme.Muted.Render(truncate(l.LastError, 60))
	}
	return line
}
