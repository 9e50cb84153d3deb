package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks host health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Triggers      int
	Subscribers   int
	Dropped       int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, spin string, act activity, theme Theme, width int) string {
	innerWidth := width - 4

	state := theme.Succeeded.Render("UP")
	switch {
	case !health.Connected:
		state = theme.Running.Render("CONNECTING")
	case health.Status != "" && health.Status != "ok":
		state = theme.Failed.Render(strings.ToUpper(health.Status))
	}

	title := fmt.Sprintf(" TRIGGERHOST WATCH %s", spin)
	clock := theme.Muted.Render(time.Now().Format("15:04:05"))
	gap := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-2)
	titleLine := title + strings.Repeat(" ", gap) + clock

	statusLine := fmt.Sprintf(" %s  up %s  triggers %d  watchers %d",
		state,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Triggers,
		health.Subscribers,
	)
	if health.Dropped > 0 {
		statusLine += theme.Running.Render(fmt.Sprintf("  dropped %d", health.Dropped))
	}

	last := "never"
	if !act.last.IsZero() {
		last = formatAgo(time.Since(act.last))
	}
	activityLine := fmt.Sprintf(" events %s %s  last %s",
		theme.Accent.Render(act.sparkline()),
		theme.Muted.Render(fmt.Sprintf("(%d/min)", act.total())),
		last,
	)

	return theme.Panel.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statusLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%02dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
