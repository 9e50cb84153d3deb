package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/triggerhost/internal/events"
)

// FunctionState tracks one function discovered from trigger events.
type FunctionState struct {
	Name       string
	Running    map[string]time.Time // subject -> start
	Succeeded  int
	Failed     int
	Skipped    int
	LastStatus string
	LastRun    time.Time
	LastError  string
}

// updateFunctionState folds a trigger.* event into per-function counters.
func updateFunctionState(functions map[string]*FunctionState, e events.Event) {
	if !strings.HasPrefix(e.Type, "trigger.") || e.Type == events.TriggersReloaded {
		return
	}
	var data struct {
		Function string `json:"function"`
		Subject  string `json:"subject"`
		Path     string `json:"path"`
		Error    string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &data)
	if data.Function == "" {
		return
	}
	subject := data.Subject
	if subject == "" {
		subject = data.Path
	}

	f, ok := functions[data.Function]
	if !ok {
		f = &FunctionState{Name: data.Function, Running: make(map[string]time.Time)}
		functions[data.Function] = f
	}

	switch e.Type {
	case events.TriggerInvoked:
		f.Running[subject] = e.At
	case events.TriggerSucceeded:
		delete(f.Running, subject)
		f.Succeeded++
		f.LastStatus = "succeeded"
		f.LastRun = e.At
		f.LastError = ""
	case events.TriggerFailed:
		delete(f.Running, subject)
		f.Failed++
		f.LastStatus = "failed"
		f.LastRun = e.At
		f.LastError = data.Error
	case events.TriggerSkipped:
		f.Skipped++
	}
}

func sortedFunctionNames(functions map[string]*FunctionState) []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func renderFunctions(functions map[string]*FunctionState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(functions) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("FUNCTIONS"),
			theme.Muted.Render("  No invocations yet..."),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, name := range sortedFunctionNames(functions) {
		lines = append(lines, renderFunctionRow(i+1, functions[name], i == selected, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("FUNCTIONS")}, lines...)...,
	)
	return theme.Panel.Width(innerWidth).Render(content)
}

func renderFunctionRow(num int, f *FunctionState, isSelected bool, theme Theme) string {
	var statusStr string
	if n := len(f.Running); n > 0 {
		statusStr = theme.Running.Render(fmt.Sprintf("[%d running]", n))
	} else {
		statusStr = theme.Muted.Render("[idle]")
	}

	counts := fmt.Sprintf("%s %s %s",
		theme.Succeeded.Render(fmt.Sprintf("ok:%d", f.Succeeded)),
		theme.Failed.Render(fmt.Sprintf("fail:%d", f.Failed)),
		theme.Muted.Render(fmt.Sprintf("skip:%d", f.Skipped)),
	)

	var lastRunStr string
	if !f.LastRun.IsZero() {
		lastRunStr = fmt.Sprintf("Last: %s %s", formatAgo(time.Since(f.LastRun)), statusIcon(f.LastStatus, theme))
	}

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	var line strings.Builder
	fmt.Fprintf(&line, " %d. %s  %s  %s  %s",
		num,
		nameStyle.Render(fmt.Sprintf("%-24s", f.Name)),
		statusStr,
		counts,
		lastRunStr,
	)

	if isSelected {
		subjects := make([]string, 0, len(f.Running))
		for s := range f.Running {
			subjects = append(subjects, s)
		}
		sort.Strings(subjects)
		for _, s := range subjects {
			fmt.Fprintf(&line, "\n    └─ %s %s",
				theme.Accent.Render(s),
				theme.Muted.Render(time.Since(f.Running[s]).Round(time.Millisecond).String()),
			)
		}
		if f.LastError != "" {
			fmt.Fprintf(&line, "\n    %s", theme.Failed.Render(truncate(f.LastError, 80)))
		}
	}

	return line.String()
}

func statusIcon(status string, theme Theme) string {
	switch status {
	case "succeeded":
		return theme.Succeeded.Render("✅")
	case "failed":
		return theme.Failed.Render("❌")
	default:
		return ""
	}
}

func formatAgo(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
