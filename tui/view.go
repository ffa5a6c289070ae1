package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstore"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("226")).
			MarginTop(1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

var tabNames = [tabCount]string{"Dashboard", "Events", "History"}

// View renders the UI
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeTab {
	case tabDashboard:
		b.WriteString(m.renderDashboard())
	case tabEvents:
		b.WriteString(m.renderEvents())
	case tabHistory:
		b.WriteString(m.renderHistory())
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderHeader() string {
	st := m.status
	title := titleStyle.Render("ll-orch")
	if st.RunID == "" {
		return title + mutedStyle.Render("  no run")
	}

	state := "idle"
	if st.Running {
		state = runningStyle.Render("running")
	}
	line := fmt.Sprintf("%s  run %s  wave %s  %s", title, st.RunID, st.Wave, state)
	if st.MergePaused {
		line += "  " + warningStyle.Render("MERGES PAUSED")
	}
	return line
}

func (m Model) renderTabs() string {
	parts := make([]string, 0, tabCount)
	for i, name := range tabNames {
		label := fmt.Sprintf("[%d] %s", i+1, name)
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(label))
		} else {
			parts = append(parts, tabInactiveStyle.Render(label))
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderDashboard() string {
	st := m.status
	var b strings.Builder

	b.WriteString(sectionStyle.Render("Active"))
	b.WriteString("\n")
	if len(st.Active) == 0 {
		b.WriteString(mutedStyle.Render("  none"))
		b.WriteString("\n")
	} else {
		active := append([]string(nil), st.Active...)
		sort.Strings(active)
		for _, id := range active {
			b.WriteString(fmt.Sprintf("  %s %s%s\n",
				runningStyle.Render("●"), id, m.elapsedFor(id)))
		}
	}

	if len(st.PendingMerge) > 0 {
		b.WriteString(sectionStyle.Render("Pending merge"))
		b.WriteString("\n")
		for _, id := range st.PendingMerge {
			b.WriteString(fmt.Sprintf("  %s %s\n", queuedStyle.Render("◌"), id))
		}
	}

	b.WriteString(sectionStyle.Render("Completed"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %d merged, %d closed\n", len(st.Completed), len(st.Closed)))

	if len(st.Failed) > 0 {
		b.WriteString(sectionStyle.Render("Failed"))
		b.WriteString("\n")
		ids := make([]string, 0, len(st.Failed))
		for id := range st.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b.WriteString(fmt.Sprintf("  %s %s  %s\n",
				warningStyle.Render("✗"), id, mutedStyle.Render(truncate(st.Failed[id], 60))))
		}
	}

	return b.String()
}

// elapsedFor renders how long an active issue has been running, when the
// snapshot carries timing for it.
func (m Model) elapsedFor(id string) string {
	if m.status.StartedAt.IsZero() {
		return ""
	}
	t, ok := m.status.Timing[id]
	if !ok || t == nil {
		return ""
	}
	spent := t.Setup + t.Validate + t.Implement
	if spent <= 0 {
		return ""
	}
	return mutedStyle.Render(fmt.Sprintf("  %s", spent.Round(time.Second)))
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return mutedStyle.Render("\n  no events yet\n")
	}

	rows := m.visibleRows()
	events := m.events
	// Newest last; scroll offsets from the tail.
	start := len(events) - rows - m.scroll
	if start < 0 {
		start = 0
	}
	end := start + rows
	if end > len(events) {
		end = len(events)
	}

	var b strings.Builder
	b.WriteString("\n")
	for _, ev := range events[start:end] {
		b.WriteString(fmt.Sprintf("  %s  %-14s %-10s %s\n",
			mutedStyle.Render(ev.Time.Format("15:04:05")),
			ev.Type, ev.IssueID, truncate(ev.Detail, 50)))
	}
	return b.String()
}

func (m Model) renderHistory() string {
	if len(m.runs) == 0 {
		return mutedStyle.Render("\n  no recorded runs\n")
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-28s %-10s %6s %6s %6s  %s",
		"RUN", "STATUS", "MERGED", "FAILED", "CLOSED", "STARTED")))
	b.WriteString("\n")

	runs := m.runs
	if m.scroll < len(runs) {
		runs = runs[m.scroll:]
	}
	for _, r := range runs {
		status := r.Status
		switch status {
		case runstore.RunAborted:
			status = warningStyle.Render(status)
		case runstore.RunRunning:
			status = runningStyle.Render(status)
		}
		b.WriteString(fmt.Sprintf("  %-28s %-10s %6d %6d %6d  %s\n",
			truncate(r.ID, 28), status, r.Completed, r.Failed, r.Closed,
			mutedStyle.Render(humanize.Time(r.StartedAt))))
	}
	return b.String()
}

func (m Model) renderStatusBar() string {
	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = humanize.Time(m.lastRefresh)
	}
	return statusBarStyle.Render(fmt.Sprintf(
		"q quit · tab switch · j/k scroll · r refresh · updated %s", refreshed))
}

// visibleRows estimates how many content rows fit under the chrome.
func (m Model) visibleRows() int {
	rows := m.height - 6
	if rows < 5 {
		rows = 5
	}
	return rows
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
