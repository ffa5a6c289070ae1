// Package tui renders a live dashboard for a run: active issues, merge
// queue, failures and recent history.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/orchestrator"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstore"
)

// Tabs.
const (
	tabDashboard = iota
	tabEvents
	tabHistory
	tabCount
)

// StatusFn returns the current run snapshot.
type StatusFn func() *orchestrator.Status

// HistoryFn returns recent runs.
type HistoryFn func(limit int) ([]*runstore.Run, error)

// Model is the TUI application model
type Model struct {
	// Data sources
	statusFn  StatusFn
	historyFn HistoryFn

	// Data
	status *orchestrator.Status
	runs   []*runstore.Run
	events []orchestrator.Event

	// UI state
	width     int
	height    int
	activeTab int
	scroll    int

	lastRefresh time.Time
}

// ModelConfig holds the data sources for the TUI model
type ModelConfig struct {
	Status  StatusFn
	History HistoryFn // optional
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	return Model{
		statusFn:  cfg.Status,
		historyFn: cfg.History,
		status:    &orchestrator.Status{},
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RefreshMsg carries freshly loaded data
type RefreshMsg struct {
	Status *orchestrator.Status
	Runs   []*runstore.Run
}

// EventMsg is one orchestrator event pushed into the dashboard
type EventMsg orchestrator.Event

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		msg := RefreshMsg{Status: m.statusFn()}
		if m.historyFn != nil {
			if runs, err := m.historyFn(10); err == nil {
				msg.Runs = runs
			}
		}
		return msg
	}
}
