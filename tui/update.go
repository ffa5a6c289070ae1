package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/orchestrator"
)

const maxEvents = 200

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case RefreshMsg:
		if msg.Status != nil {
			m.status = msg.Status
		}
		if msg.Runs != nil {
			m.runs = msg.Runs
		}
		m.lastRefresh = time.Now()
		return m, nil

	case EventMsg:
		m.events = append(m.events, orchestrator.Event(msg))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
		m.scroll = 0
		return m, nil

	case "shift+tab":
		m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		m.scroll = 0
		return m, nil

	case "1":
		m.activeTab = tabDashboard
		m.scroll = 0
		return m, nil

	case "2":
		m.activeTab = tabEvents
		m.scroll = 0
		return m, nil

	case "3":
		m.activeTab = tabHistory
		m.scroll = 0
		return m, nil

	case "j", "down":
		m.scroll++
		return m, nil

	case "k", "up":
		if m.scroll > 0 {
			m.scroll--
		}
		return m, nil

	case "g":
		m.scroll = 0
		return m, nil

	case "r":
		return m, m.refreshCmd()
	}

	return m, nil
}
