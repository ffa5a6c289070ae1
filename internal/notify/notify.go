// Package notify delivers run and issue notifications to the operator's
// desktop and to Slack.
package notify

import (
	"fmt"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/orchestrator"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	IssueID string // optional issue reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig builds the notifier stack the configuration asks for.
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var stack []Notifier
	if cfg.Desktop {
		stack = append(stack, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		stack = append(stack, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(stack) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(stack...)
}

// RunNotifier adapts a Notifier to the orchestrator's callback interface.
// Sends happen in a goroutine so a slow webhook never stalls the run loop.
type RunNotifier struct {
	inner Notifier
}

// NewRunNotifier wraps a Notifier for use by the orchestrator.
func NewRunNotifier(inner Notifier) *RunNotifier {
	return &RunNotifier{inner: inner}
}

// RunFinished announces the end-of-run tally.
func (r *RunNotifier) RunFinished(s *orchestrator.Summary) {
	typ := NotifySuccess
	title := "Run completed"
	if s.Aborted {
		typ = NotifyWarning
		title = "Run aborted"
	} else if s.Failed > 0 {
		typ = NotifyWarning
	}
	go r.inner.Send(Notification{
		Title:   title,
		Message: s.String(),
		Type:    typ,
	})
}

// IssueFailed announces a single issue failure.
func (r *RunNotifier) IssueFailed(issueID, reason string) {
	go r.inner.Send(Notification{
		Title:   fmt.Sprintf("%s failed", issueID),
		Message: reason,
		Type:    NotifyError,
		IssueID: issueID,
	})
}
