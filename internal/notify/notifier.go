// Package notify fans operator alerts out to the configured channels
// (Telegram, Discord). The engine only alerts on events an operator must act
// on: daily loss breaches, exit retry exhaustion, emergency exits. Routine
// lifecycle events stay on the event bus.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Severity classifies an alert for channel rendering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Body     string
	At       time.Time
}

// Sender delivers an alert over one channel.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Notifier dispatches alerts to all senders concurrently. A per-sender filter
// is not needed: the event allowlist applies uniformly, and critical alerts
// bypass it. An empty allowlist admits every event.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier builds a Notifier delivering to senders. events is the
// allowlist for non-critical alerts; empty means allow all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers an info-severity alert, subject to the event allowlist.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	return n.send(ctx, Alert{Event: event, Severity: SeverityInfo, Title: title, Body: body})
}

// Warn delivers a warning-severity alert, subject to the event allowlist.
func (n *Notifier) Warn(ctx context.Context, event, title, body string) error {
	return n.send(ctx, Alert{Event: event, Severity: SeverityWarning, Title: title, Body: body})
}

// Critical delivers an alert to every sender regardless of the allowlist.
// Used for conditions that must never be silently dropped: exit retries
// exhausted, emergency exits, daily limit breaches.
func (n *Notifier) Critical(ctx context.Context, event, title, body string) error {
	return n.dispatch(ctx, Alert{Event: event, Severity: SeverityCritical, Title: title, Body: body, At: time.Now().UTC()})
}

func (n *Notifier) send(ctx context.Context, alert Alert) error {
	if len(n.allowed) > 0 && !n.allowed[alert.Event] {
		n.logger.DebugContext(ctx, "alert filtered",
			slog.String("event", alert.Event),
		)
		return nil
	}
	alert.At = time.Now().UTC()
	return n.dispatch(ctx, alert)
}

// dispatch fans the alert out to every sender concurrently so a slow webhook
// cannot delay delivery to the others. A sender failure never cancels the
// remaining sends; Wait reports the first failure.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) error {
	if len(n.senders) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range n.senders {
		s := s
		g.Go(func() error {
			if err := s.Send(ctx, alert); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", alert.Event),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("notify: dispatch %s: %w", alert.Event, err)
	}
	return nil
}
