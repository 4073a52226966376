// Package notification delivers operator alerts for trade cycles and fatal
// errors to a log or a webhook.
package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
	"github.com/dexety/dex-trading-system/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.For("notify")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	ev := n.log.Info()
	switch alert.Level {
	case AlertWarning:
		ev = n.log.Warn()
	case AlertCritical:
		ev = n.log.Error()
	}
	ev.Str("level", string(alert.Level)).Str("title", alert.Title).Msg(alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CycleAlerter turns cycle reports into alerts. It implements
// trader.CycleSink. Cycles whose market order was canceled are only sent
// when Verbose is set.
type CycleAlerter struct {
	n       Notifier
	Verbose bool
}

// NewCycleAlerter wraps n.
func NewCycleAlerter(n Notifier) *CycleAlerter {
	return &CycleAlerter{n: n}
}

func (a *CycleAlerter) RecordCycle(ctx context.Context, r model.CycleReport) error {
	if !r.Traded() && !a.Verbose {
		return nil
	}
	return a.n.Send(ctx, CycleAlert(r))
}

// CycleAlert formats a cycle report.
func CycleAlert(r model.CycleReport) Alert {
	level := AlertInfo
	if r.Outcome == model.OutcomePositionClosed {
		level = AlertWarning
	}
	msg := fmt.Sprintf("%s %s %s: %s", r.Side, r.Quantity, r.Symbol, r.Outcome)
	if r.Traded() {
		msg = fmt.Sprintf("%s %s %s open %s close %s by %s, profit %s",
			r.Side, r.Quantity, r.Symbol, r.OpenPrice, r.ClosePrice, r.ClosedBy, r.Profit.StringFixed(6))
	}
	return Alert{
		Level:   level,
		Title:   fmt.Sprintf("cycle %d %s", r.Cycle, r.Outcome),
		Message: msg,
	}
}

// Fatal builds the alert sent before the process exits on err.
func Fatal(component string, err error) Alert {
	return Alert{
		Level:   AlertCritical,
		Title:   component + " stopped",
		Message: err.Error(),
	}
}
