// Package alert handles sending notifications.
package alert

import (
	"context"
	"time"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
)

// Notifier is the interface for fanning out human-readable run reports.
type Notifier interface {
	// NotifyRun reports a completed engine run, successes and failures alike.
	NotifyRun(ctx context.Context, result *order.AggregateResult) error
	// NotifyIdle reports a tick whose due set was empty, previewing upcoming orders.
	NotifyIdle(ctx context.Context, active []order.RecurringOrder, now time.Time) error
	// NotifyError reports a batch that aborted before completing.
	NotifyError(ctx context.Context, message string, now time.Time) error
	Close() error
}

// NoOpNotifier is a notifier that does nothing. It is used when alerting is disabled.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// NotifyRun does nothing and returns nil. It's a no-op implementation.
func (n *NoOpNotifier) NotifyRun(ctx context.Context, result *order.AggregateResult) error {
	return nil
}

// NotifyIdle does nothing and returns nil.
func (n *NoOpNotifier) NotifyIdle(ctx context.Context, active []order.RecurringOrder, now time.Time) error {
	return nil
}

// NotifyError does nothing and returns nil.
func (n *NoOpNotifier) NotifyError(ctx context.Context, message string, now time.Time) error {
	return nil
}

// Close does nothing and returns nil.
func (n *NoOpNotifier) Close() error {
	return nil
}
