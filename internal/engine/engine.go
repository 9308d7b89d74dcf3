// Package engine computes the due set and executes recurring orders against
// the broker, one row at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/alert"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/broker/ibkr"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// ErrBusy is returned when a run is already in flight. Concurrent triggers
// (scheduler tick plus manual HTTP call) never run side by side.
var ErrBusy = errors.New("an execution run is already in flight")

// Broker is the slice of the IBKR client the engine drives.
type Broker interface {
	AccountID(ctx context.Context) (string, error)
	ResolveSymbol(ctx context.Context, symbol string) (int64, error)
	GetSnapshot(ctx context.Context, conid int64, fields []int) (*ibkr.Snapshot, error)
	PlaceOrder(ctx context.Context, accountID string, req ibkr.OrderRequest) (*ibkr.OrderAck, error)
}

// Sheet is the slice of the sheet adapter the engine drives.
type Sheet interface {
	ListOrders(ctx context.Context) ([]order.RecurringOrder, error)
	AppendLog(ctx context.Context, rowIndex int, message string) error
}

// Engine owns the per-tick execution pipeline. State is in-memory only; the
// durable trail lives in the sheet and the notifier sink.
type Engine struct {
	broker   Broker
	sheet    Sheet
	notifier alert.Notifier
	loc      *time.Location

	mu        sync.Mutex
	inFlight  bool
	lastRunAt time.Time
	lastRun   *order.AggregateResult
}

// New wires an engine from its collaborators. All scheduling decisions use
// the given business timezone.
func New(broker Broker, sheet Sheet, notifier alert.Notifier, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{broker: broker, sheet: sheet, notifier: notifier, loc: loc}
}

// Snapshot is the engine's observable state for status surfaces.
type Snapshot struct {
	InFlight  bool                   `json:"in_flight"`
	LastRunAt time.Time              `json:"last_run_at,omitzero"`
	LastRun   *order.AggregateResult `json:"last_run,omitempty"`
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{InFlight: e.inFlight, LastRunAt: e.lastRunAt, LastRun: e.lastRun}
}

// tryAcquire takes the exclusive in-flight flag without blocking.
func (e *Engine) tryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return false
	}
	e.inFlight = true
	return true
}

func (e *Engine) release(result *order.AggregateResult, at time.Time) {
	e.mu.Lock()
	e.inFlight = false
	e.lastRunAt = at
	if result != nil {
		e.lastRun = result
	}
	e.mu.Unlock()
}

// ExecuteDue runs every active order whose frequency is due at `now`.
func (e *Engine) ExecuteDue(ctx context.Context, now time.Time) (*order.AggregateResult, error) {
	return e.execute(ctx, now, false, "")
}

// ExecuteManual runs active orders regardless of the calendar, optionally
// filtered to one frequency. Used by the CLI and the HTTP trigger's
// frequency override.
func (e *Engine) ExecuteManual(ctx context.Context, now time.Time, filter order.Frequency) (*order.AggregateResult, error) {
	return e.execute(ctx, now, true, filter)
}

func (e *Engine) execute(ctx context.Context, now time.Time, manual bool, filter order.Frequency) (*order.AggregateResult, error) {
	if !e.tryAcquire() {
		return nil, ErrBusy
	}

	local := now.In(e.loc)
	result, err := e.run(ctx, local, manual, filter)
	e.release(result, local)
	return result, err
}

// run executes one batch. Engine-level failures (sheet unreadable, no
// account) abort the batch but still emit a terminal notification.
func (e *Engine) run(ctx context.Context, now time.Time, manual bool, filter order.Frequency) (*order.AggregateResult, error) {
	runID := uuid.NewString()
	logger.Infof("Starting recurring orders run %s (manual=%v)", runID, manual)

	rows, err := e.sheet.ListOrders(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list recurring orders: %w", err)
		e.notifyError(ctx, err, now)
		return nil, err
	}

	active := make([]order.RecurringOrder, 0, len(rows))
	for _, row := range rows {
		if row.IsActive() {
			active = append(active, row)
		}
	}

	due := make([]order.RecurringOrder, 0, len(active))
	for _, row := range active {
		if filter != "" && row.Frequency != filter {
			continue
		}
		if !manual && !row.Frequency.DueOn(now) {
			logger.Debugf("Row %d (%s) not due today (%s)", row.RowIndex, row.Symbol, row.Frequency)
			continue
		}
		due = append(due, row)
	}

	result := &order.AggregateResult{RunID: runID, StartedAt: now}

	if len(due) == 0 {
		logger.Info("No recurring orders due today")
		result.FinishedAt = time.Now().In(e.loc)
		if err := e.notifier.NotifyIdle(ctx, active, now); err != nil {
			logger.Warnf("Idle notification failed: %v", err)
		}
		return result, nil
	}

	accountID, err := e.broker.AccountID(ctx)
	if err != nil {
		err = fmt.Errorf("failed to resolve brokerage account: %w", err)
		e.notifyError(ctx, err, now)
		return nil, err
	}

	// Strictly sequential, ascending row order: the confirmation-reply
	// protocol and order-id allocation stay deterministic.
	var logErrs error
	shuttingDown := false
	for _, row := range due {
		if !shuttingDown {
			select {
			case <-ctx.Done():
				shuttingDown = true
			default:
			}
		}

		var res order.ExecutionResult
		if shuttingDown {
			res = order.ExecutionResult{
				RowIndex:  row.RowIndex,
				Symbol:    row.Symbol,
				Outcome:   order.OutcomeSkipped,
				Message:   "shutdown",
				Timestamp: time.Now().In(e.loc),
			}
		} else {
			res = e.executeOne(ctx, accountID, row)
		}

		logErrs = multierr.Append(logErrs, e.appendRowLog(ctx, row, res))
		result.Accumulate(res)
	}
	result.FinishedAt = time.Now().In(e.loc)

	if logErrs != nil {
		logger.Warnf("Some sheet log writes failed: %v", logErrs)
	}
	if err := e.notifier.NotifyRun(ctx, result); err != nil {
		logger.Warnf("Run notification failed: %v", err)
	}
	logger.Infof("Run %s complete: %d total, %d placed, %d failed, $%s notional",
		runID, result.Total, result.Successes, result.Failures, result.TotalNotional.StringFixed(2))
	return result, nil
}

// executeOne walks a single row through resolve, price, quantity and
// placement. Failures never abort the batch; they become the row's outcome.
func (e *Engine) executeOne(ctx context.Context, accountID string, row order.RecurringOrder) order.ExecutionResult {
	res := order.ExecutionResult{
		RowIndex:  row.RowIndex,
		Symbol:    row.Symbol,
		Timestamp: time.Now().In(e.loc),
	}

	if err := row.Validate(); err != nil {
		res.Outcome = order.OutcomeRejected
		res.Message = err.Error()
		return res
	}

	conid, err := e.broker.ResolveSymbol(ctx, row.Symbol)
	if err != nil {
		logger.Warnf("Row %d: symbol %s did not resolve: %v", row.RowIndex, row.Symbol, err)
		res.Outcome = order.OutcomeRejected
		res.Message = "unresolved symbol"
		return res
	}

	price, err := e.fillPrice(ctx, conid, row)
	if err != nil {
		res.Outcome = order.OutcomeRejected
		res.Message = "no price"
		return res
	}
	res.FillPrice = price

	qty := row.QtyToBuy
	if qty < 1 {
		qty = row.AmountUSD.Div(price).IntPart()
	}
	if qty < 1 {
		res.Outcome = order.OutcomeRejected
		res.Message = "sub-share notional"
		return res
	}
	res.RequestedQty = qty

	tag := fmt.Sprintf("recurring-%s-%s", row.Symbol, res.Timestamp.Format("20060102150405"))
	ack, err := e.broker.PlaceOrder(ctx, accountID, ibkr.OrderRequest{
		Conid:     conid,
		OrderType: "MKT",
		Side:      "BUY",
		TIF:       "DAY",
		Quantity:  qty,
		COID:      tag,
	})
	if err != nil {
		logger.Errorf("Row %d: order for %s failed: %v", row.RowIndex, row.Symbol, err)
		res.Outcome = order.OutcomeError
		res.Message = err.Error()
		return res
	}

	res.OrderID = ack.OrderID
	res.Outcome = order.OutcomePlaced
	res.Message = fmt.Sprintf("%d shares @ $%s", qty, price.StringFixed(2))
	logger.Infof("Row %d: placed %s x%d @ $%s (order %s)",
		row.RowIndex, row.Symbol, qty, price.StringFixed(2), ack.OrderID)
	return res
}

// fillPrice picks last, then bid/ask midpoint, then the row's price hint.
func (e *Engine) fillPrice(ctx context.Context, conid int64, row order.RecurringOrder) (decimal.Decimal, error) {
	snap, err := e.broker.GetSnapshot(ctx, conid, []int{ibkr.FieldLast, ibkr.FieldBid, ibkr.FieldAsk})
	if err != nil {
		logger.Warnf("Row %d: snapshot for conid %d failed: %v", row.RowIndex, conid, err)
		snap = &ibkr.Snapshot{}
	}
	switch {
	case snap.Last != nil && snap.Last.IsPositive():
		return *snap.Last, nil
	case snap.Mid() != nil && snap.Mid().IsPositive():
		return *snap.Mid(), nil
	case row.PriceHint.IsPositive():
		return row.PriceHint, nil
	default:
		return decimal.Zero, fmt.Errorf("no usable price for conid %d", conid)
	}
}

// appendRowLog writes the row's outcome into its log cell. The message
// embeds a timestamp so at-least-once writes stay distinguishable.
func (e *Engine) appendRowLog(ctx context.Context, row order.RecurringOrder, res order.ExecutionResult) error {
	ts := res.Timestamp.Format("2006-01-02 15:04:05 MST")

	var line string
	if res.Outcome == order.OutcomePlaced {
		line = fmt.Sprintf("✅ %s: %s %d @ $%s | id=%s | %s",
			ts, res.Symbol, res.RequestedQty, res.FillPrice.StringFixed(2), res.OrderID, row.Frequency)
	} else {
		icon := "❌"
		if res.Outcome == order.OutcomeSkipped {
			icon = "⏭"
		}
		line = fmt.Sprintf("%s %s: %s %s: %s | id=- | %s",
			icon, ts, res.Symbol, strings.ToUpper(string(res.Outcome)), res.Message, row.Frequency)
	}

	if err := e.sheet.AppendLog(ctx, row.RowIndex, line); err != nil {
		logger.Warnf("Row %d: log append failed: %v", row.RowIndex, err)
		return err
	}
	return nil
}

func (e *Engine) notifyError(ctx context.Context, err error, now time.Time) {
	logger.Errorf("Recurring orders run aborted: %v", err)
	if nerr := e.notifier.NotifyError(ctx, err.Error(), now); nerr != nil {
		logger.Warnf("Terminal failure notification failed: %v", nerr)
	}
}

// PreviewDue lists the active orders that would execute at `now`. Used by
// the status surfaces; takes no lock and places no orders.
func (e *Engine) PreviewDue(ctx context.Context, now time.Time) ([]order.RecurringOrder, error) {
	rows, err := e.sheet.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	local := now.In(e.loc)
	var due []order.RecurringOrder
	for _, row := range rows {
		if row.IsActive() && row.Frequency.DueOn(local) {
			due = append(due, row)
		}
	}
	return due, nil
}
