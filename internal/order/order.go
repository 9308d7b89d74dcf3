// Package order defines the recurring-order domain model shared by the
// sheet adapter, the execution engine and the notification layer.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is how often a recurring order executes.
type Frequency string

const (
	FrequencyDaily   Frequency = "Daily"
	FrequencyWeekly  Frequency = "Weekly"
	FrequencyMonthly Frequency = "Monthly"
)

// ParseFrequency normalizes a sheet cell into a Frequency. Matching is
// case-insensitive and whitespace-trimmed.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return FrequencyDaily, nil
	case "weekly":
		return FrequencyWeekly, nil
	case "monthly":
		return FrequencyMonthly, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

// DueOn reports whether an order with this frequency is due at the given
// instant. The caller is responsible for passing `now` already converted to
// the business timezone.
func (f Frequency) DueOn(now time.Time) bool {
	switch f {
	case FrequencyDaily:
		return true
	case FrequencyWeekly:
		return now.Weekday() == time.Monday
	case FrequencyMonthly:
		return now.Day() == 1
	default:
		return false
	}
}

// RecurringOrder is one row of the external recurring-orders table. The row
// only lives in the sheet; the engine never caches it across runs.
type RecurringOrder struct {
	RowIndex  int    // 1-based sheet row, used solely to address writes
	Status    string // compared case-insensitively against "Active"
	Symbol    string
	PriceHint decimal.Decimal // informational, not authoritative
	AmountUSD decimal.Decimal
	QtyToBuy  int64 // takes precedence over AmountUSD when >= 1
	Frequency Frequency
	Log       string // opaque text owned by the engine
}

// IsActive reports whether the row's status cell reads Active.
func (o RecurringOrder) IsActive() bool {
	return strings.EqualFold(strings.TrimSpace(o.Status), "active")
}

// ValidationError marks a malformed row. Row-scoped: it fails that row fast
// without aborting the batch.
type ValidationError struct {
	RowIndex int
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s", e.RowIndex, e.Reason)
}

// Validate checks that the row is well-formed: a non-empty symbol, a
// recognized frequency, and either a positive share quantity or a positive
// notional amount.
func (o RecurringOrder) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return &ValidationError{RowIndex: o.RowIndex, Reason: "empty symbol"}
	}
	switch o.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return &ValidationError{RowIndex: o.RowIndex, Reason: fmt.Sprintf("unrecognized frequency %q", string(o.Frequency))}
	}
	if o.QtyToBuy < 1 && !o.AmountUSD.IsPositive() {
		return &ValidationError{RowIndex: o.RowIndex, Reason: "needs qty_to_buy >= 1 or amount_usd > 0"}
	}
	return nil
}

// Outcome classifies one execution attempt.
type Outcome string

const (
	OutcomePlaced   Outcome = "Placed"
	OutcomeRejected Outcome = "Rejected"
	OutcomeSkipped  Outcome = "Skipped"
	OutcomeError    Outcome = "Error"
)

// ExecutionResult captures one per-order attempt. FillPrice is the price used
// for notional reporting (last or mid at submission time), not a broker fill
// confirmation.
type ExecutionResult struct {
	RowIndex     int             `json:"row_index"`
	Symbol       string          `json:"symbol"`
	RequestedQty int64           `json:"requested_qty"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	OrderID      string          `json:"order_id,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	Message      string          `json:"message"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Notional is FillPrice x RequestedQty.
func (r ExecutionResult) Notional() decimal.Decimal {
	return r.FillPrice.Mul(decimal.NewFromInt(r.RequestedQty))
}

// AggregateResult summarizes one engine run.
type AggregateResult struct {
	RunID         string            `json:"run_id"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Total         int               `json:"total"`
	Successes     int               `json:"successes"`
	Failures      int               `json:"failures"`
	TotalNotional decimal.Decimal   `json:"total_notional"`
	Results       []ExecutionResult `json:"results"`
	BatchError    string            `json:"batch_error,omitempty"` // set when the run aborted before completing
}

// Accumulate folds one execution result into the aggregate.
func (a *AggregateResult) Accumulate(r ExecutionResult) {
	a.Total++
	a.Results = append(a.Results, r)
	if r.Outcome == OutcomePlaced {
		a.Successes++
		a.TotalNotional = a.TotalNotional.Add(r.Notional())
	} else {
		a.Failures++
	}
}
