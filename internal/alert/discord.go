package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// Embed colors, matching the run outcome.
const (
	colorSuccess = 0x00ff00
	colorFailure = 0xff0000
	colorMixed   = 0xffaa00
	colorInfo    = 0x0099ff
)

const (
	webhookTimeout  = 5 * time.Second
	maxDetailLines  = 5
	footerText      = "IBKR Recurring Orders"
	timestampLayout = "2006-01-02 15:04:05 MST"
)

// NotifyError means the webhook could not be delivered after the single
// retry. Non-fatal by contract: engine runs never fail on notification.
type NotifyError struct {
	Err error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notification failed: %v", e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// webhookPayload is the generic rich-embed document Discord accepts.
type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      embedFooter  `json:"footer"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// DiscordNotifier posts one webhook message per scheduler tick.
type DiscordNotifier struct {
	webhookURL string
	httpClient *http.Client
	retryDelay time.Duration
	loc        *time.Location
}

// NewDiscordNotifier creates a notifier for the given webhook URL. Timestamps
// in the payload are rendered in the business timezone.
func NewDiscordNotifier(webhookURL string, loc *time.Location) *DiscordNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &DiscordNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: webhookTimeout},
		retryDelay: 2 * time.Second,
		loc:        loc,
	}
}

// NotifyRun reports a completed engine run.
func (d *DiscordNotifier) NotifyRun(ctx context.Context, result *order.AggregateResult) error {
	title, color := runTitle(result)

	e := embed{
		Title:     title,
		Color:     color,
		Timestamp: result.FinishedAt.UTC().Format(time.RFC3339),
		Footer:    embedFooter{Text: footerText},
		Fields: []embedField{
			{
				Name: "Summary",
				Value: fmt.Sprintf("**Total:** %d\n**Success:** %d\n**Failed:** %d",
					result.Total, result.Successes, result.Failures),
				Inline: true,
			},
			{
				Name:   "Execution Time",
				Value:  result.FinishedAt.In(d.loc).Format(timestampLayout),
				Inline: true,
			},
		},
	}
	if result.Successes > 0 {
		e.Fields = append(e.Fields, embedField{
			Name:   "Total Investment",
			Value:  "$" + result.TotalNotional.StringFixed(2),
			Inline: true,
		})
	}
	if details := orderDetailLines(result.Results); details != "" {
		e.Fields = append(e.Fields, embedField{Name: "Order Details", Value: details})
	}
	if result.BatchError != "" {
		e.Fields = append(e.Fields, embedField{Name: "Batch Error", Value: result.BatchError})
	}

	return d.post(ctx, webhookPayload{Embeds: []embed{e}})
}

// NotifyIdle reports a tick with nothing due, listing up to three upcoming
// orders so the sheet owner knows the service is alive.
func (d *DiscordNotifier) NotifyIdle(ctx context.Context, active []order.RecurringOrder, now time.Time) error {
	local := now.In(d.loc)
	lines := []string{
		fmt.Sprintf("**Daily Check Complete** - %s", local.Format("Monday, January 2, 2006")),
		fmt.Sprintf("Checked %d active recurring orders", len(active)),
		"No orders scheduled for today",
	}

	var upcoming []string
	for _, o := range active {
		switch o.Frequency {
		case order.FrequencyDaily:
			upcoming = append(upcoming, fmt.Sprintf("**%s** - Tomorrow", o.Symbol))
		case order.FrequencyWeekly:
			upcoming = append(upcoming, fmt.Sprintf("**%s** - Next Monday", o.Symbol))
		case order.FrequencyMonthly:
			upcoming = append(upcoming, fmt.Sprintf("**%s** - Next Month", o.Symbol))
		}
	}
	if len(upcoming) > 0 {
		lines = append(lines, "**Upcoming:**")
		if len(upcoming) > 3 {
			lines = append(lines, upcoming[:3]...)
			lines = append(lines, fmt.Sprintf("... and %d more", len(upcoming)-3))
		} else {
			lines = append(lines, upcoming...)
		}
	}

	e := embed{
		Title:       "No orders today",
		Description: strings.Join(lines, "\n"),
		Color:       colorInfo,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Footer:      embedFooter{Text: footerText},
	}
	return d.post(ctx, webhookPayload{Embeds: []embed{e}})
}

// NotifyError reports a batch that aborted before completing.
func (d *DiscordNotifier) NotifyError(ctx context.Context, message string, now time.Time) error {
	e := embed{
		Title:       "Recurring Orders System Error",
		Description: "```" + message + "```",
		Color:       colorFailure,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Footer:      embedFooter{Text: footerText},
	}
	return d.post(ctx, webhookPayload{Embeds: []embed{e}})
}

// Close releases the notifier's idle connections.
func (d *DiscordNotifier) Close() error {
	d.httpClient.CloseIdleConnections()
	return nil
}

func runTitle(result *order.AggregateResult) (string, int) {
	switch {
	case result.BatchError != "":
		return "Recurring Orders Aborted", colorFailure
	case result.Total == 0:
		return "Recurring Orders", colorInfo
	case result.Failures == 0:
		return "Recurring Orders Executed", colorSuccess
	case result.Successes == 0:
		return "Recurring Orders Failed", colorFailure
	default:
		return "Recurring Orders Partially Executed", colorMixed
	}
}

func orderDetailLines(results []order.ExecutionResult) string {
	var lines []string
	for _, r := range results {
		if len(lines) == maxDetailLines {
			lines = append(lines, fmt.Sprintf("... and %d more orders", len(results)-maxDetailLines))
			break
		}
		switch r.Outcome {
		case order.OutcomePlaced:
			line := fmt.Sprintf("🟢 **%s**: %d shares @ $%s ($%s)",
				r.Symbol, r.RequestedQty, r.FillPrice.StringFixed(2), r.Notional().StringFixed(2))
			if r.OrderID != "" {
				line += fmt.Sprintf("\nOrder ID: `%s`", r.OrderID)
			}
			lines = append(lines, line)
		default:
			msg := r.Message
			if len(msg) > 80 {
				msg = msg[:80] + "..."
			}
			lines = append(lines, fmt.Sprintf("🔴 **%s**: %s - %s", r.Symbol, r.Outcome, msg))
		}
	}
	return strings.Join(lines, "\n\n")
}

// post delivers the payload with a single retry after 2s; a 429 response
// honors Retry-After when present. Failures are logged and wrapped but never
// take a run down.
func (d *DiscordNotifier) post(ctx context.Context, payload webhookPayload) error {
	err := d.postOnce(ctx, payload)
	if err == nil {
		return nil
	}

	delay := d.retryDelay
	var rateLimited *retryAfterError
	if errors.As(err, &rateLimited) && rateLimited.after > 0 {
		delay = rateLimited.after
	}
	logger.Warnf("Webhook delivery failed, retrying in %v: %v", delay, err)

	select {
	case <-ctx.Done():
		return &NotifyError{Err: ctx.Err()}
	case <-time.After(delay):
	}

	if err := d.postOnce(ctx, payload); err != nil {
		logger.Errorf("Webhook delivery failed after retry: %v", err)
		return &NotifyError{Err: err}
	}
	return nil
}

type retryAfterError struct {
	status int
	after  time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("webhook returned %d", e.status)
}

func (d *DiscordNotifier) postOnce(ctx context.Context, payload webhookPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		after := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				after = time.Duration(secs * float64(time.Second))
			}
		}
		return &retryAfterError{status: resp.StatusCode, after: after}
	}
	return fmt.Errorf("webhook returned %d", resp.StatusCode)
}
