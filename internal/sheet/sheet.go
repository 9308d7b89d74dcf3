// Package sheet reads and writes the recurring-orders worksheet on Google
// Sheets using a service-account credential.
package sheet

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/config"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
)

// Log cells start at column G and extend through column R. When every slot is
// taken the last one is overwritten with a truncation marker.
const (
	firstLogColumn = 7  // G
	lastLogColumn  = 18 // R

	truncationMarker = "[log full] "
)

// SheetSchemaError means the worksheet's header row is missing required
// columns.
type SheetSchemaError struct {
	Missing []string
}

func (e *SheetSchemaError) Error() string {
	return fmt.Sprintf("worksheet is missing required columns: %s", strings.Join(e.Missing, ", "))
}

// SheetIOError wraps a transport failure talking to the spreadsheet API.
type SheetIOError struct {
	Op  string
	Err error
}

func (e *SheetIOError) Error() string {
	return fmt.Sprintf("sheet %s failed: %v", e.Op, e.Err)
}

func (e *SheetIOError) Unwrap() error { return e.Err }

// valuesAPI is the narrow slice of the Sheets API the adapter needs. Tests
// substitute an in-memory implementation.
type valuesAPI interface {
	WorksheetTitle(ctx context.Context, index int) (string, error)
	GetRange(ctx context.Context, readRange string) ([][]interface{}, error)
	UpdateCell(ctx context.Context, cellRange, value string) error
}

// Adapter serializes all worksheet access through one mutex; the underlying
// API client is not assumed re-entrant.
type Adapter struct {
	mu             sync.Mutex
	api            valuesAPI
	worksheetIndex int
	worksheetTitle string
	log            *zap.Logger
}

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetIDFromURL extracts the document id from a Google Sheets URL.
func SpreadsheetIDFromURL(url string) (string, error) {
	m := spreadsheetIDPattern.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("cannot extract spreadsheet id from URL %q", url)
	}
	return m[1], nil
}

// New builds an adapter over the live Sheets API.
func New(ctx context.Context, cfg config.SheetConf, log *zap.Logger) (*Adapter, error) {
	id, err := SpreadsheetIDFromURL(cfg.SpreadsheetURL)
	if err != nil {
		return nil, err
	}
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsPath),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build sheets service: %w", err)
	}
	return &Adapter{
		api:            &googleValuesAPI{svc: svc, spreadsheetID: id},
		worksheetIndex: cfg.WorksheetIndex,
		log:            log,
	}, nil
}

// NewWithAPI builds an adapter over a custom API implementation. Used by
// tests and local tooling.
func NewWithAPI(api valuesAPI, worksheetIndex int, log *zap.Logger) *Adapter {
	return &Adapter{api: api, worksheetIndex: worksheetIndex, log: log}
}

func (a *Adapter) title(ctx context.Context) (string, error) {
	if a.worksheetTitle != "" {
		return a.worksheetTitle, nil
	}
	title, err := a.api.WorksheetTitle(ctx, a.worksheetIndex)
	if err != nil {
		return "", &SheetIOError{Op: "worksheet lookup", Err: err}
	}
	a.worksheetTitle = title
	return title, nil
}

// Header names are matched case-insensitively after trimming; unknown columns
// are ignored.
func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

type columnMap struct {
	status, symbol, price, amount, qty, frequency, log int // 0-based, -1 when absent
}

func resolveColumns(header []interface{}) (*columnMap, error) {
	cols := &columnMap{status: -1, symbol: -1, price: -1, amount: -1, qty: -1, frequency: -1, log: -1}
	for i, cell := range header {
		switch normalizeHeader(fmt.Sprint(cell)) {
		case "status":
			cols.status = i
		case "stock symbol", "symbol":
			cols.symbol = i
		case "price":
			cols.price = i
		case "amount", "amount usd":
			cols.amount = i
		case "qty to buy", "qty", "quantity":
			cols.qty = i
		case "frequency":
			cols.frequency = i
		case "log":
			cols.log = i
		}
	}

	var missing []string
	if cols.status < 0 {
		missing = append(missing, "Status")
	}
	if cols.symbol < 0 {
		missing = append(missing, "Stock Symbol")
	}
	if cols.frequency < 0 {
		missing = append(missing, "Frequency")
	}
	if cols.amount < 0 && cols.qty < 0 {
		missing = append(missing, "Amount or Qty to buy")
	}
	if len(missing) > 0 {
		return nil, &SheetSchemaError{Missing: missing}
	}
	return cols, nil
}

func cellString(row []interface{}, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[col]))
}

func cellDecimal(row []interface{}, col int) decimal.Decimal {
	s := cellString(row, col)
	if s == "" {
		return decimal.Zero
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ListOrders reads every data row of the worksheet into the domain model.
// Row 1 is the header; data begins at row 2. Row indexes are preserved so
// writes can address their origin.
func (a *Adapter) ListOrders(ctx context.Context) ([]order.RecurringOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	title, err := a.title(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := a.api.GetRange(ctx, fmt.Sprintf("%s!A1:%s", title, columnLetter(lastLogColumn)))
	if err != nil {
		return nil, &SheetIOError{Op: "read", Err: err}
	}
	if len(rows) == 0 {
		return nil, &SheetSchemaError{Missing: []string{"header row"}}
	}

	cols, err := resolveColumns(rows[0])
	if err != nil {
		return nil, err
	}

	orders := make([]order.RecurringOrder, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rowIndex := i + 2
		freq, ferr := order.ParseFrequency(cellString(row, cols.frequency))
		if ferr != nil {
			// Leave the raw cell so validation can name the problem.
			freq = order.Frequency(cellString(row, cols.frequency))
		}

		qty := int64(0)
		if d := cellDecimal(row, cols.qty); !d.IsZero() {
			qty = d.IntPart()
		}

		orders = append(orders, order.RecurringOrder{
			RowIndex:  rowIndex,
			Status:    cellString(row, cols.status),
			Symbol:    strings.ToUpper(cellString(row, cols.symbol)),
			PriceHint: cellDecimal(row, cols.price),
			AmountUSD: cellDecimal(row, cols.amount),
			QtyToBuy:  qty,
			Frequency: freq,
			Log:       cellString(row, cols.log),
		})
	}
	if a.log != nil {
		a.log.Debug("read recurring orders", zap.Int("rows", len(orders)))
	}
	return orders, nil
}

// AppendLog writes message into the first empty log column (G, H, I, ...)
// of the row. When every preconfigured slot is taken, the last one is
// overwritten with a truncation marker. Writes are at-least-once; callers
// embed a timestamp so duplicates are distinguishable.
func (a *Adapter) AppendLog(ctx context.Context, rowIndex int, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	title, err := a.title(ctx)
	if err != nil {
		return err
	}

	rowRange := fmt.Sprintf("%s!A%d:%s%d", title, rowIndex, columnLetter(lastLogColumn), rowIndex)
	rows, err := a.api.GetRange(ctx, rowRange)
	if err != nil {
		return &SheetIOError{Op: "read row", Err: err}
	}

	used := 0
	if len(rows) > 0 {
		used = len(rows[0])
	}
	next := used + 1
	if next < firstLogColumn {
		next = firstLogColumn
	}
	if next > lastLogColumn {
		next = lastLogColumn
		message = truncationMarker + message
	}

	cell := fmt.Sprintf("%s!%s%d", title, columnLetter(next), rowIndex)
	if err := a.api.UpdateCell(ctx, cell, message); err != nil {
		return &SheetIOError{Op: "write", Err: err}
	}
	if a.log != nil {
		a.log.Info("appended execution log", zap.Int("row", rowIndex), zap.String("cell", cell))
	}
	return nil
}

// columnLetter converts a 1-based column number to its A1 letter form.
func columnLetter(col int) string {
	var s string
	for col > 0 {
		col--
		s = string(rune('A'+col%26)) + s
		col /= 26
	}
	return s
}

// --- Live API binding ---

type googleValuesAPI struct {
	svc           *sheets.Service
	spreadsheetID string
}

func (g *googleValuesAPI) WorksheetTitle(ctx context.Context, index int) (string, error) {
	doc, err := g.svc.Spreadsheets.Get(g.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(doc.Sheets) {
		return "", fmt.Errorf("worksheet index %d out of range (%d sheets)", index, len(doc.Sheets))
	}
	return doc.Sheets[index].Properties.Title, nil
}

func (g *googleValuesAPI) GetRange(ctx context.Context, readRange string) ([][]interface{}, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (g *googleValuesAPI) UpdateCell(ctx context.Context, cellRange, value string) error {
	body := &sheets.ValueRange{Values: [][]interface{}{{value}}}
	_, err := g.svc.Spreadsheets.Values.Update(g.spreadsheetID, cellRange, body).
		ValueInputOption("RAW").Context(ctx).Do()
	return err
}
