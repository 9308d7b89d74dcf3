package sheet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
)

// fakeAPI is an in-memory worksheet keyed by (row, col), 1-based.
type fakeAPI struct {
	title string
	cells map[[2]int]string
	rows  int
	cols  int
}

func newFakeAPI(rows [][]string) *fakeAPI {
	f := &fakeAPI{title: "Recurring Orders", cells: map[[2]int]string{}}
	for r, row := range rows {
		for c, v := range row {
			f.set(r+1, c+1, v)
		}
	}
	return f
}

func (f *fakeAPI) set(row, col int, v string) {
	f.cells[[2]int{row, col}] = v
	if row > f.rows {
		f.rows = row
	}
	if col > f.cols {
		f.cols = col
	}
}

func (f *fakeAPI) WorksheetTitle(ctx context.Context, index int) (string, error) {
	return f.title, nil
}

// GetRange supports the two shapes the adapter reads: "T!A1:R" and
// "T!A<n>:R<n>". Trailing empty cells are trimmed the way the live API does.
func (f *fakeAPI) GetRange(ctx context.Context, readRange string) ([][]interface{}, error) {
	_, ref, _ := strings.Cut(readRange, "!")
	start, end, _ := strings.Cut(ref, ":")

	fromRow, toRow := 1, f.rows
	if n, err := strconv.Atoi(strings.TrimLeft(start, "ABCDEFGHIJKLMNOPQR")); err == nil {
		fromRow = n
	}
	if n, err := strconv.Atoi(strings.TrimLeft(end, "ABCDEFGHIJKLMNOPQR")); err == nil {
		toRow = n
	}

	var out [][]interface{}
	for r := fromRow; r <= toRow && r <= f.rows; r++ {
		width := 0
		for c := 1; c <= f.cols; c++ {
			if f.cells[[2]int{r, c}] != "" {
				width = c
			}
		}
		row := make([]interface{}, width)
		for c := 1; c <= width; c++ {
			row[c-1] = f.cells[[2]int{r, c}]
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeAPI) UpdateCell(ctx context.Context, cellRange, value string) error {
	_, ref, _ := strings.Cut(cellRange, "!")
	col := 0
	i := 0
	for ; i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z'; i++ {
		col = col*26 + int(ref[i]-'A') + 1
	}
	row, err := strconv.Atoi(ref[i:])
	if err != nil {
		return fmt.Errorf("bad cell ref %q", cellRange)
	}
	f.set(row, col, value)
	return nil
}

func TestSpreadsheetIDFromURL(t *testing.T) {
	id, err := SpreadsheetIDFromURL("https://docs.google.com/spreadsheets/d/1aBc_D-9/edit#gid=0")
	require.NoError(t, err)
	assert.Equal(t, "1aBc_D-9", id)

	_, err = SpreadsheetIDFromURL("https://example.com/not-a-sheet")
	assert.Error(t, err)
}

func TestListOrders(t *testing.T) {
	api := newFakeAPI([][]string{
		{"Status", " stock symbol ", "Price", "Amount", "Qty to buy", "Frequency", "Log", "Notes"},
		{"Active", "aapl", "200.00", "", "2", "Daily", "seed"},
		{"Inactive", "SPY", "", "$1,500.00", "", "Weekly", ""},
		{"Active", "VTI", "", "250", "", "monthly", ""},
	})
	a := NewWithAPI(api, 0, zap.NewNop())

	got, err := a.ListOrders(context.Background())
	require.NoError(t, err)

	want := []order.RecurringOrder{
		{
			RowIndex:  2,
			Status:    "Active",
			Symbol:    "AAPL",
			PriceHint: decimal.RequireFromString("200.00"),
			QtyToBuy:  2,
			Frequency: order.FrequencyDaily,
			Log:       "seed",
		},
		{
			RowIndex:  3,
			Status:    "Inactive",
			Symbol:    "SPY",
			AmountUSD: decimal.RequireFromString("1500.00"),
			Frequency: order.FrequencyWeekly,
		},
		{
			RowIndex:  4,
			Status:    "Active",
			Symbol:    "VTI",
			AmountUSD: decimal.NewFromInt(250),
			Frequency: order.FrequencyMonthly,
		},
	}

	opts := cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("ListOrders mismatch (-want +got):\n%s", diff)
	}
}

func TestListOrdersMissingColumns(t *testing.T) {
	api := newFakeAPI([][]string{
		{"Status", "Price", "Log"},
		{"Active", "200.00", ""},
	})
	a := NewWithAPI(api, 0, zap.NewNop())

	_, err := a.ListOrders(context.Background())
	var schemaErr *SheetSchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Missing, "Stock Symbol")
	assert.Contains(t, schemaErr.Missing, "Frequency")
	assert.Contains(t, schemaErr.Missing, "Amount or Qty to buy")
}

func TestListOrdersKeepsUnknownFrequencyForValidation(t *testing.T) {
	api := newFakeAPI([][]string{
		{"Status", "Stock Symbol", "Amount", "Frequency"},
		{"Active", "AAPL", "100", "Sometimes"},
	})
	a := NewWithAPI(api, 0, zap.NewNop())

	got, err := a.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Error(t, got[0].Validate())
}

func TestAppendLogUsesFirstEmptyColumn(t *testing.T) {
	api := newFakeAPI([][]string{
		{"Status", "Stock Symbol", "Price", "Amount", "Qty to buy", "Frequency"},
		{"Active", "AAPL", "", "", "2", "Daily"},
	})
	a := NewWithAPI(api, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, a.AppendLog(ctx, 2, "first"))
	assert.Equal(t, "first", api.cells[[2]int{2, 7}], "first append lands in G")

	require.NoError(t, a.AppendLog(ctx, 2, "second"))
	assert.Equal(t, "second", api.cells[[2]int{2, 8}], "second append lands in H")
}

func TestAppendLogTruncatesWhenFull(t *testing.T) {
	header := []string{"Status", "Stock Symbol", "Price", "Amount", "Qty to buy", "Frequency"}
	row := make([]string, 18)
	copy(row, []string{"Active", "AAPL", "", "", "2", "Daily"})
	for c := 6; c < 18; c++ {
		row[c] = fmt.Sprintf("old-%d", c)
	}
	api := newFakeAPI([][]string{header, row})
	a := NewWithAPI(api, 0, zap.NewNop())

	require.NoError(t, a.AppendLog(context.Background(), 2, "newest"))
	assert.Equal(t, "[log full] newest", api.cells[[2]int{2, 18}],
		"a full row overwrites the last log column with a truncation marker")
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(1))
	assert.Equal(t, "G", columnLetter(7))
	assert.Equal(t, "R", columnLetter(18))
	assert.Equal(t, "Z", columnLetter(26))
	assert.Equal(t, "AA", columnLetter(27))
}
