package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	cases := map[string]Frequency{
		"Daily":    FrequencyDaily,
		"daily":    FrequencyDaily,
		" WEEKLY ": FrequencyWeekly,
		"Monthly":  FrequencyMonthly,
	}
	for in, want := range cases {
		got, err := ParseFrequency(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got)
	}

	_, err := ParseFrequency("fortnightly")
	assert.Error(t, err)
}

func TestFrequencyDueOn(t *testing.T) {
	est, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	monday := time.Date(2025, 9, 15, 9, 0, 0, 0, est)
	wednesday := time.Date(2025, 9, 17, 9, 0, 0, 0, est)
	firstOfMonth := time.Date(2025, 9, 1, 9, 0, 0, 0, est)

	assert.True(t, FrequencyDaily.DueOn(wednesday))
	assert.True(t, FrequencyWeekly.DueOn(monday))
	assert.False(t, FrequencyWeekly.DueOn(wednesday))
	assert.True(t, FrequencyMonthly.DueOn(firstOfMonth))
	assert.False(t, FrequencyMonthly.DueOn(monday))
}

func TestIsActive(t *testing.T) {
	assert.True(t, RecurringOrder{Status: "Active"}.IsActive())
	assert.True(t, RecurringOrder{Status: " ACTIVE "}.IsActive())
	assert.False(t, RecurringOrder{Status: "Inactive"}.IsActive())
	assert.False(t, RecurringOrder{Status: ""}.IsActive())
}

func TestValidate(t *testing.T) {
	valid := RecurringOrder{
		RowIndex:  2,
		Status:    "Active",
		Symbol:    "AAPL",
		QtyToBuy:  2,
		Frequency: FrequencyDaily,
	}
	assert.NoError(t, valid.Validate())

	byNotional := valid
	byNotional.QtyToBuy = 0
	byNotional.AmountUSD = decimal.NewFromInt(500)
	assert.NoError(t, byNotional.Validate())

	noSymbol := valid
	noSymbol.Symbol = "  "
	err := noSymbol.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")

	badFreq := valid
	badFreq.Frequency = "Sometimes"
	assert.Error(t, badFreq.Validate())

	noSize := valid
	noSize.QtyToBuy = 0
	assert.Error(t, noSize.Validate())
}

func TestAggregateAccumulate(t *testing.T) {
	var agg AggregateResult

	agg.Accumulate(ExecutionResult{
		Symbol:       "AAPL",
		RequestedQty: 2,
		FillPrice:    decimal.RequireFromString("200.00"),
		Outcome:      OutcomePlaced,
	})
	agg.Accumulate(ExecutionResult{
		Symbol:  "ZZZZZZ",
		Outcome: OutcomeRejected,
	})

	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 1, agg.Successes)
	assert.Equal(t, 1, agg.Failures)
	assert.True(t, agg.TotalNotional.Equal(decimal.RequireFromString("400.00")),
		"notional should only sum successful orders, got %s", agg.TotalNotional)
}
