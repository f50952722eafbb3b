package usage

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time {
	return c.t
}

func setupLedger(t *testing.T, at time.Time) (*Ledger, *testClock) {
	clock := &testClock{t: at}
	return NewLedger(store.NewMemoryStore(), WithClock(clock.Now)), clock
}

func TestMonthStartIsLocalCalendarMonth(t *testing.T) {
	l, _ := setupLedger(t, time.Date(2024, 3, 17, 15, 4, 5, 0, time.Local))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local), l.MonthStart())
}

func TestMonthlyTokenUsageExcludesPreviousMonth(t *testing.T) {
	ctx := context.Background()
	l, clock := setupLedger(t, time.Date(2024, 2, 28, 23, 0, 0, 0, time.Local))
	require.NoError(t, l.RecordCompletion(ctx, "gpt-4", 1000, 100))

	clock.t = time.Date(2024, 3, 2, 9, 0, 0, 0, time.Local)
	require.NoError(t, l.RecordCompletion(ctx, "gpt-4", 10, 1))
	require.NoError(t, l.RecordCompletion(ctx, "gpt-4", 20, 2))
	require.NoError(t, l.RecordCompletion(ctx, "gpt-3.5-turbo", 5, 5))

	rows, err := l.MonthlyTokenUsage(ctx, "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(30), rows[0].PromptTokens)
	assert.Equal(t, int64(3), rows[0].CompletionTokens)
	assert.Equal(t, int64(2), rows[0].Requests)

	all, err := l.MonthlyTokenUsage(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMonthlyCost(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.Local))
	require.NoError(t, l.RecordCompletion(ctx, "gpt-4", 1_000_000, 500_000))

	cost, err := l.MonthlyCost(ctx, "gpt-4")
	require.NoError(t, err)
	assert.InDelta(t, 60.0, cost, 1e-9)

	cost, err = l.MonthlyCost(ctx, "gpt-4-0613")
	require.NoError(t, err)
	assert.Equal(t, 0.0, cost)

	_, err = l.MonthlyCost(ctx, "llama2")
	assert.True(t, errors.Is(err, ErrUnknownModelPrice))
}

func TestMonthlyTotalCostListsIndeterminateModels(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.Local))
	require.NoError(t, l.RecordCompletion(ctx, "gpt-3.5-turbo", 0, 1_000_000))
	require.NoError(t, l.RecordCompletion(ctx, "llama2", 1000, 1000))

	cost, err := l.MonthlyTotalCost(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, cost.Known, 1e-9)
	assert.Equal(t, []string{"llama2"}, cost.Indeterminate)
}

func TestCheckMonthlyBudget(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.Local))

	require.NoError(t, l.CheckMonthlyBudget(ctx, 1.0))

	// 500k completion tokens at $2 per million is exactly $1.00
	require.NoError(t, l.RecordCompletion(ctx, "gpt-3.5-turbo", 0, 250_000))
	require.NoError(t, l.CheckMonthlyBudget(ctx, 1.0))
	require.NoError(t, l.RecordCompletion(ctx, "gpt-3.5-turbo", 0, 250_000))

	err := l.CheckMonthlyBudget(ctx, 1.0)
	var exceeded *BudgetExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 1.0, exceeded.Budget)
	assert.InDelta(t, 1.0, exceeded.Spent, 1e-9)

	assert.NoError(t, l.CheckMonthlyBudget(ctx, 0))
}

func TestSpeechUsage(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.Local))
	require.NoError(t, l.RecordTTS(ctx, "westeurope", 120))
	require.NoError(t, l.RecordTTS(ctx, "westeurope", 30))
	require.NoError(t, l.RecordSTT(ctx, "whisper-1", 2500))

	u, err := l.MonthlySpeechUsage(ctx)
	require.NoError(t, err)
	require.Len(t, u.TTS, 1)
	assert.Equal(t, int64(150), u.TTS[0].Characters)
	require.Len(t, u.STT, 1)
	assert.Equal(t, int64(2500), u.STT[0].DurationMs)
}

func TestPriceLookup(t *testing.T) {
	p, err := DefaultPrices.Lookup("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, 0.15, p.Prompt)

	p, err = DefaultPrices.Lookup("gpt-4-32k-0613")
	require.NoError(t, err)
	assert.Equal(t, 60.0, p.Prompt)

	_, err = DefaultPrices.Lookup("gpt-4x")
	assert.True(t, errors.Is(err, ErrUnknownModelPrice))
}
