package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// BudgetExceededError is returned when the spend of the current month reached the monthly budget.
type BudgetExceededError struct {
	Budget float64
	Spent  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget of $%.2f exceeded: $%.2f spent this month", e.Budget, e.Spent)
}

// Cost is the spend of a period. Models whose price is unknown are listed
// in Indeterminate and not included in Known.
type Cost struct {
	Known         float64  `json:"known" yaml:"known"`
	Indeterminate []string `json:"indeterminate,omitempty" yaml:"indeterminate,omitempty"`
}

type SpeechUsage struct {
	TTS []store.TTSAggregate `json:"tts" yaml:"tts"`
	STT []store.STTAggregate `json:"stt" yaml:"stt"`
}

// Ledger records usage rows and answers monthly aggregate queries.
// Months are calendar months in local time.
type Ledger struct {
	store  store.UsageStore
	prices PriceTable
	now    func() time.Time
}

type LedgerOption func(*Ledger)

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithPrices(prices PriceTable) LedgerOption {
	return func(l *Ledger) {
		l.prices = prices
	}
}

func NewLedger(s store.UsageStore, options ...LedgerOption) *Ledger {
	ret := &Ledger{
		store:  s,
		prices: DefaultPrices,
		now:    time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (l *Ledger) Prices() PriceTable {
	return l.prices
}

// PromptPricePerToken returns the USD price of one prompt token of model.
func (l *Ledger) PromptPricePerToken(model string) (float64, error) {
	p, err := l.prices.Lookup(model)
	if err != nil {
		return 0, err
	}
	return p.PromptPerToken(), nil
}

func (l *Ledger) RecordCompletion(ctx context.Context, model string, promptTokens int, completionTokens int) error {
	log.Debug().Str("model", model).Int("prompt", promptTokens).Int("completion", completionTokens).Msg("recording completion usage")
	return l.store.InsertCompletionUsage(ctx, store.CompletionUsage{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        l.now(),
	})
}

func (l *Ledger) RecordTTS(ctx context.Context, region string, characters int) error {
	return l.store.InsertTTSUsage(ctx, store.TTSUsage{
		Region:     region,
		Characters: characters,
		CreatedAt:  l.now(),
	})
}

func (l *Ledger) RecordSTT(ctx context.Context, model string, durationMs int64) error {
	return l.store.InsertSTTUsage(ctx, store.STTUsage{
		Model:      model,
		DurationMs: durationMs,
		CreatedAt:  l.now(),
	})
}

func (l *Ledger) MonthStart() time.Time {
	n := l.now().In(time.Local)
	return time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.Local)
}

// MonthlyTokenUsage returns the current month's usage grouped by model. An empty model returns all models.
func (l *Ledger) MonthlyTokenUsage(ctx context.Context, model string) ([]store.TokenUsage, error) {
	ret, err := l.store.SumCompletionUsage(ctx, l.MonthStart(), model)
	if err != nil {
		return nil, errors.Wrap(err, "monthly token usage")
	}
	return ret, nil
}

// MonthlyCost returns the current month's spend for model, or ErrUnknownModelPrice.
func (l *Ledger) MonthlyCost(ctx context.Context, model string) (float64, error) {
	price, err := l.prices.Lookup(model)
	if err != nil {
		return 0, err
	}
	rows, err := l.MonthlyTokenUsage(ctx, model)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, r := range rows {
		total += price.Cost(r.PromptTokens, r.CompletionTokens)
	}
	return total, nil
}

func (l *Ledger) MonthlyTotalCost(ctx context.Context) (*Cost, error) {
	rows, err := l.MonthlyTokenUsage(ctx, "")
	if err != nil {
		return nil, err
	}
	ret := &Cost{}
	for _, r := range rows {
		price, err := l.prices.Lookup(r.Model)
		if err != nil {
			ret.Indeterminate = append(ret.Indeterminate, r.Model)
			continue
		}
		ret.Known += price.Cost(r.PromptTokens, r.CompletionTokens)
	}
	sort.Strings(ret.Indeterminate)
	return ret, nil
}

// costEpsilon absorbs float drift when the spend lands exactly on the budget.
const costEpsilon = 1e-9

// CheckMonthlyBudget returns a *BudgetExceededError when the known spend of the
// current month meets or exceeds budget. A budget <= 0 disables the check.
func (l *Ledger) CheckMonthlyBudget(ctx context.Context, budget float64) error {
	if budget <= 0 {
		return nil
	}
	cost, err := l.MonthlyTotalCost(ctx)
	if err != nil {
		return err
	}
	if len(cost.Indeterminate) > 0 {
		log.Warn().Strs("models", cost.Indeterminate).Msg("monthly cost is indeterminate for some models, ignoring them in the budget check")
	}
	if cost.Known+costEpsilon >= budget {
		return &BudgetExceededError{Budget: budget, Spent: cost.Known}
	}
	return nil
}

func (l *Ledger) MonthlySpeechUsage(ctx context.Context) (*SpeechUsage, error) {
	since := l.MonthStart()
	tts, err := l.store.SumTTSUsage(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "monthly tts usage")
	}
	stt, err := l.store.SumSTTUsage(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "monthly stt usage")
	}
	return &SpeechUsage{TTS: tts, STT: stt}, nil
}
