package tokens

import (
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultExpectedGeneratedTokens = 150
	TruncationMarker               = " ... (omitted)"
	truncationSafetyFactor         = 0.9
)

// minKeptRunes is the shortest prefix truncation leaves of the last message.
const minKeptRunes = 1

// Budgeter shrinks a message list until its estimated cost fits a per-message ceiling.
type Budgeter struct {
	counter                 Counter
	expectedGeneratedTokens int
}

type BudgeterOption func(*Budgeter)

func WithExpectedGeneratedTokens(n int) BudgeterOption {
	return func(b *Budgeter) {
		b.expectedGeneratedTokens = n
	}
}

func NewBudgeter(counter Counter, options ...BudgeterOption) *Budgeter {
	ret := &Budgeter{
		counter:                 counter,
		expectedGeneratedTokens: DefaultExpectedGeneratedTokens,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// MaxTokens converts a cost ceiling into a token ceiling.
func MaxTokens(maxCostPerMessage float64, pricePerToken float64) (int, error) {
	if pricePerToken <= 0 {
		return 0, errors.Errorf("invalid price per token %v", pricePerToken)
	}
	return int(math.Floor(maxCostPerMessage / pricePerToken)), nil
}

// Fit drops the oldest messages and then truncates the last remaining one until
// the estimated token count, including the expected reply, is within maxTokens.
// The input slice is not modified. The result is never empty for non-empty input.
//
// The fit is best effort: when the last message cannot shrink any further the
// over-budget result is returned as is. A truncated message always keeps a
// prefix of its content and is shorter than the original; a message too short
// to be truncated is left unchanged.
func (b *Budgeter) Fit(model string, messages []Message, maxTokens int) ([]Message, error) {
	if len(messages) == 0 {
		return []Message{}, nil
	}
	ret := make([]Message, len(messages))
	copy(ret, messages)

	count := func() (int, error) {
		n, err := b.counter.CountMessages(model, ret)
		if err != nil {
			return 0, err
		}
		return n + b.expectedGeneratedTokens, nil
	}

	tokens, err := count()
	if err != nil {
		return nil, err
	}

	for tokens > maxTokens && len(ret) > 1 {
		ret = ret[1:]
		if tokens, err = count(); err != nil {
			return nil, err
		}
	}

	if tokens > maxTokens {
		last := &ret[len(ret)-1]
		original := []rune(last.Content)
		markerLength := len([]rune(TruncationMarker))
		length := len(original)
		for tokens > maxTokens {
			next := int(math.Floor(float64(length) * float64(maxTokens) / float64(tokens) * truncationSafetyFactor))
			if next < minKeptRunes {
				next = minKeptRunes
			}
			// the truncated content must stay shorter than the original
			if next >= length || next+markerLength >= len(original) {
				break
			}
			length = next
			last.Content = string(original[:length]) + TruncationMarker
			if tokens, err = count(); err != nil {
				return nil, err
			}
		}
	}

	if tokens > maxTokens {
		log.Debug().Int("tokens", tokens).Int("maxTokens", maxTokens).Msg("message list still over token budget after truncation")
	}

	return ret, nil
}
