package usage

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

var ErrUnknownModelPrice = errors.New("unknown model price")

// Price is expressed in USD per million tokens.
type Price struct {
	Prompt     float64 `yaml:"prompt" json:"prompt"`
	Completion float64 `yaml:"completion" json:"completion"`
}

func (p Price) PromptPerToken() float64 {
	return p.Prompt / 1_000_000
}

func (p Price) CompletionPerToken() float64 {
	return p.Completion / 1_000_000
}

func (p Price) Cost(promptTokens int64, completionTokens int64) float64 {
	return (float64(promptTokens)*p.Prompt + float64(completionTokens)*p.Completion) / 1_000_000
}

type PriceTable map[string]Price

var DefaultPrices = PriceTable{
	"gpt-3.5-turbo":       {Prompt: 1.5, Completion: 2},
	"gpt-3.5-turbo-16k":   {Prompt: 3, Completion: 4},
	"gpt-3.5-turbo-1106":  {Prompt: 1, Completion: 2},
	"gpt-4":               {Prompt: 30, Completion: 60},
	"gpt-4-32k":           {Prompt: 60, Completion: 120},
	"gpt-4-1106-preview":  {Prompt: 10, Completion: 30},
	"gpt-4-turbo":         {Prompt: 10, Completion: 30},
	"gpt-4-turbo-preview": {Prompt: 10, Completion: 30},
	"gpt-4o":              {Prompt: 5, Completion: 15},
	"gpt-4o-mini":         {Prompt: 0.15, Completion: 0.6},
}

// Lookup finds the price of a model. Dated snapshots such as gpt-4-0613
// resolve to their base model.
func (t PriceTable) Lookup(model string) (Price, error) {
	if p, ok := t[model]; ok {
		return p, nil
	}

	best := ""
	for name := range t {
		if len(name) <= len(best) || !strings.HasPrefix(model, name) {
			continue
		}
		rest := model[len(name):]
		if len(rest) >= 2 && rest[0] == '-' && unicode.IsDigit(rune(rest[1])) {
			best = name
		}
	}
	if best == "" {
		return Price{}, errors.Wrapf(ErrUnknownModelPrice, "model %q", model)
	}
	return t[best], nil
}
