package tokens

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

const (
	// per message: role and content markers
	TokensPerMessage = 4
	// every reply is primed with the assistant role
	TokensPerReply = 2

	DefaultCacheSize = 100
)

// Message is a role/content pair as sent to the model.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Counter counts tokens. Counts are a pure function of model and text.
type Counter interface {
	CountText(model string, text string) (int, error)
	CountMessages(model string, messages []Message) (int, error)
}

type cacheKey struct {
	model string
	text  string
}

// TiktokenCounter counts tokens with the BPE codec of the requested model.
// Unknown models fall back to cl100k_base.
type TiktokenCounter struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
	cache  *lru.Cache[cacheKey, int]
}

var _ Counter = (*TiktokenCounter)(nil)

type CounterOption func(*TiktokenCounter) error

func WithCacheSize(size int) CounterOption {
	return func(c *TiktokenCounter) error {
		cache, err := lru.New[cacheKey, int](size)
		if err != nil {
			return errors.Wrap(err, "create token count cache")
		}
		c.cache = cache
		return nil
	}
}

func NewTiktokenCounter(options ...CounterOption) (*TiktokenCounter, error) {
	ret := &TiktokenCounter{
		codecs: map[string]tokenizer.Codec{},
	}
	options = append([]CounterOption{WithCacheSize(DefaultCacheSize)}, options...)
	for _, o := range options {
		if err := o(ret); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (c *TiktokenCounter) codec(model string) (tokenizer.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[model]; ok {
		return codec, nil
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		log.Debug().Str("model", model).Err(err).Msg("no tokenizer for model, falling back to cl100k_base")
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, errors.Wrap(err, "load cl100k_base codec")
		}
	}
	c.codecs[model] = codec
	return codec, nil
}

func (c *TiktokenCounter) CountText(model string, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	key := cacheKey{model: model, text: text}
	if n, ok := c.cache.Get(key); ok {
		return n, nil
	}

	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, errors.Wrapf(err, "encode text for %s", model)
	}
	c.cache.Add(key, len(ids))
	return len(ids), nil
}

func (c *TiktokenCounter) CountMessages(model string, messages []Message) (int, error) {
	return CountMessagesWith(c, model, messages)
}

// CountMessagesWith applies chat framing on top of plain text counts of the
// role and content of every message.
func CountMessagesWith(c Counter, model string, messages []Message) (int, error) {
	total := TokensPerReply
	for _, m := range messages {
		role, err := c.CountText(model, m.Role)
		if err != nil {
			return 0, err
		}
		content, err := c.CountText(model, m.Content)
		if err != nil {
			return 0, err
		}
		total += role + content + TokensPerMessage
	}
	return total, nil
}
