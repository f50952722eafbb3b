package config

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

const (
	KeyModel             = "model"
	KeyAPIVariant        = "api_variant"
	KeyAPIKey            = "api_key"
	KeyBaseURL           = "base_url"
	KeyAzureDeployment   = "azure_deployment"
	KeyAzureAPIVersion   = "azure_api_version"
	KeyMonthlyBudget     = "monthly_budget"
	KeyMaxCostPerMessage = "max_cost_per_message"
	KeySystemPrompt      = "system_prompt"
	KeyAutosave          = "autosave"
	KeyAutosaveDir       = "autosave_dir"

	KeyTTSBackend  = "tts_backend"
	KeyTTSRegion   = "tts_region"
	KeyTTSKey      = "tts_key"
	KeyTTSVoice    = "tts_voice"
	KeyTTSLanguage = "tts_language"
	KeySTTLanguage = "stt_language"
	KeyPlayer      = "player_command"

	KeyTheme = "theme"
)

var defaults = map[string]string{
	KeyModel:             "gpt-3.5-turbo",
	KeyAPIVariant:        "openai",
	KeyMonthlyBudget:     "0",
	KeyMaxCostPerMessage: "0.05",
	KeyAutosave:          "false",
	KeyTTSBackend:        "azure",
	KeyTTSRegion:         "eastus",
	KeyTTSVoice:          "en-US-JennyNeural",
	KeyTTSLanguage:       "en-US",
	KeySTTLanguage:       "en",
	KeyPlayer:            "ffplay -nodisp -autoexit -loglevel quiet -",
	KeyTheme:             "dark",
}

var secrets = map[string]bool{
	KeyAPIKey: true,
	KeyTTSKey: true,
}

// IsSecret reports whether values of key should not be displayed.
func IsSecret(key string) bool {
	return secrets[key]
}

func Default(key string) (string, bool) {
	v, ok := defaults[key]
	return v, ok
}

// Config mirrors the persistent key/value settings in memory. Writes go to
// the store first and only then to the mirror, so a failed write leaves the
// mirror untouched. Overrides (environment, flags) shadow stored values
// without being persisted.
type Config struct {
	store store.ConfigStore

	mu        sync.RWMutex
	values    map[string]string
	overrides map[string]string
}

func Load(ctx context.Context, s store.ConfigStore) (*Config, error) {
	values, err := s.LoadConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if values == nil {
		values = map[string]string{}
	}
	log.Debug().Int("keys", len(values)).Msg("loaded config")
	return &Config{
		store:     s,
		values:    values,
		overrides: map[string]string{},
	}, nil
}

// Lookup returns the effective value of key and whether it was set anywhere,
// defaults included.
func (c *Config) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.overrides[key]; ok {
		return v, true
	}
	if v, ok := c.values[key]; ok {
		return v, true
	}
	v, ok := defaults[key]
	return v, ok
}

func (c *Config) Get(key string) string {
	v, _ := c.Lookup(key)
	return v
}

func (c *Config) GetFloat64(key string) float64 {
	v, err := cast.ToFloat64E(c.Get(key))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("invalid number in config, using default")
		return cast.ToFloat64(defaults[key])
	}
	return v
}

func (c *Config) GetBool(key string) bool {
	v, err := cast.ToBoolE(strings.TrimSpace(c.Get(key)))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("invalid boolean in config, using default")
		return cast.ToBool(defaults[key])
	}
	return v
}

func (c *Config) GetInt(key string) int {
	v, err := cast.ToIntE(c.Get(key))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("invalid integer in config, using default")
		return cast.ToInt(defaults[key])
	}
	return v
}

// Set persists value and updates the mirror.
func (c *Config) Set(ctx context.Context, key string, value string) error {
	if key == "" {
		return errors.New("empty config key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetConfig(ctx, key, value); err != nil {
		return errors.Wrapf(err, "set config %s", key)
	}
	c.values[key] = value
	return nil
}

// Delete removes the stored value, reverting key to its default.
func (c *Config) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DeleteConfig(ctx, key); err != nil {
		return errors.Wrapf(err, "delete config %s", key)
	}
	delete(c.values, key)
	return nil
}

// Override sets an in-memory value that takes precedence over the store.
func (c *Config) Override(key string, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[key] = value
}

// Snapshot returns the effective values of all known and stored keys.
func (c *Config) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := clone.Clone(defaults).(map[string]string)
	for k, v := range c.values {
		ret[k] = v
	}
	for k, v := range c.overrides {
		ret[k] = v
	}
	return ret
}

func (c *Config) Keys() []string {
	ret := []string{}
	for k := range c.Snapshot() {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
