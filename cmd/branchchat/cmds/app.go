package cmds

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/speech"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/go-go-golems/branchchat/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/viper"
)

// App wires the store, settings, ledger and completion machinery for one command run.
type App struct {
	Store   *store.SQLiteStore
	Config  *config.Config
	Ledger  *usage.Ledger
	Counter *tokens.TiktokenCounter

	router       *events.EventRouter
	orchestrator *completion.Orchestrator
	manager      *conversation.Manager
}

func defaultDatabasePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "branchchat", "chat.db"), nil
}

// NewApp opens the database and loads the stored settings. The completion
// machinery is only built on first use.
func NewApp(ctx context.Context) (*App, error) {
	path := viper.GetString("db")
	if path == "" {
		var err error
		path, err = defaultDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "find database location")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}
	dsn, err := store.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("db", path).Msg("opened database")

	cfg, err := config.Load(ctx, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if v := viper.GetString("api-key"); v != "" {
		cfg.Override(config.KeyAPIKey, v)
	}
	if v := viper.GetString("model"); v != "" {
		cfg.Override(config.KeyModel, v)
	}

	counter, err := tokens.NewTiktokenCounter()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &App{
		Store:   s,
		Config:  cfg,
		Ledger:  usage.NewLedger(s),
		Counter: counter,
	}, nil
}

func (a *App) Close() error {
	// running completions still publish their last event
	if a.orchestrator != nil {
		a.orchestrator.StopAll()
		a.orchestrator.Wait()
	}
	if a.router != nil {
		_ = a.router.Close()
	}
	return a.Store.Close()
}

func (a *App) openAISettings() completion.OpenAISettings {
	return completion.OpenAISettings{
		Variant:         completion.Variant(a.Config.Get(config.KeyAPIVariant)),
		APIKey:          a.Config.Get(config.KeyAPIKey),
		BaseURL:         a.Config.Get(config.KeyBaseURL),
		AzureAPIVersion: a.Config.Get(config.KeyAzureAPIVersion),
		AzureDeployment: a.Config.Get(config.KeyAzureDeployment),
	}
}

func (a *App) provider() (completion.Provider, error) {
	settings := a.openAISettings()
	if settings.Variant == completion.VariantOllama {
		return completion.NewOllamaProvider()
	}
	return completion.NewOpenAIProvider(settings)
}

// OpenAIClient builds a client for the non chat endpoints.
func (a *App) OpenAIClient() (*go_openai.Client, error) {
	cfg, err := a.openAISettings().ClientConfig()
	if err != nil {
		return nil, err
	}
	return go_openai.NewClientWithConfig(cfg), nil
}

// Router returns the event router completions are published to.
func (a *App) Router() (*events.EventRouter, error) {
	if a.router != nil {
		return a.router, nil
	}
	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return nil, errors.Wrap(err, "create event router")
	}
	a.router = router
	return router, nil
}

func (a *App) Settings() conversation.Settings {
	return conversation.Settings{
		Model:                a.Config.Get(config.KeyModel),
		MonthlyBudget:        a.Config.GetFloat64(config.KeyMonthlyBudget),
		MaxCostPerMessage:    a.Config.GetFloat64(config.KeyMaxCostPerMessage),
		SystemPromptTemplate: a.Config.Get(config.KeySystemPrompt),
	}
}

// Manager builds the conversation manager with a completion backend.
func (a *App) Manager() (*conversation.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	p, err := a.provider()
	if err != nil {
		return nil, err
	}
	router, err := a.Router()
	if err != nil {
		return nil, err
	}
	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(events.TopicChat, router.Publisher)

	a.orchestrator = completion.NewOrchestrator(p,
		completion.WithCounter(a.Counter),
		completion.WithUsageRecorder(a.Ledger),
		completion.WithPublisherManager(publisher),
	)
	a.manager = a.newManager(a.orchestrator)
	return a.manager, nil
}

// ReadOnlyManager builds a manager for commands that never request completions.
func (a *App) ReadOnlyManager() *conversation.Manager {
	if a.manager != nil {
		return a.manager
	}
	return a.newManager(nil)
}

func (a *App) newManager(completer conversation.Completer) *conversation.Manager {
	return conversation.NewManager(a.Store, completer,
		conversation.WithLedger(a.Ledger),
		conversation.WithCounter(a.Counter),
		conversation.WithSettings(a.Settings),
		conversation.WithAutosave(
			a.Config.GetBool(config.KeyAutosave),
			"",
			a.Config.Get(config.KeyAutosaveDir),
		),
	)
}

// Synthesizer builds the configured text to speech backend.
func (a *App) Synthesizer() (speech.Synthesizer, error) {
	switch a.Config.Get(config.KeyTTSBackend) {
	case "pico2wave":
		return speech.NewPico2WaveSynthesizer("", a.Config.Get(config.KeyTTSLanguage)), nil
	case "azure", "":
		return speech.NewAzureSynthesizer(
			speech.AzureSettings{
				Region:   a.Config.Get(config.KeyTTSRegion),
				Key:      a.Config.Get(config.KeyTTSKey),
				Voice:    a.Config.Get(config.KeyTTSVoice),
				Language: a.Config.Get(config.KeyTTSLanguage),
			},
			speech.WithAudioCache(a.Store),
			speech.WithTTSRecorder(a.Ledger),
		)
	}
	return nil, errors.Errorf("unknown tts backend %q", a.Config.Get(config.KeyTTSBackend))
}

func (a *App) Player() (*speech.CommandPlayer, error) {
	return speech.NewCommandPlayer(a.Config.Get(config.KeyPlayer))
}
