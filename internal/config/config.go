package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone    = "America/Los_Angeles"
	configPathEnv      = "LIFELOG_ROUTER_CONFIG"
	databaseDSNEnv     = "DATABASE_DSN"
	limitlessKeyEnv    = "LIMITLESS_API_KEY"
	openAIKeyEnv       = "OPENAI_API_KEY"
	geminiKeyEnv       = "GEMINI_API_KEY"
	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv  = "TELEGRAM_CHAT_ID"
	discordWebhookEnv  = "DISCORD_WEBHOOK_URL"
	pollIntervalEnv    = "POLL_INTERVAL"
	timezoneEnv        = "TIMEZONE"
	logLevelEnv        = "LOG_LEVEL"
	classifierProvider = "CLASSIFIER_PROVIDER"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Source       SourceConfig       `yaml:"source" toml:"source"`
	Poller       PollerConfig       `yaml:"poller" toml:"poller"`
	Trigger      TriggerConfig      `yaml:"trigger" toml:"trigger"`
	Classifier   ClassifierConfig   `yaml:"classifier" toml:"classifier"`
	Dispatch     DispatchConfig     `yaml:"dispatch" toml:"dispatch"`
	Persistence  PersistenceConfig  `yaml:"persistence" toml:"persistence"`
	Confirmation ConfirmationConfig `yaml:"confirmation" toml:"confirmation"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" toml:"scheduler"`
	Handlers     []HandlerConfig    `yaml:"handlers" toml:"handlers"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// DatabaseConfig holds the storage DSN. postgres:// selects Postgres, anything else SQLite.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// SourceConfig describes the transcript feed.
type SourceConfig struct {
	Endpoint          string   `yaml:"endpoint" toml:"endpoint"`
	APIKey            string   `yaml:"apiKey" toml:"apiKey"`
	PageLimit         int      `yaml:"pageLimit" toml:"pageLimit"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond" toml:"requestsPerSecond"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
}

// PollerConfig controls fetch cadence and resume behaviour.
type PollerConfig struct {
	Interval        Duration    `yaml:"interval" toml:"interval"`
	OverlapMargin   Duration    `yaml:"overlapMargin" toml:"overlapMargin"`
	InitialLookback Duration    `yaml:"initialLookback" toml:"initialLookback"`
	MaxPages        int         `yaml:"maxPages" toml:"maxPages"`
	Backoff         RetryConfig `yaml:"backoff" toml:"backoff"`
}

// TriggerConfig lists the phrases that mark an entry for dispatch.
type TriggerConfig struct {
	Phrase     string   `yaml:"phrase" toml:"phrase"`
	Synonyms   []string `yaml:"synonyms" toml:"synonyms"`
	WindowSize int      `yaml:"windowSize" toml:"windowSize"`
}

// ClassifierConfig selects and configures the intent classifier.
// Provider is one of chatgpt, gemini, service or none.
type ClassifierConfig struct {
	Provider          string   `yaml:"provider" toml:"provider"`
	Endpoint          string   `yaml:"endpoint" toml:"endpoint"`
	Model             string   `yaml:"model" toml:"model"`
	APIKey            string   `yaml:"apiKey" toml:"apiKey"`
	SystemPrompt      string   `yaml:"systemPrompt" toml:"systemPrompt"`
	MinConfidence     float64  `yaml:"minConfidence" toml:"minConfidence"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond" toml:"requestsPerSecond"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
}

// DispatchConfig sizes the worker pool.
type DispatchConfig struct {
	Workers     int      `yaml:"workers" toml:"workers"`
	QueueSize   int      `yaml:"queueSize" toml:"queueSize"`
	GracePeriod Duration `yaml:"gracePeriod" toml:"gracePeriod"`
}

// PersistenceConfig bounds storage retries.
type PersistenceConfig struct {
	ProcessedBy string      `yaml:"processedBy" toml:"processedBy"`
	Retry       RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig parameterises exponential backoff.
type RetryConfig struct {
	Initial     Duration `yaml:"initial" toml:"initial"`
	Max         Duration `yaml:"max" toml:"max"`
	Multiplier  float64  `yaml:"multiplier" toml:"multiplier"`
	MaxAttempts int      `yaml:"maxAttempts" toml:"maxAttempts"`
}

// ConfirmationConfig encapsulates outbound channels (Telegram, Discord).
type ConfirmationConfig struct {
	Telegram      TelegramConfig `yaml:"telegram" toml:"telegram"`
	Discord       DiscordConfig  `yaml:"discord" toml:"discord"`
	RetryInterval Duration       `yaml:"retryInterval" toml:"retryInterval"`
	MaxAttempts   int            `yaml:"maxAttempts" toml:"maxAttempts"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken" toml:"botToken"`
	ChatID   string `yaml:"chatId" toml:"chatId"`
}

// DiscordConfig points at an incoming webhook.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhookUrl" toml:"webhookUrl"`
}

// SchedulerConfig defines when handler tasks are checked.
type SchedulerConfig struct {
	Tick     Duration       `yaml:"tick" toml:"tick"`
	Timezone string         `yaml:"timezone" toml:"timezone"`
	location *time.Location `yaml:"-" toml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HandlerConfig declares one extraction handler.
type HandlerConfig struct {
	Name        string            `yaml:"name" toml:"name"`
	Enabled     bool              `yaml:"enabled" toml:"enabled"`
	Description string            `yaml:"description" toml:"description"`
	Keywords    []string          `yaml:"keywords" toml:"keywords"`
	Patterns    []string          `yaml:"patterns" toml:"patterns"`
	Prompt      string            `yaml:"prompt" toml:"prompt"`
	ImagePrompt string            `yaml:"image_prompt" toml:"image_prompt"`
	Schedule    []TaskConfig      `yaml:"schedule" toml:"schedule"`
	Options     map[string]string `yaml:"options" toml:"options"`
}

// TaskConfig binds a named handler task to a time of day.
type TaskConfig struct {
	Name string `yaml:"name" toml:"name"`
	At   string `yaml:"at" toml:"at"`
}

// Load reads configuration from $LIFELOG_ROUTER_CONFIG (if set) and applies environment overrides.
func Load() (Config, error) {
	return LoadFile(os.Getenv(configPathEnv))
}

// LoadFile reads YAML or TOML configuration from path. An empty path yields defaults.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		fileCfg, err := decode(path, raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, raw []byte) (Config, error) {
	var fileCfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, err
		}
	default:
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, err
		}
	}
	return fileCfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(limitlessKeyEnv); v != "" {
		c.Source.APIKey = v
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Confirmation.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Confirmation.Telegram.ChatID = v
	}
	if v := os.Getenv(discordWebhookEnv); v != "" {
		c.Confirmation.Discord.WebhookURL = v
	}
	if v := os.Getenv(classifierProvider); v != "" {
		c.Classifier.Provider = v
	}
	if c.Classifier.APIKey == "" {
		switch c.Classifier.Provider {
		case "chatgpt":
			c.Classifier.APIKey = os.Getenv(openAIKeyEnv)
		case "gemini":
			c.Classifier.APIKey = os.Getenv(geminiKeyEnv)
		}
	}
	if v := os.Getenv(timezoneEnv); v != "" {
		c.Scheduler.Timezone = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(pollIntervalEnv); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", pollIntervalEnv, err)
		}
		c.Poller.Interval = Duration(d)
	}
	return nil
}

// parseInterval accepts Go durations and bare seconds.
func parseInterval(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	var secs float64
	if _, err := fmt.Sscanf(v, "%g", &secs); err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("config: unknown timezone %s: %w", tz, err)
	}
	c.Scheduler.Timezone = tz
	c.Scheduler.location = loc
	return nil
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c Config) Validate() error {
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("config: poller.interval must be positive")
	}
	if c.Poller.OverlapMargin < 0 {
		return fmt.Errorf("config: poller.overlapMargin must not be negative")
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("config: dispatch.workers and dispatch.queueSize must be positive")
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return fmt.Errorf("config: classifier.minConfidence must be within [0,1]")
	}
	switch c.Classifier.Provider {
	case "chatgpt", "gemini", "service", "none", "":
	default:
		return fmt.Errorf("config: unknown classifier provider %q", c.Classifier.Provider)
	}
	seen := make(map[string]bool, len(c.Handlers))
	for _, h := range c.Handlers {
		if h.Name == "" {
			return fmt.Errorf("config: handler without name")
		}
		if seen[h.Name] {
			return fmt.Errorf("config: duplicate handler %q", h.Name)
		}
		seen[h.Name] = true
	}
	return nil
}

// EnabledHandlers returns the handlers switched on in configuration.
func (c Config) EnabledHandlers() []HandlerConfig {
	out := make([]HandlerConfig, 0, len(c.Handlers))
	for _, h := range c.Handlers {
		if h.Enabled {
			out = append(out, h)
		}
	}
	return out
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Database.DSN != "" {
		base.Database = override.Database
	}

	if override.Source.Endpoint != "" {
		base.Source.Endpoint = override.Source.Endpoint
	}
	if override.Source.APIKey != "" {
		base.Source.APIKey = override.Source.APIKey
	}
	if override.Source.PageLimit > 0 {
		base.Source.PageLimit = override.Source.PageLimit
	}
	if override.Source.RequestsPerSecond > 0 {
		base.Source.RequestsPerSecond = override.Source.RequestsPerSecond
	}
	if override.Source.Timeout > 0 {
		base.Source.Timeout = override.Source.Timeout
	}

	if override.Poller.Interval > 0 {
		base.Poller.Interval = override.Poller.Interval
	}
	if override.Poller.OverlapMargin > 0 {
		base.Poller.OverlapMargin = override.Poller.OverlapMargin
	}
	if override.Poller.InitialLookback > 0 {
		base.Poller.InitialLookback = override.Poller.InitialLookback
	}
	if override.Poller.MaxPages > 0 {
		base.Poller.MaxPages = override.Poller.MaxPages
	}
	base.Poller.Backoff = mergeRetry(base.Poller.Backoff, override.Poller.Backoff)

	if override.Trigger.Phrase != "" {
		base.Trigger.Phrase = override.Trigger.Phrase
	}
	if len(override.Trigger.Synonyms) > 0 {
		base.Trigger.Synonyms = override.Trigger.Synonyms
	}
	if override.Trigger.WindowSize > 0 {
		base.Trigger.WindowSize = override.Trigger.WindowSize
	}

	if override.Classifier.Provider != "" {
		base.Classifier.Provider = override.Classifier.Provider
	}
	if override.Classifier.Endpoint != "" {
		base.Classifier.Endpoint = override.Classifier.Endpoint
	}
	if override.Classifier.Model != "" {
		base.Classifier.Model = override.Classifier.Model
	}
	if override.Classifier.APIKey != "" {
		base.Classifier.APIKey = override.Classifier.APIKey
	}
	if override.Classifier.SystemPrompt != "" {
		base.Classifier.SystemPrompt = override.Classifier.SystemPrompt
	}
	if override.Classifier.MinConfidence > 0 {
		base.Classifier.MinConfidence = override.Classifier.MinConfidence
	}
	if override.Classifier.RequestsPerSecond > 0 {
		base.Classifier.RequestsPerSecond = override.Classifier.RequestsPerSecond
	}
	if override.Classifier.Timeout > 0 {
		base.Classifier.Timeout = override.Classifier.Timeout
	}

	if override.Dispatch.Workers > 0 {
		base.Dispatch.Workers = override.Dispatch.Workers
	}
	if override.Dispatch.QueueSize > 0 {
		base.Dispatch.QueueSize = override.Dispatch.QueueSize
	}
	if override.Dispatch.GracePeriod > 0 {
		base.Dispatch.GracePeriod = override.Dispatch.GracePeriod
	}

	if override.Persistence.ProcessedBy != "" {
		base.Persistence.ProcessedBy = override.Persistence.ProcessedBy
	}
	base.Persistence.Retry = mergeRetry(base.Persistence.Retry, override.Persistence.Retry)

	if override.Confirmation.Telegram.BotToken != "" {
		base.Confirmation.Telegram.BotToken = override.Confirmation.Telegram.BotToken
	}
	if override.Confirmation.Telegram.ChatID != "" {
		base.Confirmation.Telegram.ChatID = override.Confirmation.Telegram.ChatID
	}
	if override.Confirmation.Discord.WebhookURL != "" {
		base.Confirmation.Discord.WebhookURL = override.Confirmation.Discord.WebhookURL
	}
	if override.Confirmation.RetryInterval > 0 {
		base.Confirmation.RetryInterval = override.Confirmation.RetryInterval
	}
	if override.Confirmation.MaxAttempts > 0 {
		base.Confirmation.MaxAttempts = override.Confirmation.MaxAttempts
	}

	if override.Scheduler.Tick > 0 {
		base.Scheduler.Tick = override.Scheduler.Tick
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if len(override.Handlers) > 0 {
		base.Handlers = override.Handlers
	}

	return base
}

func mergeRetry(base, override RetryConfig) RetryConfig {
	if override.Initial > 0 {
		base.Initial = override.Initial
	}
	if override.Max > 0 {
		base.Max = override.Max
	}
	if override.Multiplier > 0 {
		base.Multiplier = override.Multiplier
	}
	if override.MaxAttempts > 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{DSN: "sqlite://lifelogrouter.db"},
		Source: SourceConfig{
			Endpoint:          "https://api.limitless.ai/v1",
			PageLimit:         10,
			RequestsPerSecond: 1,
			Timeout:           Duration(30 * time.Second),
		},
		Poller: PollerConfig{
			Interval:      Duration(2 * time.Second),
			OverlapMargin: Duration(2 * time.Minute),
			MaxPages:      10,
			Backoff: RetryConfig{
				Initial:    Duration(2 * time.Second),
				Max:        Duration(5 * time.Minute),
				Multiplier: 2,
			},
		},
		Trigger: TriggerConfig{
			Phrase:     "log that",
			Synonyms:   []string{"log this", "track that", "track this"},
			WindowSize: 5,
		},
		Classifier: ClassifierConfig{
			Provider:          "chatgpt",
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-4o-mini",
			MinConfidence:     0.7,
			RequestsPerSecond: 2,
			Timeout:           Duration(30 * time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			QueueSize:   64,
			GracePeriod: Duration(30 * time.Second),
		},
		Persistence: PersistenceConfig{
			ProcessedBy: "lifelogrouter/1",
			Retry: RetryConfig{
				Initial:     Duration(200 * time.Millisecond),
				Max:         Duration(5 * time.Second),
				Multiplier:  2,
				MaxAttempts: 5,
			},
		},
		Confirmation: ConfirmationConfig{
			RetryInterval: Duration(time.Minute),
			MaxAttempts:   10,
		},
		Scheduler: SchedulerConfig{
			Tick:     Duration(time.Minute),
			Timezone: defaultTimezone,
		},
		Handlers: defaultHandlers(),
	}
}

func defaultHandlers() []HandlerConfig {
	return []HandlerConfig{
		{
			Name:        "nutrition",
			Enabled:     true,
			Description: "Food, drinks, calories and water intake.",
			Keywords:    []string{"ate", "eat", "eating", "breakfast", "lunch", "dinner", "snack", "calories", "protein", "water", "drank", "coffee"},
			Patterns:    []string{`(?i)how (much|many) (calories|protein|water)`, `(?i)what did i eat`},
			Prompt:      "Extract every food or drink mentioned with estimated calories, protein_g, carbs_g and fat_g. Reply with JSON {\"items\": [...], \"total_calories\": number}.",
			ImagePrompt: "Identify every visible food item, estimate its portion and its calories, protein_g, carbs_g, fat_g and fiber_g. Be conservative. Reply with JSON {\"meal_description\": string, \"items\": [...], \"totals\": {...}, \"confidence\": \"high|medium|low\"}.",
			Schedule:    []TaskConfig{{Name: "daily_summary", At: "21:00"}},
		},
		{
			Name:        "workout",
			Enabled:     true,
			Description: "Exercise sessions, sets, reps, runs and rides.",
			Keywords:    []string{"workout", "gym", "run", "ran", "lifted", "reps", "sets", "miles", "exercise", "yoga"},
			Patterns:    []string{`(?i)how (many|much) (workouts|miles|reps)`},
			Prompt:      "Extract the exercise performed. Reply with JSON {\"activity\": string, \"duration_min\": number, \"details\": string}.",
		},
		{
			Name:        "sleep",
			Enabled:     true,
			Description: "Bedtime, wake time, naps and sleep quality.",
			Keywords:    []string{"slept", "sleep", "nap", "woke up", "bedtime", "insomnia"},
			Patterns:    []string{`(?i)how (did|well) i sleep`},
			Prompt:      "Extract sleep information. Reply with JSON {\"hours\": number, \"quality\": string, \"notes\": string}.",
		},
		{
			Name:        "health",
			Enabled:     false,
			Description: "Symptoms, medication and vitals.",
			Keywords:    []string{"headache", "medication", "pill", "blood pressure", "symptom", "sick"},
			Prompt:      "Extract health observations. Reply with JSON {\"observations\": [string], \"medications\": [string]}.",
		},
	}
}
