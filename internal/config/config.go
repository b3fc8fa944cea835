// ABOUTME: Configuration loading and validation for the seance bot
// ABOUTME: Loads TOML with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Conversation modes. Chat sends each message as an independent completion;
// Assistant keeps a backend thread per conversation.
const (
	ModeChat      = "chat"
	ModeAssistant = "assistant"
)

// Context granularities for grouping messages into conversations.
const (
	ContextRoom   = "room"
	ContextThread = "thread"
)

// Config represents the complete seance configuration.
type Config struct {
	Matrix   MatrixConfig   `toml:"matrix"`
	Backend  BackendConfig  `toml:"backend"`
	Bot      BotConfig      `toml:"bot"`
	Messages MessagesConfig `toml:"messages"`
	Store    StoreConfig    `toml:"store"`
	Logging  LoggingConfig  `toml:"logging"`
}

// MatrixConfig holds homeserver connection and authentication settings.
// Either UserID+AccessToken or Username+Password must be provided.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	RecoveryKey string `toml:"recovery_key"`
}

// BackendConfig holds LLM provider connection and generation settings.
type BackendConfig struct {
	URL             string  `toml:"url"`
	APIKey          string  `toml:"api_key"`
	Model           string  `toml:"model"`
	Temperature     float64 `toml:"temperature"`
	MaxTokens       int     `toml:"max_tokens"`
	AssistantID     string  `toml:"assistant_id"`
	RunInstructions string  `toml:"run_instructions"`

	PollInterval time.Duration `toml:"-"`
	PollTimeout  time.Duration `toml:"-"`

	// Raw string values for TOML unmarshaling
	PollIntervalRaw string `toml:"poll_interval"`
	PollTimeoutRaw  string `toml:"poll_timeout"`
}

// BotConfig holds behavior settings for the bot itself.
type BotConfig struct {
	Mode            string   `toml:"mode"`
	Context         string   `toml:"context"`
	SystemPrompt    string   `toml:"system_prompt"`
	AllowedRooms    []string `toml:"allowed_rooms"`
	AllowedUsers    []string `toml:"allowed_users"`
	CommandPrefix   string   `toml:"command_prefix"`
	TypingIndicator bool     `toml:"typing_indicator"`
	AutoJoin        bool     `toml:"auto_join"`
}

// MessagesConfig holds the user-visible notices sent when a dispatch fails.
type MessagesConfig struct {
	BackendError string `toml:"backend_error"`
	RateLimited  string `toml:"rate_limited"`
	Timeout      string `toml:"timeout"`
	Empty        string `toml:"empty"`
}

// StoreConfig holds session persistence settings.
// An empty path keeps sessions in memory for the process lifetime.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Defaults applied before validation when fields are unset.
const (
	defaultBackendURL   = "https://api.openai.com"
	defaultModel        = "gpt-4o-mini"
	defaultSystemPrompt = "You are a helpful assistant in a chat room. Answer concisely."
	defaultPollInterval = time.Second
	defaultPollTimeout  = 60 * time.Second

	defaultBackendErrorMsg = "Sorry, I couldn't reach my backend. Please try again in a moment."
	defaultRateLimitedMsg  = "Sorry, I'm being rate limited right now. Please try again shortly."
	defaultTimeoutMsg      = "Sorry, that request is taking too long. Please try again."
	defaultEmptyMsg        = "Sorry, I couldn't generate a response to that."
)

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(string(data))
}

// Parse decodes, defaults, and validates a TOML config document.
func Parse(data string) (*Config, error) {
	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(data)

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = defaultBackendURL
	}
	if c.Backend.Model == "" {
		c.Backend.Model = defaultModel
	}
	if c.Bot.Mode == "" {
		c.Bot.Mode = ModeChat
	}
	if c.Bot.Context == "" {
		c.Bot.Context = ContextRoom
	}
	if c.Bot.SystemPrompt == "" {
		c.Bot.SystemPrompt = defaultSystemPrompt
	}
	if c.Messages.BackendError == "" {
		c.Messages.BackendError = defaultBackendErrorMsg
	}
	if c.Messages.RateLimited == "" {
		c.Messages.RateLimited = defaultRateLimitedMsg
	}
	if c.Messages.Timeout == "" {
		c.Messages.Timeout = defaultTimeoutMsg
	}
	if c.Messages.Empty == "" {
		c.Messages.Empty = defaultEmptyMsg
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func (c *Config) parseDurations() error {
	c.Backend.PollInterval = defaultPollInterval
	c.Backend.PollTimeout = defaultPollTimeout

	var err error
	if c.Backend.PollIntervalRaw != "" {
		c.Backend.PollInterval, err = time.ParseDuration(c.Backend.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", c.Backend.PollIntervalRaw, err)
		}
	}
	if c.Backend.PollTimeoutRaw != "" {
		c.Backend.PollTimeout, err = time.ParseDuration(c.Backend.PollTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_timeout %q: %w", c.Backend.PollTimeoutRaw, err)
		}
	}
	return nil
}

// Validate checks that required config fields are present and consistent.
// Any failure here is fatal at startup: the bot refuses to run in an
// inconsistent mode rather than guessing.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("matrix.homeserver must be an http(s) URL")
	}

	hasToken := c.Matrix.UserID != "" && c.Matrix.AccessToken != ""
	hasPassword := c.Matrix.Username != "" && c.Matrix.Password != ""
	if !hasToken && !hasPassword {
		return fmt.Errorf("matrix auth requires user_id+access_token or username+password")
	}

	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend.api_key is required")
	}
	bu, err := url.Parse(c.Backend.URL)
	if err != nil || (bu.Scheme != "http" && bu.Scheme != "https") {
		return fmt.Errorf("backend.url must be an http(s) URL")
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		return fmt.Errorf("backend.temperature must be between 0 and 2")
	}
	if c.Backend.MaxTokens < 0 {
		return fmt.Errorf("backend.max_tokens must not be negative")
	}

	switch c.Bot.Mode {
	case ModeChat, ModeAssistant:
	default:
		return fmt.Errorf("bot.mode must be %q or %q, got %q", ModeChat, ModeAssistant, c.Bot.Mode)
	}
	if c.Bot.Mode == ModeAssistant && c.Backend.AssistantID == "" {
		return fmt.Errorf("backend.assistant_id is required when bot.mode is %q", ModeAssistant)
	}

	switch c.Bot.Context {
	case ContextRoom, ContextThread:
	default:
		return fmt.Errorf("bot.context must be %q or %q, got %q", ContextRoom, ContextThread, c.Bot.Context)
	}

	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.poll_interval must be positive")
	}
	if c.Backend.PollTimeout < c.Backend.PollInterval {
		return fmt.Errorf("backend.poll_timeout must be at least poll_interval")
	}

	return nil
}
