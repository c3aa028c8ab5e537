package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nous-labs/relay/pkg/history"
)

// ErrMissingCredential is returned by Validate when the selected platform
// has no credential configured.
var ErrMissingCredential = errors.New("missing platform credential")

// Supported platforms.
const (
	PlatformDiscord = "discord"
	PlatformMatrix  = "matrix"
)

// Config holds the relay configuration.
type Config struct {
	// Identity
	Name string `json:"name"` // "relay"

	// Platform selects the channel commands arrive on: "discord" or "matrix".
	Platform string `json:"platform"`

	Discord DiscordConfig `json:"discord"`
	Matrix  MatrixConfig  `json:"matrix"`

	// Completion provider
	LLM ProviderConfig `json:"llm"`

	// Turn log
	History HistoryConfig `json:"history"`

	// Directive is the fixed system message sent first on every ask.
	Directive string `json:"directive,omitempty"`

	// MaxChunk is the largest message, in characters, sent in one piece.
	MaxChunk int `json:"max_chunk,omitempty"`

	// HTTPAddr is the ops server address (/health, /metrics, /v1/history).
	// Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token         string   `json:"token"`                    // can use env var reference: "$DISCORD_TOKEN"
	APIBase       string   `json:"api_base,omitempty"`       // default https://discord.com/api/v10
	GatewayURL    string   `json:"gateway_url,omitempty"`    // default wss://gateway.discord.gg
	ApplicationID string   `json:"application_id,omitempty"` // resolved from the token when empty
	GuildIDs      []string `json:"guild_ids,omitempty"`      // register commands per guild (instant) instead of globally
	SyncCommands  *bool    `json:"sync_commands,omitempty"`  // default true
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`    // e.g., http://synapse:8008
	UserID       string   `json:"user_id"`       // localpart, e.g., relay
	Password     string   `json:"password"`      // bot password
	ServerName   string   `json:"server_name"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // who can issue commands
	DataDir      string   `json:"data_dir"`      // saved login
}

// ProviderConfig holds settings for the completion provider.
type ProviderConfig struct {
	Provider    string  `json:"provider"`              // "openai" (any OpenAI-compatible API) or "anthropic"
	Model       string  `json:"model"`                 // e.g., "deepseek-chat"
	APIKey      string  `json:"api_key"`               // can use env var reference: "$DEEPSEEK_KEY"
	BaseURL     string  `json:"base_url,omitempty"`    // e.g., https://api.deepseek.com/v1
	MaxOutput   int     `json:"max_output,omitempty"`  // max output tokens per request
	Temperature float64 `json:"temperature,omitempty"` // sampling temperature
	Timeout     string  `json:"timeout,omitempty"`     // e.g. "60s"
}

// HistoryConfig selects the turn log backend.
type HistoryConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn"`    // file path for sqlite, URL for postgres
	Window int    `json:"window,omitempty"`
}

const (
	defaultHistoryWindow = 5
	defaultMaxChunk      = 1900
	defaultTimeout       = 60 * time.Second
	defaultTemperature   = 0.7
	defaultMaxOutput     = 1000
)

// LoadConfig reads config from a file path or environment.
// If path is empty, uses defaults built from environment variables.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.Discord.Token = resolveEnv(cfg.Discord.Token)
	cfg.Discord.ApplicationID = resolveEnv(cfg.Discord.ApplicationID)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = resolveEnv(cfg.LLM.BaseURL)
	cfg.History.DSN = resolveEnv(cfg.History.DSN)

	cfg.applyDefaults()
	if _, err := cfg.LLM.timeout(); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config using environment variables,
// suitable for a single-container deployment.
func defaultConfig() *Config {
	cfg := &Config{
		Name:     "relay",
		Platform: envOr("RELAY_PLATFORM", PlatformDiscord),
		Discord: DiscordConfig{
			Token:         os.Getenv("DISCORD_TOKEN"),
			APIBase:       envOr("DISCORD_API", ""),
			GatewayURL:    envOr("DISCORD_GATEWAY_URL", ""),
			ApplicationID: envOr("DISCORD_APPLICATION_ID", ""),
			GuildIDs:      splitList(os.Getenv("DISCORD_GUILD_IDS")),
		},
		Matrix: MatrixConfig{
			Homeserver:   envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
			UserID:       envOr("MATRIX_BOT_USER", "relay"),
			Password:     envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName:   envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
			AllowedUsers: splitList(os.Getenv("MATRIX_ALLOWED_USERS")),
			DataDir:      envOr("RELAY_DATA_DIR", "data"),
		},
		LLM: ProviderConfig{
			Provider:    envOr("RELAY_LLM_PROVIDER", "openai"),
			Model:       envOr("RELAY_LLM_MODEL", "deepseek-chat"),
			APIKey:      os.Getenv("DEEPSEEK_KEY"),
			BaseURL:     envOr("RELAY_LLM_BASE_URL", "https://api.deepseek.com/v1"),
			MaxOutput:   defaultMaxOutput,
			Temperature: defaultTemperature,
			Timeout:     envOr("RELAY_LLM_TIMEOUT", "60s"),
		},
		History: HistoryConfig{
			Driver: envOr("RELAY_HISTORY_DRIVER", history.DriverSQLite),
			DSN:    envOr("RELAY_HISTORY_DSN", "historial.db"),
			Window: defaultHistoryWindow,
		},
		HTTPAddr: envOr("RELAY_HTTP_ADDR", ":8080"),
	}
	if cfg.LLM.Provider == "anthropic" {
		// DeepSeek defaults do not apply; the SDK supplies its own.
		cfg.LLM.BaseURL = os.Getenv("RELAY_LLM_BASE_URL")
		cfg.LLM.Model = os.Getenv("RELAY_LLM_MODEL")
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every unset tunable.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "relay"
	}
	if c.Platform == "" {
		c.Platform = PlatformDiscord
	}
	if c.Directive == "" {
		c.Directive = DefaultDirective
	}
	if c.MaxChunk <= 0 {
		c.MaxChunk = defaultMaxChunk
	}
	if c.History.Driver == "" {
		c.History.Driver = history.DriverSQLite
	}
	if c.History.DSN == "" && c.History.Driver == history.DriverSQLite {
		c.History.DSN = "historial.db"
	}
	if c.History.Window <= 0 {
		c.History.Window = defaultHistoryWindow
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.MaxOutput <= 0 {
		c.LLM.MaxOutput = defaultMaxOutput
	}
	if c.LLM.Temperature <= 0 {
		c.LLM.Temperature = defaultTemperature
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = "60s"
	}
}

// Validate checks that the selected platform can authenticate. It runs
// before any connection attempt.
func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformDiscord:
		if strings.TrimSpace(c.Discord.Token) == "" {
			return fmt.Errorf("%w: DISCORD_TOKEN is not set", ErrMissingCredential)
		}
	case PlatformMatrix:
		if strings.TrimSpace(c.Matrix.Homeserver) == "" || strings.TrimSpace(c.Matrix.Password) == "" {
			return fmt.Errorf("%w: MATRIX_HOMESERVER and MATRIX_BOT_PASSWORD are required", ErrMissingCredential)
		}
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}

// timeout parses the completion timeout.
func (p ProviderConfig) timeout() (time.Duration, error) {
	if p.Timeout == "" {
		return defaultTimeout, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("llm timeout %q: %w", p.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("llm timeout %q must be positive", p.Timeout)
	}
	return d, nil
}

// syncCommands reports whether Discord slash commands are registered on start.
func (d DiscordConfig) syncCommands() bool {
	return d.SyncCommands == nil || *d.SyncCommands
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitList parses a comma-separated env value.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
