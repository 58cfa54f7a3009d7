// Package config provides YAML-based configuration loading for chorus.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PayloadPlaceholder is the single substitution point in the group header.
const PayloadPlaceholder = "{payload}"

// Config is the top-level chorus configuration, loaded from chorus.yaml.
type Config struct {
	Platform   string           `yaml:"platform"` // "discord" or "slack"
	Discord    DiscordConfig    `yaml:"discord"`
	Slack      SlackConfig      `yaml:"slack"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Generation GenerationConfig `yaml:"generation"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Personas   PersonasConfig   `yaml:"personas"`
	Group      GroupConfig      `yaml:"group"`
	Cache      CacheConfig      `yaml:"cache"`
	Admin      AdminConfig      `yaml:"admin"`
	API        APIConfig        `yaml:"api"`
	Commands   CommandsConfig   `yaml:"commands"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// DatabaseConfig selects and configures the gorm driver.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// RedisConfig enables cross-process session locking and read-cache
// invalidation when Addr is set.
type RedisConfig struct {
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	LockTTL           int    `yaml:"lock_ttl_sec"`
	InvalidateChannel string `yaml:"invalidate_channel"`
}

// GenerationConfig configures the generative backend.
type GenerationConfig struct {
	Provider        string         `yaml:"provider"` // gemini, openai, ollama, openrouter
	APIKey          string         `yaml:"api_key"`
	BaseURL         string         `yaml:"base_url"`
	DefaultModel    string         `yaml:"default_model"`
	AvailableModels []string       `yaml:"available_models"`
	TimeoutSec      int            `yaml:"timeout_sec"`
	Defaults        SamplingConfig `yaml:"defaults"`
}

// SamplingConfig holds the global default sampling parameters.
type SamplingConfig struct {
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
	TopK            int     `yaml:"top_k"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

// SessionsConfig controls session rotation.
type SessionsConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// PersonasConfig names the default personas and carries the built-in catalog.
type PersonasConfig struct {
	DefaultPrivate   string           `yaml:"default_private"`
	DefaultGroupRole string           `yaml:"default_group_role"`
	GroupHeader      string           `yaml:"group_header"`
	Builtin          []BuiltinPersona `yaml:"builtin"`
}

// BuiltinPersona is one entry of the static persona catalog.
type BuiltinPersona struct {
	Name            string   `yaml:"name"`
	Scope           string   `yaml:"scope"`
	Instruction     string   `yaml:"instruction"`
	Temperature     *float64 `yaml:"temperature"`
	TopP            *float64 `yaml:"top_p"`
	TopK            *int     `yaml:"top_k"`
	MaxOutputTokens *int     `yaml:"max_output_tokens"`
	Model           *string  `yaml:"model"`
}

// GroupConfig holds group-chat defaults.
type GroupConfig struct {
	DefaultMode string        `yaml:"default_mode"`
	Ambient     AmbientConfig `yaml:"ambient"`
}

// AmbientConfig controls unprompted replies in shared mode.
type AmbientConfig struct {
	EnabledByDefault bool   `yaml:"enabled_by_default"`
	N                int    `yaml:"n"` // reply probability is 1/N; N <= 0 disables
	K                int    `yaml:"k"` // cached messages used as context
	Placeholder      string `yaml:"placeholder"`
}

// CacheConfig controls message-cache retention.
type CacheConfig struct {
	TrimCron            string `yaml:"trim_cron"`
	RetentionHours      int    `yaml:"retention_hours"`
	KeepPerConversation int    `yaml:"keep_per_conversation"`
}

// AdminConfig lists operators allowed to run privileged commands.
type AdminConfig struct {
	UserIDs          []string `yaml:"user_ids"`
	RestrictPersonas bool     `yaml:"restrict_personas"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// CommandsConfig configures chat command parsing.
type CommandsConfig struct {
	Prefix string `yaml:"prefix"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionTimeout returns the configured session timeout.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.TimeoutSec) * time.Second
}

// IsAdmin reports whether userID is a configured administrator.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Admin.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Discord.BotToken, "CHORUS_DISCORD_TOKEN")
	set(&c.Slack.BotToken, "CHORUS_SLACK_BOT_TOKEN")
	set(&c.Slack.AppToken, "CHORUS_SLACK_APP_TOKEN")
	set(&c.Generation.APIKey, "CHORUS_LLM_API_KEY")
	set(&c.API.JWTSecret, "CHORUS_JWT_SECRET")
	set(&c.Database.Password, "CHORUS_DB_PASSWORD")
	set(&c.Redis.Password, "CHORUS_REDIS_PASSWORD")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = "discord"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "chorus.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "chorus"
		}
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 120
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "gemini"
	}
	if c.Generation.DefaultModel == "" {
		c.Generation.DefaultModel = "gemini-2.5-flash"
	}
	if len(c.Generation.AvailableModels) == 0 {
		c.Generation.AvailableModels = []string{c.Generation.DefaultModel}
	}
	if c.Generation.TimeoutSec == 0 {
		c.Generation.TimeoutSec = 60
	}
	d := &c.Generation.Defaults
	if d.Temperature == 0 {
		d.Temperature = 0.7
	}
	if d.TopP == 0 {
		d.TopP = 0.95
	}
	if d.TopK == 0 {
		d.TopK = 40
	}
	if d.MaxOutputTokens == 0 {
		d.MaxOutputTokens = 2048
	}
	if c.Sessions.TimeoutSec == 0 {
		c.Sessions.TimeoutSec = 1800
	}
	if c.Personas.DefaultPrivate == "" {
		c.Personas.DefaultPrivate = "none_prompt"
	}
	if c.Personas.DefaultGroupRole == "" {
		c.Personas.DefaultGroupRole = "neutral_group_member"
	}
	if c.Personas.GroupHeader == "" {
		c.Personas.GroupHeader = DefaultGroupHeader
	}
	if len(c.Personas.Builtin) == 0 {
		c.Personas.Builtin = DefaultBuiltins()
	}
	if c.Group.DefaultMode == "" {
		c.Group.DefaultMode = "individual"
	}
	if c.Group.Ambient.N == 0 {
		c.Group.Ambient.N = 25
	}
	if c.Group.Ambient.K == 0 {
		c.Group.Ambient.K = 7
	}
	if c.Group.Ambient.Placeholder == "" {
		c.Group.Ambient.Placeholder = "..."
	}
	if c.Cache.TrimCron == "" {
		c.Cache.TrimCron = "0 * * * *"
	}
	if c.Cache.RetentionHours == 0 {
		c.Cache.RetentionHours = 24
	}
	if c.Cache.KeepPerConversation == 0 {
		c.Cache.KeepPerConversation = 200
	}
	if c.API.Port == 0 {
		c.API.Port = 8089
	}
	if c.Commands.Prefix == "" {
		c.Commands.Prefix = "!"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "discord", "slack":
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (want discord or slack)", c.Platform))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (want sqlite or mysql)", c.Database.Driver))
	}
	switch c.Group.DefaultMode {
	case "individual", "shared":
	default:
		errs = append(errs, fmt.Sprintf("group.default_mode %q is invalid (want individual or shared)", c.Group.DefaultMode))
	}
	if c.Sessions.TimeoutSec < 0 {
		errs = append(errs, "sessions.timeout_sec must not be negative")
	}
	if c.Group.Ambient.K < 0 {
		errs = append(errs, "group.ambient.k must not be negative")
	}
	if h := c.Personas.GroupHeader; h != "" && strings.Count(h, PayloadPlaceholder) != 1 {
		errs = append(errs, fmt.Sprintf("personas.group_header must contain %s exactly once", PayloadPlaceholder))
	}
	seen := make(map[string]bool)
	for i, b := range c.Personas.Builtin {
		if b.Name == "" {
			errs = append(errs, fmt.Sprintf("personas.builtin[%d].name is required", i))
		}
		if b.Scope != "private" && b.Scope != "group_role" {
			errs = append(errs, fmt.Sprintf("personas.builtin[%d].scope %q is invalid (want private or group_role)", i, b.Scope))
		}
		key := b.Scope + ":" + b.Name
		if seen[key] {
			errs = append(errs, fmt.Sprintf("personas.builtin[%d]: duplicate %s", i, key))
		}
		seen[key] = true
	}
	if c.API.Enabled && c.API.JWTSecret == "" {
		errs = append(errs, "api.jwt_secret is required when api.enabled is true")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
