package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = flexibleStrings(raw)
	return nil
}

func (f *FlexibleStringSlice) UnmarshalYAML(node *yaml.Node) error {
	var raw []interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = flexibleStrings(raw)
	return nil
}

func flexibleStrings(raw []interface{}) []string {
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	return result
}

type Config struct {
	Agents    AgentsConfig    `json:"agents" yaml:"agents"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	LogLevel  string          `json:"log_level" yaml:"log_level" env:"DISCORDBOT_LOG_LEVEL"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults" yaml:"defaults"`
}

type AgentDefaults struct {
	Workspace             string  `json:"workspace" yaml:"workspace" env:"DISCORDBOT_AGENTS_DEFAULTS_WORKSPACE"`
	Provider              string  `json:"provider" yaml:"provider" env:"DISCORDBOT_AGENTS_DEFAULTS_PROVIDER"`
	Model                 string  `json:"model" yaml:"model" env:"DISCORDBOT_AGENTS_DEFAULTS_MODEL"`
	MaxTokens             int     `json:"max_tokens" yaml:"max_tokens" env:"DISCORDBOT_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature           float64 `json:"temperature" yaml:"temperature" env:"DISCORDBOT_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxMessages           int     `json:"max_messages" yaml:"max_messages" env:"DISCORDBOT_AGENTS_DEFAULTS_MAX_MESSAGES"`
	SystemPrompt          string  `json:"system_prompt" yaml:"system_prompt" env:"DISCORDBOT_AGENTS_DEFAULTS_SYSTEM_PROMPT"`
	MaxConcurrentTurns    int     `json:"max_concurrent_turns" yaml:"max_concurrent_turns" env:"DISCORDBOT_AGENTS_DEFAULTS_MAX_CONCURRENT_TURNS"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" yaml:"request_timeout_seconds" env:"DISCORDBOT_AGENTS_DEFAULTS_REQUEST_TIMEOUT_SECONDS"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

type DiscordConfig struct {
	Token          string              `json:"token" yaml:"token" env:"DISCORDBOT_CHANNELS_DISCORD_TOKEN"`
	ClientID       string              `json:"client_id" yaml:"client_id" env:"DISCORDBOT_CHANNELS_DISCORD_CLIENT_ID"`
	StatusMessage  string              `json:"status_message" yaml:"status_message" env:"DISCORDBOT_CHANNELS_DISCORD_STATUS_MESSAGE"`
	AllowFrom      FlexibleStringSlice `json:"allow_from" yaml:"allow_from" env:"DISCORDBOT_CHANNELS_DISCORD_ALLOW_FROM"`
	RequireMention bool                `json:"require_mention" yaml:"require_mention" env:"DISCORDBOT_CHANNELS_DISCORD_REQUIRE_MENTION"`
	FetchCacheSize int                 `json:"fetch_cache_size" yaml:"fetch_cache_size" env:"DISCORDBOT_CHANNELS_DISCORD_FETCH_CACHE_SIZE"`
}

// ProvidersConfig maps provider names (the part before the first "/" of a
// model string) to their endpoint settings.
type ProvidersConfig map[string]ProviderConfig

type ProviderConfig struct {
	APIKey     string `json:"api_key" yaml:"api_key"`
	APIKeyFile string `json:"api_key_file,omitempty" yaml:"api_key_file,omitempty"`
	APIBase    string `json:"api_base" yaml:"api_base"`
	Proxy      string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type MemoryConfig struct {
	Backend                  string `json:"backend" yaml:"backend" env:"DISCORDBOT_MEMORY_BACKEND"`
	SQLitePath               string `json:"sqlite_path" yaml:"sqlite_path" env:"DISCORDBOT_MEMORY_SQLITE_PATH"`
	PostgresDSN              string `json:"postgres_dsn" yaml:"postgres_dsn" env:"DISCORDBOT_MEMORY_POSTGRES_DSN"`
	RedisAddr                string `json:"redis_addr" yaml:"redis_addr" env:"DISCORDBOT_MEMORY_REDIS_ADDR"`
	RedisPassword            string `json:"redis_password" yaml:"redis_password" env:"DISCORDBOT_MEMORY_REDIS_PASSWORD"`
	RedisDB                  int    `json:"redis_db" yaml:"redis_db" env:"DISCORDBOT_MEMORY_REDIS_DB"`
	Retriever                string `json:"retriever" yaml:"retriever" env:"DISCORDBOT_MEMORY_RETRIEVER"`
	Index                    string `json:"index" yaml:"index" env:"DISCORDBOT_MEMORY_INDEX"`
	EmbeddingModel           string `json:"embedding_model" yaml:"embedding_model" env:"DISCORDBOT_MEMORY_EMBEDDING_MODEL"`
	EmbeddingAPIKey          string `json:"embedding_api_key" yaml:"embedding_api_key" env:"DISCORDBOT_MEMORY_EMBEDDING_API_KEY"`
	EmbeddingAPIBase         string `json:"embedding_api_base" yaml:"embedding_api_base" env:"DISCORDBOT_MEMORY_EMBEDDING_API_BASE"`
	EmbeddingCacheMB         int    `json:"embedding_cache_mb" yaml:"embedding_cache_mb" env:"DISCORDBOT_MEMORY_EMBEDDING_CACHE_MB"`
	RetrievalK               int    `json:"retrieval_k" yaml:"retrieval_k" env:"DISCORDBOT_MEMORY_RETRIEVAL_K"`
	RecentWindow             int    `json:"recent_window" yaml:"recent_window" env:"DISCORDBOT_MEMORY_RECENT_WINDOW"`
	CacheCapacity            int    `json:"cache_capacity" yaml:"cache_capacity" env:"DISCORDBOT_MEMORY_CACHE_CAPACITY"`
	MaxUtterancesPerIdentity int    `json:"max_utterances_per_identity" yaml:"max_utterances_per_identity" env:"DISCORDBOT_MEMORY_MAX_UTTERANCES_PER_IDENTITY"`
	RetentionSchedule        string `json:"retention_schedule" yaml:"retention_schedule" env:"DISCORDBOT_MEMORY_RETENTION_SCHEDULE"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"DISCORDBOT_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"DISCORDBOT_GATEWAY_PORT"`
}

const DefaultSystemPrompt = "You are a friendly Discord chat bot. Keep answers concise and conversational."

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:             "~/.discordbot/workspace",
				Provider:              "openrouter",
				Model:                 "openrouter/openai/gpt-4o-mini",
				MaxTokens:             2000,
				Temperature:           0.7,
				MaxMessages:           25,
				SystemPrompt:          DefaultSystemPrompt,
				MaxConcurrentTurns:    8,
				RequestTimeoutSeconds: 120,
			},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom:      FlexibleStringSlice{},
				RequireMention: true,
				FetchCacheSize: 512,
			},
		},
		Providers: ProvidersConfig{
			"openrouter": {APIBase: "https://openrouter.ai/api/v1"},
		},
		Memory: MemoryConfig{
			Backend:                  "sqlite",
			SQLitePath:               "",
			Retriever:                "semantic",
			Index:                    "flat",
			EmbeddingModel:           "chargram",
			EmbeddingCacheMB:         32,
			RetrievalK:               10,
			RecentWindow:             5,
			CacheCapacity:            100,
			MaxUtterancesPerIdentity: 1000,
			RetentionSchedule:        "@hourly",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml), falling back to
// defaults when the file is missing, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyProviderEnv(cfg)

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// applyProviderEnv fills the active provider's key and base from
// DISCORDBOT_PROVIDER_API_KEY / DISCORDBOT_PROVIDER_API_BASE. The providers
// section is a map, so struct tags cannot address it.
func applyProviderEnv(cfg *Config) {
	key := strings.TrimSpace(os.Getenv("DISCORDBOT_PROVIDER_API_KEY"))
	base := strings.TrimSpace(os.Getenv("DISCORDBOT_PROVIDER_API_BASE"))
	if key == "" && base == "" {
		return
	}
	if cfg.Providers == nil {
		cfg.Providers = ProvidersConfig{}
	}
	name := cfg.ProviderName()
	pc := cfg.Providers[name]
	if key != "" {
		pc.APIKey = key
	}
	if base != "" {
		pc.APIBase = base
	}
	cfg.Providers[name] = pc
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// MemoryDBPath is the SQLite file, defaulting to <workspace>/state/memory.db.
func (c *Config) MemoryDBPath() string {
	c.mu.RLock()
	p := c.Memory.SQLitePath
	c.mu.RUnlock()
	if strings.TrimSpace(p) != "" {
		return expandHome(p)
	}
	return filepath.Join(c.WorkspacePath(), "state", "memory.db")
}

// ProviderName returns the provider a model string routes to. A model of the
// form "provider/model" wins over agents.defaults.provider when the prefix is
// a configured provider.
func (c *Config) ProviderName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if prefix, _, ok := strings.Cut(c.Agents.Defaults.Model, "/"); ok {
		if _, known := c.Providers[prefix]; known {
			return prefix
		}
	}
	if p := strings.TrimSpace(c.Agents.Defaults.Provider); p != "" {
		return strings.ToLower(p)
	}
	return "openrouter"
}

// ModelName strips a configured provider prefix from the model string.
func (c *Config) ModelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	model := strings.TrimSpace(c.Agents.Defaults.Model)
	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if _, known := c.Providers[prefix]; known {
			return rest
		}
	}
	return model
}

// Provider returns the settings of the active provider.
func (c *Config) Provider() ProviderConfig {
	name := c.ProviderName()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers[name]
}

// InviteURL is the OAuth2 invite link for the configured client id.
func (c *Config) InviteURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := strings.TrimSpace(c.Channels.Discord.ClientID)
	if id == "" {
		return ""
	}
	return fmt.Sprintf("https://discord.com/api/oauth2/authorize?client_id=%s&permissions=412317273088&scope=bot", id)
}

// Validate checks the settings a running gateway cannot do without.
func (c *Config) Validate(requireDiscord bool) error {
	if requireDiscord && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required (or DISCORDBOT_CHANNELS_DISCORD_TOKEN)")
	}
	if strings.TrimSpace(c.Provider().APIBase) == "" {
		return fmt.Errorf("providers.%s.api_base is required", c.ProviderName())
	}
	switch c.Memory.Backend {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Memory.PostgresDSN) == "" {
			return fmt.Errorf("memory.postgres_dsn is required for the postgres backend")
		}
	case "redis":
		if strings.TrimSpace(c.Memory.RedisAddr) == "" {
			return fmt.Errorf("memory.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown memory.backend %q", c.Memory.Backend)
	}
	return nil
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
