package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Built-in provider names, in default priority order.
const (
	ProviderGroq       = "groq"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
	ProviderOpenRouter = "openrouter"
)

// DefaultProviderOrder is tried when llm.providers is empty.
var DefaultProviderOrder = []string{ProviderGroq, ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderOpenRouter}

// ProviderConfig holds per-provider settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`
}

// LLMConfig controls the gateway's provider chain and retry behaviour.
type LLMConfig struct {
	// Providers is the ordered strategy list. Providers without an API key are skipped.
	Providers []string `yaml:"providers" toml:"providers"`

	TimeoutSeconds       int     `yaml:"timeout_seconds" toml:"timeout_seconds"`
	RateLimitRetries     int     `yaml:"rate_limit_retries" toml:"rate_limit_retries"`
	RetryBaseDelayMillis int     `yaml:"retry_base_delay_ms" toml:"retry_base_delay_ms"`
	Temperature          float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens            int     `yaml:"max_tokens" toml:"max_tokens"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold" toml:"failover_threshold"`
	// FailoverCooldownSeconds is how long a tripped provider is skipped. Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds" toml:"failover_cooldown_seconds"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

type ServerConfig struct {
	AuthToken              string   `yaml:"auth_token" toml:"auth_token"`
	AllowOrigins           []string `yaml:"allow_origins" toml:"allow_origins"`
	RateLimitRPM           int      `yaml:"rate_limit_rpm" toml:"rate_limit_rpm"`
	RateLimitBurst         int      `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
}

// JobsConfig holds 5-field cron expressions; empty disables a job.
type JobsConfig struct {
	ReconcileTestRuns string `yaml:"reconcile_test_runs" toml:"reconcile_test_runs"`
	SprintForecast    string `yaml:"sprint_forecast" toml:"sprint_forecast"`
}

type PlanningConfig struct {
	// HistorySprints is how many completed sprints feed velocity.
	HistorySprints int `yaml:"history_sprints" toml:"history_sprints"`
	// ContextWindow is how many recent stories feed convention analysis.
	ContextWindow int `yaml:"context_window" toml:"context_window"`
	// ContextTokenBudget bounds the project context rendered into prompts.
	ContextTokenBudget int `yaml:"context_token_budget" toml:"context_token_budget"`
}

type Config struct {
	HomeDir string `yaml:"-" toml:"-"`
	// Source is the config file that was loaded, or "" for defaults only.
	Source string `yaml:"-" toml:"-"`

	BindAddr string `yaml:"bind_addr" toml:"bind_addr"`
	LogLevel string `yaml:"log_level" toml:"log_level"`

	Database  DatabaseConfig            `yaml:"database" toml:"database"`
	Server    ServerConfig              `yaml:"server" toml:"server"`
	LLM       LLMConfig                 `yaml:"llm" toml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers" toml:"providers"`
	Telemetry TelemetryConfig           `yaml:"telemetry" toml:"telemetry"`
	Jobs      JobsConfig                `yaml:"jobs" toml:"jobs"`
	Planning  PlanningConfig            `yaml:"planning" toml:"planning"`
}

// providerEnv lists env vars per provider, first non-empty wins.
var providerEnv = map[string][]string{
	ProviderGroq:       {"GROQ_API_KEY"},
	ProviderOpenAI:     {"OPENAI_API_KEY"},
	ProviderAnthropic:  {"ANTHROPIC_API_KEY"},
	ProviderGoogle:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderOpenRouter: {"OPENROUTER_API_KEY"},
}

var providerDefaults = map[string]ProviderConfig{
	ProviderGroq:       {BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile"},
	ProviderOpenAI:     {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	ProviderAnthropic:  {Model: "claude-3-5-haiku-latest"},
	ProviderGoogle:     {Model: "gemini-2.5-flash"},
	ProviderOpenRouter: {BaseURL: "https://openrouter.ai/api/v1", Model: "meta-llama/llama-3.3-70b-instruct"},
}

// ProviderAPIKey returns the API key for a provider, env vars first.
func (c Config) ProviderAPIKey(provider string) string {
	for _, env := range providerEnv[provider] {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return strings.TrimSpace(p.APIKey)
	}
	return ""
}

// Provider returns the effective settings for a provider: configured values
// over built-in defaults, with the resolved API key.
func (c Config) Provider(name string) ProviderConfig {
	out := providerDefaults[name]
	if p, ok := c.Providers[name]; ok {
		if p.BaseURL != "" {
			out.BaseURL = p.BaseURL
		}
		if p.Model != "" {
			out.Model = p.Model
		}
	}
	out.APIKey = c.ProviderAPIKey(name)
	return out
}

// ProviderOrder returns the configured strategy list or the default order.
func (c Config) ProviderOrder() []string {
	if len(c.LLM.Providers) == 0 {
		return append([]string(nil), DefaultProviderOrder...)
	}
	out := make([]string, 0, len(c.LLM.Providers))
	for _, p := range c.LLM.Providers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "gemini" {
			p = ProviderGoogle
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.LLM.RetryBaseDelayMillis) * time.Millisecond
}

func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.LLM.FailoverCooldownSeconds) * time.Second
}

// DBPath returns the database path, relative paths resolved against HomeDir.
func (c Config) DBPath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.HomeDir, c.Database.Path)
}

// Fingerprint returns a stable hash of the settings that require a provider
// chain rebuild when they change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|order=%v|timeout=%d|retries=%d", c.BindAddr, c.LogLevel,
		c.ProviderOrder(), c.LLM.TimeoutSeconds, c.LLM.RateLimitRetries)
	for _, name := range c.ProviderOrder() {
		p := c.Provider(name)
		fmt.Fprintf(h, "|%s=%s,%s,%t", name, p.Model, p.BaseURL, p.APIKey != "")
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// TOMLConfigPath returns the path to the alternative config.toml.
func TOMLConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.toml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8080",
		LogLevel: "info",
		Database: DatabaseConfig{Driver: "sqlite3", Path: "storyforge.db"},
		Server: ServerConfig{
			RateLimitRPM:           600,
			RateLimitBurst:         60,
			ShutdownTimeoutSeconds: 10,
		},
		LLM: LLMConfig{
			TimeoutSeconds:          30,
			RateLimitRetries:        3,
			RetryBaseDelayMillis:    500,
			Temperature:             0.7,
			MaxTokens:               4096,
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Telemetry: TelemetryConfig{Exporter: "none", SampleRate: 1.0, ServiceName: "storyforge"},
		Jobs: JobsConfig{
			ReconcileTestRuns: "*/15 * * * *",
			SprintForecast:    "0 * * * *",
		},
		Planning: PlanningConfig{HistorySprints: 5, ContextWindow: 50, ContextTokenBudget: 1500},
	}
}

func HomeDir() string {
	if override := os.Getenv("STORYFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".storyforge")
}

// Load reads config.yaml, or config.toml when no YAML file exists, then
// applies env overrides and normalizes.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create storyforge home: %w", err)
	}

	yamlPath := ConfigPath(homeDir)
	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
		cfg.Source = yamlPath
	case os.IsNotExist(err):
		tomlPath := TOMLConfigPath(homeDir)
		data, err := os.ReadFile(tomlPath)
		if err == nil {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.toml: %w", err)
			}
			cfg.Source = tomlPath
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.toml: %w", err)
		}
	default:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" || cfg.Database.Driver == "mattn" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.Driver == "modernc" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = d.Database.Path
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = d.LLM.TimeoutSeconds
	}
	// 0 is an explicit "no retries".
	if cfg.LLM.RateLimitRetries < 0 {
		cfg.LLM.RateLimitRetries = d.LLM.RateLimitRetries
	}
	if cfg.LLM.RetryBaseDelayMillis <= 0 {
		cfg.LLM.RetryBaseDelayMillis = d.LLM.RetryBaseDelayMillis
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = d.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = d.LLM.FailoverCooldownSeconds
	}
	if cfg.Server.RateLimitRPM <= 0 {
		cfg.Server.RateLimitRPM = d.Server.RateLimitRPM
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = d.Server.RateLimitBurst
	}
	if cfg.Server.ShutdownTimeoutSeconds <= 0 {
		cfg.Server.ShutdownTimeoutSeconds = d.Server.ShutdownTimeoutSeconds
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if cfg.Planning.HistorySprints <= 0 {
		cfg.Planning.HistorySprints = d.Planning.HistorySprints
	}
	if cfg.Planning.ContextWindow <= 0 {
		cfg.Planning.ContextWindow = d.Planning.ContextWindow
	}
	if cfg.Planning.ContextTokenBudget <= 0 {
		cfg.Planning.ContextTokenBudget = d.Planning.ContextTokenBudget
	}
}

func validate(cfg Config) error {
	if cfg.Database.Driver != "sqlite3" && cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver %q: want sqlite3 or sqlite", cfg.Database.Driver)
	}
	for _, p := range cfg.ProviderOrder() {
		if _, ok := providerDefaults[p]; !ok {
			if _, custom := cfg.Providers[p]; !custom {
				return fmt.Errorf("llm.providers: unknown provider %q", p)
			}
		}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature %.2f out of range [0,2]", cfg.LLM.Temperature)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STORYFORGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STORYFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STORYFORGE_DB_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := os.Getenv("STORYFORGE_DB_PATH"); raw != "" {
		cfg.Database.Path = raw
	}
	if raw := os.Getenv("STORYFORGE_AUTH_TOKEN"); raw != "" {
		cfg.Server.AuthToken = raw
	}
	if raw := os.Getenv("STORYFORGE_LLM_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LLM.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STORYFORGE_LLM_PROVIDERS"); raw != "" {
		cfg.LLM.Providers = strings.Split(raw, ",")
	}
	if raw := os.Getenv("STORYFORGE_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp"
		cfg.Telemetry.Endpoint = raw
	}
}
