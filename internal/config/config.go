package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// DefaultConfigPath is used when neither a flag nor TASKRUNNER_CONFIG names a file.
const DefaultConfigPath = "taskrunner.json5"

// DefaultPolicyID is the id of the global execution-policy row.
const DefaultPolicyID = "dffeb172-175b-4ffb-bae1-17d0750167c1"

// Config is the root configuration. It is read from a JSON5 file, then
// overridden by environment variables.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Database  DatabaseConfig            `json:"database"`
	Agents    AgentsConfig              `json:"agents"`
	Providers map[string]ProviderConfig `json:"providers"`
	Redis     RedisConfig               `json:"redis"`
	Log       LogConfig                 `json:"log"`
	Telemetry TelemetryConfig           `json:"telemetry"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`
	RateLimitBurst int      `json:"rate_limit_burst,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// ShutdownTimeout is how long serve waits for running executions, in seconds.
	ShutdownTimeout int `json:"shutdown_timeout,omitempty"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // postgres or sqlite; inferred when empty
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	AutoMigrate bool   `json:"auto_migrate"`
}

type AgentsConfig struct {
	DefaultModel      string `json:"default_model"`
	PolicyID          string `json:"policy_id"`
	WorkerConcurrency int    `json:"worker_concurrency"`
	ContextWindow     int    `json:"context_window,omitempty"`
	InjectionAction   string `json:"injection_action,omitempty"` // log, warn, block, off
	ToolTimeout       int    `json:"tool_timeout,omitempty"`     // seconds
	ToolRateLimit     int    `json:"tool_rate_limit,omitempty"`  // calls per hour per task, 0 = unlimited
}

type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

type RedisConfig struct {
	URL           string `json:"url,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // grpc (default) or http
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			RateLimitBurst:  5,
			ShutdownTimeout: 30,
		},
		Database: DatabaseConfig{
			SQLitePath:  "taskrunner.db",
			AutoMigrate: true,
		},
		Agents: AgentsConfig{
			DefaultModel:      "openai/gpt-4",
			PolicyID:          DefaultPolicyID,
			WorkerConcurrency: 8,
			ContextWindow:     8192,
			InjectionAction:   "warn",
			ToolTimeout:       30,
		},
		Providers: map[string]ProviderConfig{},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "taskrunner"},
	}
}

// ResolvePath returns flagPath, TASKRUNNER_CONFIG or DefaultConfigPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("TASKRUNNER_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored and existing variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the config file at path (a missing file yields defaults) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// providerEnv maps provider names to their API key variables.
var providerEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"dashscope":  "DASHSCOPE_API_KEY",
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt(&c.Server.Port, "PORT")
	setStr(&c.Server.Host, "TASKRUNNER_HOST")
	setStr(&c.Server.Token, "TASKRUNNER_TOKEN")
	setInt(&c.Server.RateLimitRPM, "TASKRUNNER_RATE_LIMIT_RPM")

	setStr(&c.Database.Driver, "TASKRUNNER_DB_DRIVER")
	setStr(&c.Database.PostgresDSN, "TASKRUNNER_POSTGRES_DSN", "DATABASE_URL")
	setStr(&c.Database.SQLitePath, "TASKRUNNER_SQLITE_PATH")

	setStr(&c.Agents.DefaultModel, "TASKRUNNER_DEFAULT_MODEL")
	setStr(&c.Agents.PolicyID, "TASKRUNNER_POLICY_ID")
	setInt(&c.Agents.WorkerConcurrency, "TASKRUNNER_WORKERS")

	for name, key := range providerEnv {
		if v := os.Getenv(key); v != "" {
			p := c.Providers[name]
			p.APIKey = v
			c.Providers[name] = p
		}
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		p := c.Providers["ollama"]
		p.APIBase = v
		c.Providers["ollama"] = p
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		p := c.Providers["openai"]
		p.APIBase = v
		c.Providers["openai"] = p
	}

	setStr(&c.Redis.URL, "REDIS_URL")
	setStr(&c.Log.Level, "TASKRUNNER_LOG_LEVEL")
	setStr(&c.Log.Format, "TASKRUNNER_LOG_FORMAT")

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be postgres or sqlite", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required for the postgres driver"))
	}
	switch c.Agents.InjectionAction {
	case "", "log", "warn", "block", "off":
	default:
		errs = append(errs, fmt.Errorf("agents.injection_action %q must be log, warn, block or off", c.Agents.InjectionAction))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Server.Token = mask(c.Server.Token)
	cp.Database.PostgresDSN = maskDSN(c.Database.PostgresDSN)
	cp.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		p.APIKey = mask(p.APIKey)
		cp.Providers[name] = p
	}
	cp.Redis.URL = maskDSN(c.Redis.URL)
	if len(c.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k := range c.Telemetry.Headers {
			cp.Telemetry.Headers[k] = "***"
		}
	}
	return &cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***"
}

// maskDSN hides the password of a URL-style DSN.
func maskDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return mask(dsn)
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***@" + host
}
