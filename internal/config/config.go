// Package config handles loading and validating tripgate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for tripgate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`           // Default: ~/.tripgate/data. Override: TRIPGATE_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under DataDir
	Server        ServerConfig         `json:"server" yaml:"server"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Planner       PlannerConfig        `json:"planner" yaml:"planner"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics only, no tracing
	Notifications *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = no notifications
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// and literal references only
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/tripgate.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TRIPGATE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	ConnectTimeoutS  int    `json:"connect_timeout_s" yaml:"connect_timeout_s"`     // Default: 30. Startup wait for the server.
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // API key → user ID. Override: TRIPGATE_API_KEYS="key:user,...".
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	ShutdownTimeoutS    int               `json:"shutdown_timeout_s" yaml:"shutdown_timeout_s"`         // Default: 30.
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// ShutdownTimeout returns the graceful shutdown window.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutS > 0 {
		return time.Duration(s.ShutdownTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // json (default) or text.
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	TimeoutSeconds      int    `json:"timeout_seconds" yaml:"timeout_seconds"`             // Default: 1800 (30 min).
	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 2.
	SweepSchedule       string `json:"sweep_schedule" yaml:"sweep_schedule"`               // cron spec. Default: "@every 1m".
}

// Timeout returns how long a gated action waits for a decision.
func (a *ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// PollInterval returns how often a waiting check re-reads the store.
func (a *ApprovalConfig) PollInterval() time.Duration {
	if a.PollIntervalSeconds > 0 {
		return time.Duration(a.PollIntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

// Schedule returns the sweeper cron spec.
func (a *ApprovalConfig) Schedule() string {
	if a.SweepSchedule != "" {
		return a.SweepSchedule
	}
	return "@every 1m"
}

// OrchestratorConfig configures trip execution.
type OrchestratorConfig struct {
	MaxConcurrentTrips    int `json:"max_concurrent_trips" yaml:"max_concurrent_trips"`       // Default: 10.
	MaxParallelSubtasks   int `json:"max_parallel_subtasks" yaml:"max_parallel_subtasks"`     // Default: 3.
	SubtaskTimeoutSeconds int `json:"subtask_timeout_seconds" yaml:"subtask_timeout_seconds"` // 0 = no per-attempt limit beyond the approval timeout.
	EventGraceSeconds     int `json:"event_grace_seconds" yaml:"event_grace_seconds"`         // Default: 5.
}

// ConcurrentTrips returns the process-wide trip concurrency limit.
func (o *OrchestratorConfig) ConcurrentTrips() int {
	if o.MaxConcurrentTrips > 0 {
		return o.MaxConcurrentTrips
	}
	return 10
}

// ParallelSubtasks returns the concurrent sub-task limit per trip.
func (o *OrchestratorConfig) ParallelSubtasks() int {
	if o.MaxParallelSubtasks > 0 {
		return o.MaxParallelSubtasks
	}
	return 3
}

// SubtaskTimeout returns the per-attempt timeout, or zero for none.
func (o *OrchestratorConfig) SubtaskTimeout() time.Duration {
	return time.Duration(o.SubtaskTimeoutSeconds) * time.Second
}

// EventGrace returns how long event streams stay open after a terminal event.
func (o *OrchestratorConfig) EventGrace() time.Duration {
	if o.EventGraceSeconds > 0 {
		return time.Duration(o.EventGraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// PlannerConfig selects the goal planner.
type PlannerConfig struct {
	Type      string          `json:"type" yaml:"type"`           // "keyword" (default) or "llm".
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

// PlannerType returns the effective planner type.
func (p *PlannerConfig) PlannerType() string {
	if p.Type != "" {
		return p.Type
	}
	return "keyword"
}

type AnthropicConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`                           // Override: ANTHROPIC_API_KEY env var.
	Model     string `json:"model" yaml:"model"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"` // Default: 2048.
}

// ProvidersConfig selects booking providers. A domain with no server name
// uses the built-in sandbox provider.
type ProvidersConfig struct {
	MCP       []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Flight    string            `json:"flight,omitempty" yaml:"flight,omitempty"`       // MCP server name.
	Hotel     string            `json:"hotel,omitempty" yaml:"hotel,omitempty"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Activity  string            `json:"activity,omitempty" yaml:"activity,omitempty"`
}

// ServerFor returns the MCP server backing domain d, if any.
func (p *ProvidersConfig) ServerFor(d string) (*MCPServerConfig, bool) {
	var name string
	switch d {
	case "flight":
		name = p.Flight
	case "hotel":
		name = p.Hotel
	case "transport":
		name = p.Transport
	case "activity":
		name = p.Activity
	}
	if name == "" {
		return nil, false
	}
	for i := range p.MCP {
		if p.MCP[i].Name == name {
			return &p.MCP[i], true
		}
	}
	return nil, false
}

// MCPServerConfig defines a single external MCP server exposing booking tools.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // stdio only.
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // stdio only.
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // stdio only. Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // sse/streamable_http only.
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Values support ${VAR} expansion.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics   *MetricsConfig   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing   *TracingConfig   `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	ErrorRate *ErrorRateConfig `json:"error_rate,omitempty" yaml:"error_rate,omitempty"`
}

// ErrorRateConfig configures the booking provider error-rate monitor that
// feeds the readiness check.
type ErrorRateConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds int     `json:"window_seconds" yaml:"window_seconds"` // Default: 300
	Threshold     float64 `json:"threshold" yaml:"threshold"`           // Error ratio above which readiness fails. Default: 0.5
	MinSamples    int     `json:"min_samples" yaml:"min_samples"`       // Default: 5
}

// NotificationsConfig configures out-of-band notices for trip events.
type NotificationsConfig struct {
	PublicURL string                      `json:"public_url,omitempty" yaml:"public_url,omitempty"` // Base URL used in links, e.g. "https://tripgate.example.com".
	QueueSize int                         `json:"queue_size,omitempty" yaml:"queue_size,omitempty"` // Default: 256. Events beyond it are dropped.
	SMTP      *SMTPConfig                 `json:"smtp,omitempty" yaml:"smtp,omitempty"`
	Channels  []NotificationChannelConfig `json:"channels" yaml:"channels"`
}

// NotificationChannelConfig defines one delivery target.
type NotificationChannelConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Type          string   `json:"type" yaml:"type"`                                         // "webhook", "slack" or "email".
	Events        []string `json:"events,omitempty" yaml:"events,omitempty"`                 // Event types to deliver. Default: approval_required, trip_failed.
	OrgID         string   `json:"org_id,omitempty" yaml:"org_id,omitempty"`                 // Only trips of this org. Empty = all.
	URL           string   `json:"url,omitempty" yaml:"url,omitempty"`                       // webhook only.
	ChannelID     string   `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`         // slack only.
	To            []string `json:"to,omitempty" yaml:"to,omitempty"`                         // email only.
	CredentialRef string   `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"` // Slack bot token or webhook signing secret. env://, vault:// or literal.
}

// SMTPConfig holds the SMTP relay used by email channels.
type SMTPConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`                                     // Default: 587.
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	PasswordRef string `json:"password_ref,omitempty" yaml:"password_ref,omitempty"` // env://, vault:// or literal.
	From        string `json:"from" yaml:"from"`
	TLS         bool   `json:"tls" yaml:"tls"`                                       // Implicit TLS (port 465).
}

// SecretsConfig configures credential backends beyond env://.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 backend. The token is
// read from VAULT_TOKEN.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 5.
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`       // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`                   // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol" yaml:"protocol"`                   // "grpc" or "http". Default: "grpc"
	ServiceName string            `json:"service_name" yaml:"service_name"`           // Default: "tripgate"
	SampleRate  float64           `json:"sample_rate" yaml:"sample_rate"`             // 0.0–1.0. Default: 1.0
	Insecure    bool              `json:"insecure" yaml:"insecure"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Exporter headers; values support ${VAR} expansion.
}

// MetricsEnabled reports whether /metrics should be served. Metrics are on
// unless explicitly disabled.
func (c *Config) MetricsEnabled() bool {
	if c.Observability == nil || c.Observability.Metrics == nil {
		return true
	}
	return c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

// DefaultConfigPath returns the default config file path (~/.tripgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/tripgate.yaml"
	}
	return filepath.Join(home, ".tripgate", "config.yaml")
}

// Default returns a runnable sandbox configuration: SQLite storage, keyword
// planner, sandbox providers.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	cfg.resolveDataDir()
	return cfg
}

// LoadOrDefault loads path, or returns Default() when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)
	cfg.resolveDataDir()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Planner.Anthropic.APIKey = v
	}
	if v := os.Getenv("TRIPGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRIPGATE_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = "postgres"
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("TRIPGATE_API_KEYS"); v != "" {
		cfg.Server.APIKeys = parseAPIKeys(v)
	}
	if v := os.Getenv("TRIPGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// parseAPIKeys parses "key:user,key2:user2". A key without a user maps to
// the key itself.
func parseAPIKeys(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			user = key
		}
		out[key] = user
	}
	return out
}

func (c *Config) resolveDataDir() {
	if c.DataDir != "" {
		return
	}
	home, err := os.UserHomeDir()
	if err == nil {
		c.DataDir = filepath.Join(home, ".tripgate", "data")
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "tripgate.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set TRIPGATE_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	switch c.Planner.PlannerType() {
	case "keyword":
	case "llm":
		if c.Planner.Anthropic.APIKey == "" {
			return fmt.Errorf("planner.anthropic.api_key is required for the llm planner (set ANTHROPIC_API_KEY env var)")
		}
		if c.Planner.Anthropic.Model == "" {
			return fmt.Errorf("planner.anthropic.model is required for the llm planner")
		}
	default:
		return fmt.Errorf("planner.type %q is not supported (use keyword or llm)", c.Planner.Type)
	}

	if c.Approval.TimeoutSeconds < 0 {
		return fmt.Errorf("approval.timeout_seconds must not be negative")
	}
	if c.Orchestrator.MaxParallelSubtasks < 0 || c.Orchestrator.MaxConcurrentTrips < 0 {
		return fmt.Errorf("orchestrator limits must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}

	mcpNames := make(map[string]bool, len(c.Providers.MCP))
	for i, srv := range c.Providers.MCP {
		if srv.Name == "" {
			return fmt.Errorf("providers.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("providers.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("providers.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("providers.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("providers.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	if n := c.Notifications; n != nil {
		names := make(map[string]bool, len(n.Channels))
		for i, ch := range n.Channels {
			if ch.Name == "" || names[ch.Name] {
				return fmt.Errorf("notifications.channels[%d]: name must be set and unique", i)
			}
			names[ch.Name] = true
			switch ch.Type {
			case "webhook":
				if ch.URL == "" {
					return fmt.Errorf("notifications.channels[%d] (%q): url is required", i, ch.Name)
				}
			case "slack":
				if ch.ChannelID == "" || ch.CredentialRef == "" {
					return fmt.Errorf("notifications.channels[%d] (%q): channel_id and credential_ref are required", i, ch.Name)
				}
			case "email":
				if len(ch.To) == 0 {
					return fmt.Errorf("notifications.channels[%d] (%q): to is required", i, ch.Name)
				}
				if n.SMTP == nil || n.SMTP.Host == "" || n.SMTP.From == "" {
					return fmt.Errorf("notifications.smtp host and from are required for email channel %q", ch.Name)
				}
			default:
				return fmt.Errorf("notifications.channels[%d] (%q): type must be webhook, slack, or email", i, ch.Name)
			}
		}
	}

	for d, name := range map[string]string{
		"flight": c.Providers.Flight, "hotel": c.Providers.Hotel,
		"transport": c.Providers.Transport, "activity": c.Providers.Activity,
	} {
		if name != "" && !mcpNames[name] {
			return fmt.Errorf("providers.%s references unknown mcp server %q", d, name)
		}
	}
	return nil
}
