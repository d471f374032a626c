// Package config loads AgentRelay configuration from an optional YAML file and the environment.
//
// Values are resolved in order: built-in defaults, the YAML file (with ${VAR} expansion),
// environment variables, then command-line flags applied by the caller. Validate is run last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/AgentRelay/internal/flow"
	"github.com/BTreeMap/AgentRelay/internal/scheduler"
	"github.com/BTreeMap/AgentRelay/internal/store"
	"github.com/BTreeMap/AgentRelay/internal/util"
)

// Defaults
const (
	DefaultStateDir   = "/var/lib/agentrelay"
	DefaultDBFileName = "agentrelay.db"
	DefaultAddr       = ":8080"
	DefaultRESTTable  = "users"
	DefaultAgentModel = "gpt-4o-mini"

	DefaultDedupRetention = 7 * 24 * time.Hour
	DefaultPruneSchedule  = scheduler.DefaultPruneSchedule
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreREST     = "rest"
)

// Agent backends
const (
	AgentBackendHTTP   = "http"
	AgentBackendOpenAI = "openai"
)

// Config is the complete AgentRelay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Agents   AgentsConfig   `yaml:"agents"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Channels ChannelsConfig `yaml:"channels"`
	Replies  flow.Replies   `yaml:"replies"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener and local state directory.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	StateDir string `yaml:"state_dir"`
}

// StoreConfig selects the user record store.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres, rest. Empty means detect from DSN/URL.
	Backend   string        `yaml:"backend"`
	DSN       string        `yaml:"dsn"`
	RESTURL   string        `yaml:"rest_url"`
	RESTKey   string        `yaml:"rest_key"`
	RESTTable string        `yaml:"rest_table"`
	Timeout   time.Duration `yaml:"-"`
	// DedupRetention is how long inbound message ids are kept; zero disables pruning.
	DedupRetention time.Duration `yaml:"-"`
	// PruneSchedule is the cron expression of the dedup sweep.
	PruneSchedule string `yaml:"prune_schedule"`

	TimeoutRaw        string `yaml:"timeout"`
	DedupRetentionRaw string `yaml:"dedup_retention"`
}

// AgentsConfig configures the upstream agents and the router's timing.
type AgentsConfig struct {
	Backend           string `yaml:"backend"`
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	CustomerServiceID string `yaml:"customer_service_id"`
	SalesID           string `yaml:"sales_id"`

	CustomerServicePrompt string `yaml:"customer_service_prompt"`
	SalesPrompt           string `yaml:"sales_prompt"`
	HistoryLimit          int    `yaml:"history_limit"`

	InactivityThreshold time.Duration `yaml:"-"`
	CallTimeout         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InactivityThresholdRaw string `yaml:"inactivity_threshold"`
	CallTimeoutRaw         string `yaml:"call_timeout"`
}

// OpenAIConfig configures chat completions for the openai agent backend.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// ChannelsConfig holds the optional chat channels.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Twilio   TwilioConfig   `yaml:"twilio"`
}

// WhatsAppConfig configures the whatsmeow channel.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DBDriver    string `yaml:"db_driver"`
	DBDSN       string `yaml:"db_dsn"`
	QRCodeFile  string `yaml:"qr_code_file"`
	NumericCode bool   `yaml:"numeric_code"`
}

// TwilioConfig configures the Twilio WhatsApp channel.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	// PublicURL is the externally visible webhook URL used for signature validation.
	PublicURL         string `yaml:"public_url"`
	ValidateSignature bool   `yaml:"validate_signature"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultAddr, StateDir: DefaultStateDir},
		Store: StoreConfig{
			RESTTable:      DefaultRESTTable,
			DedupRetention: DefaultDedupRetention,
			PruneSchedule:  DefaultPruneSchedule,
		},
		Agents: AgentsConfig{
			Backend:             AgentBackendHTTP,
			Model:               DefaultAgentModel,
			InactivityThreshold: flow.DefaultInactivityThreshold,
			CallTimeout:         flow.DefaultCallTimeout,
		},
		Channels: ChannelsConfig{Twilio: TwilioConfig{ValidateSignature: true}},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads a configuration file on top of Default.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.inactivity_threshold", cfg.Agents.InactivityThresholdRaw, &cfg.Agents.InactivityThreshold},
		{"agents.call_timeout", cfg.Agents.CallTimeoutRaw, &cfg.Agents.CallTimeout},
		{"store.timeout", cfg.Store.TimeoutRaw, &cfg.Store.Timeout},
		{"store.dedup_retention", cfg.Store.DedupRetentionRaw, &cfg.Store.DedupRetention},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ApplyEnv overlays environment variables onto the configuration.
func (c *Config) ApplyEnv() error {
	// earlier keys take precedence
	setString := func(dst *string, keys ...string) {
		for i := len(keys) - 1; i >= 0; i-- {
			*dst = util.StringEnv(keys[i], *dst)
		}
	}

	setString(&c.Server.Addr, "API_ADDR")
	setString(&c.Server.StateDir, "AGENTRELAY_STATE_DIR")
	setString(&c.Logging.Level, "LOG_LEVEL")

	setString(&c.Store.Backend, "STORE_BACKEND")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Store.RESTURL, "SUPABASE_URL", "STORE_REST_URL")
	setString(&c.Store.RESTKey, "SUPABASE_KEY", "STORE_REST_KEY")
	setString(&c.Store.RESTTable, "STORE_REST_TABLE")
	setString(&c.Store.PruneSchedule, "DEDUP_PRUNE_SCHEDULE")

	setString(&c.Agents.Backend, "AGENT_BACKEND")
	setString(&c.Agents.BaseURL, "AGENT_API_URL")
	setString(&c.Agents.APIKey, "AGENT_API_KEY")
	setString(&c.Agents.Model, "AGENT_MODEL")
	setString(&c.Agents.CustomerServiceID, "AGENT_ID_CUSTOMER_SERVICE")
	setString(&c.Agents.SalesID, "AGENT_ID_SALES")

	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.Model, "OPENAI_MODEL")

	setString(&c.Channels.WhatsApp.DBDriver, "WHATSAPP_DB_DRIVER")
	setString(&c.Channels.WhatsApp.DBDSN, "WHATSAPP_DB_DSN")
	setString(&c.Channels.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&c.Channels.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.Channels.Twilio.From, "TWILIO_FROM")
	setString(&c.Channels.Twilio.PublicURL, "TWILIO_WEBHOOK_URL")

	if os.Getenv("WHATSAPP_ENABLED") != "" {
		c.Channels.WhatsApp.Enabled = util.ParseBoolEnv("WHATSAPP_ENABLED", c.Channels.WhatsApp.Enabled)
	}
	if os.Getenv("TWILIO_ENABLED") != "" {
		c.Channels.Twilio.Enabled = util.ParseBoolEnv("TWILIO_ENABLED", c.Channels.Twilio.Enabled)
	}
	c.Channels.Twilio.ValidateSignature = util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", c.Channels.Twilio.ValidateSignature)

	c.Agents.InactivityThreshold = util.ParseDurationEnv("INACTIVITY_THRESHOLD", c.Agents.InactivityThreshold)
	c.Agents.CallTimeout = util.ParseDurationEnv("CALL_TIMEOUT", c.Agents.CallTimeout)
	c.Store.Timeout = util.ParseDurationEnv("STORE_TIMEOUT", c.Store.Timeout)
	c.Store.DedupRetention = util.ParseDurationEnv("DEDUP_RETENTION", c.Store.DedupRetention)
	if raw := os.Getenv("OPENAI_TEMPERATURE"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid OPENAI_TEMPERATURE %q: %w", raw, err)
		}
		c.OpenAI.Temperature = t
	}
	return nil
}

// StoreBackend resolves the effective store backend.
func (c *Config) StoreBackend() string {
	if c.Store.Backend != "" {
		return strings.ToLower(c.Store.Backend)
	}
	switch {
	case c.Store.RESTURL != "":
		return StoreREST
	case c.Store.DSN != "":
		return store.DetectDSNType(c.Store.DSN)
	default:
		return StoreSQLite
	}
}

// SQLiteDSN returns the configured DSN, or the default database file in the state directory.
func (c *Config) SQLiteDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.Server.StateDir, DefaultDBFileName)
}

// UsesStateDir reports whether local files are written to the state directory.
func (c *Config) UsesStateDir() bool {
	return c.StoreBackend() == StoreSQLite || (c.Channels.WhatsApp.Enabled && c.Channels.WhatsApp.DBDSN == "")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	switch c.StoreBackend() {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres backend")
		}
	case StoreREST:
		if c.Store.RESTURL == "" || c.Store.RESTKey == "" {
			return errors.New("store.rest_url and store.rest_key are required for the rest backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Agents.Backend {
	case AgentBackendHTTP:
		if c.Agents.BaseURL == "" {
			return errors.New("agents.base_url is required for the http agent backend")
		}
		if c.Agents.CustomerServiceID == "" || c.Agents.SalesID == "" {
			return errors.New("agents.customer_service_id and agents.sales_id are required")
		}
	case AgentBackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("openai.api_key is required for the openai agent backend")
		}
		if c.Agents.CustomerServicePrompt == "" || c.Agents.SalesPrompt == "" {
			return errors.New("agents.customer_service_prompt and agents.sales_prompt are required for the openai agent backend")
		}
	default:
		return fmt.Errorf("unknown agents.backend %q", c.Agents.Backend)
	}

	if c.Agents.InactivityThreshold <= 0 {
		return errors.New("agents.inactivity_threshold must be positive")
	}
	if c.Store.DedupRetention < 0 {
		return errors.New("store.dedup_retention must not be negative")
	}
	if c.Store.DedupRetention > 0 && c.Store.PruneSchedule == "" {
		return errors.New("store.prune_schedule is required when dedup retention is enabled")
	}
	if c.Agents.CallTimeout <= 0 {
		return errors.New("agents.call_timeout must be positive")
	}

	tw := c.Channels.Twilio
	if tw.Enabled {
		if tw.AccountSID == "" || tw.AuthToken == "" || tw.From == "" {
			return errors.New("channels.twilio requires account_sid, auth_token and from")
		}
		if tw.ValidateSignature && tw.PublicURL == "" {
			return errors.New("channels.twilio.public_url is required when signature validation is enabled")
		}
	}
	return nil
}
