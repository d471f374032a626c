package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/AgentRelay/internal/api"
	"github.com/BTreeMap/AgentRelay/internal/config"
	"github.com/BTreeMap/AgentRelay/internal/lockfile"
)

func main() {
	// Debug until the configured level is known
	initializeLogger(os.Stdout, "debug")

	loadDotEnv()

	flags, err := parseCommandLineFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	initializeLogger(os.Stdout, cfg.Logging.Level)

	if cfg.UsesStateDir() {
		lock, err := lockfile.AcquireLock(cfg.Server.StateDir)
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping AgentRelay",
		"addr", cfg.Server.Addr,
		"store", cfg.StoreBackend(),
		"agents", cfg.Agents.Backend,
		"whatsapp", cfg.Channels.WhatsApp.Enabled,
		"twilio", cfg.Channels.Twilio.Enabled)
	if err := api.Run(ctx, cfg); err != nil {
		slog.Error("AgentRelay failed to run", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("AgentRelay exited successfully")
}

// Flags holds command line flag values. Empty strings leave the configuration untouched.
type Flags struct {
	configPath   string
	stateDir     string
	apiAddr      string
	storeBackend string
	dbDSN        string
	agentBackend string
	qrOutput     string
	logLevel     string
	numeric      bool
	whatsapp     bool
	twilio       bool

	// set records which flags were given explicitly
	set map[string]bool
}

// parseLevel maps a level name to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initializeLogger sets up structured text logging at the given level
func initializeLogger(w io.Writer, level string) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
	slog.SetDefault(logger)
}

// loadDotEnv loads a .env file from the working directory when present
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// parseCommandLineFlags parses command line arguments
func parseCommandLineFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("AgentRelay", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", os.Getenv("AGENTRELAY_CONFIG"), "path to YAML config file (overrides $AGENTRELAY_CONFIG)")
	fs.StringVar(&f.stateDir, "state-dir", "", "state directory for AgentRelay data (overrides $AGENTRELAY_STATE_DIR)")
	fs.StringVar(&f.apiAddr, "api-addr", "", "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.storeBackend, "store", "", "store backend: memory, sqlite, postgres or rest (overrides $STORE_BACKEND)")
	fs.StringVar(&f.dbDSN, "db-dsn", "", "SQLite path or PostgreSQL DSN for the user store (overrides $DATABASE_URL)")
	fs.StringVar(&f.agentBackend, "agents", "", "agent backend: http or openai (overrides $AGENT_BACKEND)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	fs.BoolVar(&f.whatsapp, "whatsapp", false, "enable the WhatsApp channel (overrides $WHATSAPP_ENABLED)")
	fs.BoolVar(&f.twilio, "twilio", false, "enable the Twilio WhatsApp channel (overrides $TWILIO_ENABLED)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	slog.Debug("flags parsed", "config", f.configPath, "set", len(f.set))
	return f, nil
}

// loadConfig resolves defaults, the optional config file, the environment and flags, then validates.
func loadConfig(f Flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		slog.Debug("Loaded config file", "path", f.configPath)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyFlags overlays explicitly given flags onto cfg.
func applyFlags(cfg *config.Config, f Flags) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Server.StateDir, f.stateDir)
	override(&cfg.Server.Addr, f.apiAddr)
	override(&cfg.Store.Backend, f.storeBackend)
	override(&cfg.Store.DSN, f.dbDSN)
	override(&cfg.Agents.Backend, f.agentBackend)
	override(&cfg.Channels.WhatsApp.QRCodeFile, f.qrOutput)
	override(&cfg.Logging.Level, f.logLevel)

	if f.set["numeric-code"] {
		cfg.Channels.WhatsApp.NumericCode = f.numeric
	}
	if f.set["whatsapp"] {
		cfg.Channels.WhatsApp.Enabled = f.whatsapp
	}
	if f.set["twilio"] {
		cfg.Channels.Twilio.Enabled = f.twilio
	}
}
