package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/AgentRelay/internal/agent"
	"github.com/BTreeMap/AgentRelay/internal/config"
	"github.com/BTreeMap/AgentRelay/internal/flow"
	"github.com/BTreeMap/AgentRelay/internal/genai"
	"github.com/BTreeMap/AgentRelay/internal/messaging"
	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/scheduler"
	"github.com/BTreeMap/AgentRelay/internal/store"
	"github.com/BTreeMap/AgentRelay/internal/twiliowhatsapp"
	"github.com/BTreeMap/AgentRelay/internal/whatsapp"
)

// backends groups the storage roles. The REST backend only holds user records, so
// conversation turns and dedup records fall back to memory there.
type backends struct {
	users  store.UserStore
	turns  store.TurnStore
	dedup  store.DedupRepo
	health store.Pinger
	close  func() error
}

// buildStore opens the configured store backend.
func buildStore(cfg *config.Config) (*backends, error) {
	backend := cfg.StoreBackend()
	slog.Debug("buildStore: selecting backend", "backend", backend)

	fromStore := func(s store.Store, closer func() error) *backends {
		b := &backends{users: s, turns: s, dedup: s, close: closer}
		if p, ok := s.(store.Pinger); ok {
			b.health = p
		}
		return b
	}

	switch backend {
	case config.StoreMemory:
		mem := store.NewInMemoryStore()
		return fromStore(mem, mem.Close), nil
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(store.WithSQLiteDSN(cfg.SQLiteDSN()))
		if err != nil {
			return nil, err
		}
		return fromStore(s, s.Close), nil
	case config.StorePostgres:
		s, err := store.NewPostgresStore(store.WithPostgresDSN(cfg.Store.DSN))
		if err != nil {
			return nil, err
		}
		return fromStore(s, s.Close), nil
	case config.StoreREST:
		opts := []store.Option{
			store.WithRESTEndpoint(cfg.Store.RESTURL, cfg.Store.RESTKey),
			store.WithRESTTable(cfg.Store.RESTTable),
		}
		if cfg.Store.Timeout > 0 {
			opts = append(opts, store.WithTimeout(cfg.Store.Timeout))
		}
		s, err := store.NewRESTStore(opts...)
		if err != nil {
			return nil, err
		}
		mem := store.NewInMemoryStore()
		return &backends{users: s, turns: mem, dedup: mem, health: s, close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// buildGateway creates the agent gateway for the configured backend.
func buildGateway(cfg *config.Config, turns store.TurnStore) (agent.Gateway, error) {
	a := cfg.Agents
	switch a.Backend {
	case config.AgentBackendHTTP:
		opts := []agent.Option{
			agent.WithBaseURL(a.BaseURL),
			agent.WithAPIKey(a.APIKey),
			agent.WithAgentIDs(agent.AgentIDs{
				models.AgentCustomerService: a.CustomerServiceID,
				models.AgentSales:           a.SalesID,
			}),
			agent.WithTimeout(a.CallTimeout),
		}
		if a.Model != "" {
			opts = append(opts, agent.WithModel(a.Model))
		}
		return agent.NewHTTPGateway(opts...)
	case config.AgentBackendOpenAI:
		o := cfg.OpenAI
		genOpts := []genai.Option{genai.WithAPIKey(o.APIKey)}
		if o.BaseURL != "" {
			genOpts = append(genOpts, genai.WithBaseURL(o.BaseURL))
		}
		if o.Model != "" {
			genOpts = append(genOpts, genai.WithModel(o.Model))
		}
		if o.Temperature != 0 {
			genOpts = append(genOpts, genai.WithTemperature(o.Temperature))
		}
		client, err := genai.NewClient(genOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		opts := []agent.Option{agent.WithSystemPrompts(map[models.AgentType]string{
			models.AgentCustomerService: a.CustomerServicePrompt,
			models.AgentSales:           a.SalesPrompt,
		})}
		if a.HistoryLimit > 0 {
			opts = append(opts, agent.WithHistoryLimit(a.HistoryLimit))
		}
		return agent.NewGenAIGateway(client, turns, opts...)
	default:
		return nil, fmt.Errorf("unknown agent backend %q", a.Backend)
	}
}

// buildRouter creates the conversation router.
func buildRouter(cfg *config.Config, users store.UserStore, gateway agent.Gateway) (*flow.Router, error) {
	return flow.NewRouter(users, gateway, flow.Config{
		InactivityThreshold: cfg.Agents.InactivityThreshold,
		CallTimeout:         cfg.Agents.CallTimeout,
		Replies:             cfg.Replies,
	})
}

// buildWhatsAppOptions creates WhatsApp options from the channel configuration. Without a
// DSN the device database lives in the state directory.
func buildWhatsAppOptions(cfg config.WhatsAppConfig, stateDir string) []whatsapp.Option {
	var opts []whatsapp.Option
	if cfg.DBDriver != "" {
		opts = append(opts, whatsapp.WithDBDriver(cfg.DBDriver))
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = "file:" + filepath.Join(stateDir, whatsapp.DefaultDBFileName) + "?_foreign_keys=on"
	}
	opts = append(opts, whatsapp.WithDBDSN(dsn))
	if cfg.QRCodeFile != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QRCodeFile))
	}
	if cfg.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// scheduleMaintenance registers the dedup sweep when the backend supports pruning.
// A nil Scheduler is returned when nothing needs scheduling.
func scheduleMaintenance(cfg *config.Config, dedup store.DedupRepo) (*scheduler.Scheduler, error) {
	pruner, ok := dedup.(store.DedupPruner)
	if !ok || cfg.Store.DedupRetention <= 0 {
		slog.Debug("scheduleMaintenance: dedup sweep disabled", "pruner", ok, "retention", cfg.Store.DedupRetention)
		return nil, nil
	}
	sched := scheduler.NewScheduler()
	if err := sched.AddJob("dedup-sweep", cfg.Store.PruneSchedule, scheduler.DedupSweep(pruner, cfg.Store.DedupRetention, nil)); err != nil {
		sched.Stop()
		return nil, err
	}
	return sched, nil
}

// Run builds every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	slog.Debug("api.Run invoked", "addr", cfg.Server.Addr, "store", cfg.StoreBackend(), "agents", cfg.Agents.Backend)

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	gateway, err := buildGateway(cfg, st.turns)
	if err != nil {
		return fmt.Errorf("failed to initialize agent gateway: %w", err)
	}
	router, err := buildRouter(cfg, st.users, gateway)
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	sched, err := scheduleMaintenance(cfg, st.dedup)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	if sched != nil {
		defer sched.Stop()
	}

	serverOpts := []Option{WithAddr(cfg.Server.Addr)}
	if st.health != nil {
		serverOpts = append(serverOpts, WithHealthCheck(st.health))
	}

	var services []messaging.Service

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		waClient, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(wa, cfg.Server.StateDir)...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		services = append(services, messaging.NewWhatsAppService(waClient))
	}

	if tw := cfg.Channels.Twilio; tw.Enabled {
		twClient, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(tw.AccountSID),
			twiliowhatsapp.WithAuthToken(tw.AuthToken),
			twiliowhatsapp.WithFromWhats(tw.From),
		)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twSvc := messaging.NewTwilioService(twClient)
		var validator *twiliowhatsapp.SignatureValidator
		if tw.ValidateSignature {
			validator = twiliowhatsapp.NewSignatureValidator(tw.AuthToken)
		}
		serverOpts = append(serverOpts, WithTwilioWebhook(twSvc, validator, tw.PublicURL))
		services = append(services, twSvc)
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		relay := messaging.NewRelay(svc, router, st.dedup)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	}

	serveErr := NewServer(router, serverOpts...).ListenAndServe(ctx)

	var stopErr error
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
			stopErr = errors.Join(stopErr, err)
		}
	}
	wg.Wait()
	slog.Info("AgentRelay stopped")

	if serveErr != nil {
		return serveErr
	}
	return stopErr
}
