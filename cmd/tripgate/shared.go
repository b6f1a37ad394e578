package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/tripgate/internal/agent"
	"github.com/jkaninda/tripgate/internal/approval"
	"github.com/jkaninda/tripgate/internal/audit"
	"github.com/jkaninda/tripgate/internal/config"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/events"
	"github.com/jkaninda/tripgate/internal/llm"
	"github.com/jkaninda/tripgate/internal/llm/anthropic"
	"github.com/jkaninda/tripgate/internal/notification"
	"github.com/jkaninda/tripgate/internal/observability"
	"github.com/jkaninda/tripgate/internal/orchestrator"
	"github.com/jkaninda/tripgate/internal/planner"
	"github.com/jkaninda/tripgate/internal/policy"
	"github.com/jkaninda/tripgate/internal/provider"
	"github.com/jkaninda/tripgate/internal/provider/mcp"
	"github.com/jkaninda/tripgate/internal/secrets"
	"github.com/jkaninda/tripgate/internal/storage"
	pgstore "github.com/jkaninda/tripgate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/tripgate/internal/storage/sqlite"
)

const defaultPlannerMaxTokens = 2048

var configPath string

// loadConfig resolves the config path from --config, then TRIPGATE_CONFIG,
// then the default location. A missing file yields the sandbox defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("TRIPGATE_CONFIG", config.DefaultConfigPath())
	}
	return config.LoadOrDefault(path)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Core holds the components every command needs: storage and the policy,
// approval and audit services built on it. Built once by openCore, torn
// down by Cleanup.
type Core struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Obs      *observability.Observability
	Audit    *audit.Logger
	Policies *policy.Engine
	Admin    *policy.Admin
	Gate     *approval.Gate
	Hub      *events.Hub
	Secrets  *secrets.Resolver

	// Publisher fans events out to the hub and, when configured, the
	// notifier.
	Publisher events.Publisher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Core) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Core) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// openCore loads the config and opens storage. Callers must call
// c.Cleanup() when done.
func openCore() (*Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging)

	c := &Core{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("error_rate", obs.ErrorRate != nil),
	)

	store, err := initStore(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	obs.Health.AddCheck("database", store.Ping)
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	c.Secrets, err = initSecrets(cfg)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}

	reg := registry(obs)
	c.Hub = events.NewHub(cfg.Orchestrator.EventGrace(), events.NewMetrics(reg), logger)
	c.addCleanup(c.Hub.Close)
	c.Publisher = c.Hub

	notifier, err := initNotifier(cfg, c.Secrets, store, reg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing notifications: %w", err)
	}
	if notifier != nil {
		stop := notifier.Start(context.Background())
		c.addCleanup(stop)
		c.Publisher = events.Fanout{c.Hub, notifier}
	}

	c.Audit = audit.NewLogger(store.Audit(), logger)
	c.Policies = policy.NewEngine(store.Policies(), store.Audit(), logger,
		policy.WithAuditLog(c.Audit),
		policy.WithMetrics(policy.NewMetrics(reg)),
	)
	c.Admin = policy.NewAdmin(store.Policies(), logger)
	c.Gate = approval.NewGate(store.Approvals(), logger,
		approval.WithTimeout(cfg.Approval.Timeout()),
		approval.WithPollInterval(cfg.Approval.PollInterval()),
		approval.WithPublisher(c.Publisher),
		approval.WithMetrics(approval.NewMetrics(reg)),
	)
	return c, nil
}

// registry returns the shared Prometheus registry, or nil when metrics are
// disabled. Every NewMetrics constructor treats nil as "no metrics".
func registry(obs *observability.Observability) *prometheus.Registry {
	if m := obs.MetricsOrNil(); m != nil {
		return m.Registry
	}
	return nil
}

// StartEngine connects booking providers, builds the planner and starts the
// trip engine. The engine is shut down by the caller.
func (c *Core) StartEngine(ctx context.Context) (*orchestrator.Engine, error) {
	cfg, logger := c.Config, c.Logger

	bridge := mcp.NewBridge(version, logger)
	c.addCleanup(bridge.Close)

	set, err := initProviders(ctx, cfg, bridge, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing booking providers: %w", err)
	}
	set = observability.InstrumentSet(set, c.Obs)

	p, err := initPlanner(ctx, cfg, c.Secrets, c.Obs, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing planner: %w", err)
	}

	dispatcher := agent.NewDispatcher(c.Policies, c.Gate, c.Audit, logger, agent.WithPublisher(c.Publisher))
	agents, err := agent.NewRegistry(set, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("building agents: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithPublisher(c.Publisher),
		orchestrator.WithMetrics(orchestrator.NewMetrics(registry(c.Obs))),
	}
	if ts := c.Obs.TracerOrNil(); ts != nil {
		opts = append(opts, orchestrator.WithTracer(ts.Tracer()))
	}
	engine := orchestrator.NewEngine(c.Store.Trips(), c.Policies, p, agents, c.Audit, logger,
		orchestrator.Config{
			MaxConcurrentTrips:  cfg.Orchestrator.ConcurrentTrips(),
			MaxParallelSubtasks: cfg.Orchestrator.ParallelSubtasks(),
			SubtaskTimeout:      cfg.Orchestrator.SubtaskTimeout(),
		},
		opts...,
	)
	logger.Info("trip engine started",
		slog.String("planner", cfg.Planner.PlannerType()),
		slog.Int("max_concurrent_trips", cfg.Orchestrator.ConcurrentTrips()),
		slog.Int("max_parallel_subtasks", cfg.Orchestrator.ParallelSubtasks()),
	)
	return engine, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	db, err := pgstore.Open(context.Background(), pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		ConnectTimeout:  time.Duration(pg.ConnectTimeoutS) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// initProviders starts from the sandbox set and replaces each domain that
// names an MCP server with a provider bridged to it.
func initProviders(ctx context.Context, cfg *config.Config, bridge *mcp.Bridge, logger *slog.Logger) (provider.Set, error) {
	set := provider.SandboxSet()
	for _, d := range domain.BookingDomains {
		srv, ok := cfg.Providers.ServerFor(string(d))
		if !ok {
			logger.Debug("using sandbox provider", slog.String("domain", string(d)))
			continue
		}
		p, err := bridge.Provider(ctx, *srv, d)
		if err != nil {
			return provider.Set{}, err
		}
		switch d {
		case domain.DomainFlight:
			set.Flight = p
		case domain.DomainHotel:
			set.Hotel = p
		case domain.DomainTransport:
			set.Transport = p
		case domain.DomainActivity:
			set.Activity = p
		}
	}
	return set, nil
}

func initPlanner(ctx context.Context, cfg *config.Config, res *secrets.Resolver, obs *observability.Observability, logger *slog.Logger) (planner.Planner, error) {
	switch cfg.Planner.PlannerType() {
	case "keyword":
		return planner.NewKeywordPlanner(), nil
	case "llm":
		ac := cfg.Planner.Anthropic
		apiKey, err := res.Value(ctx, ac.APIKey)
		if err != nil {
			return nil, fmt.Errorf("resolving anthropic api key: %w", err)
		}
		var opts []anthropic.Option
		if ac.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(ac.BaseURL))
		}
		var p llm.Provider = anthropic.NewClient(apiKey, ac.Model, logger, opts...)
		if m := obs.MetricsOrNil(); m != nil {
			p = observability.NewInstrumentedLLM(p, m, obs.TracerOrNil())
		}
		maxTokens := ac.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultPlannerMaxTokens
		}
		return planner.NewLLMPlanner(p, maxTokens, logger), nil
	default:
		return nil, fmt.Errorf("unknown planner type %q", cfg.Planner.Type)
	}
}

func initSecrets(cfg *config.Config) (*secrets.Resolver, error) {
	if cfg.Secrets == nil || cfg.Secrets.Vault == nil {
		return secrets.NewResolver(), nil
	}
	v := cfg.Secrets.Vault
	vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
		Address:       v.Address,
		Namespace:     v.Namespace,
		Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
		TLSSkipVerify: v.TLSSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	return secrets.NewResolver(vp), nil
}

// initNotifier returns nil when no channels are configured. Channel
// credentials are resolved once at startup.
func initNotifier(cfg *config.Config, res *secrets.Resolver, store storage.Store, reg *prometheus.Registry, logger *slog.Logger) (*notification.Notifier, error) {
	nc := cfg.Notifications
	if nc == nil || len(nc.Channels) == 0 {
		return nil, nil
	}
	ctx := context.Background()

	channels := make([]notification.Channel, 0, len(nc.Channels))
	for _, cc := range nc.Channels {
		cred, err := res.Value(ctx, cc.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("channel %q credential: %w", cc.Name, err)
		}
		ch := notification.Channel{
			Name:       cc.Name,
			Type:       cc.Type,
			OrgID:      cc.OrgID,
			URL:        cc.URL,
			ChannelID:  cc.ChannelID,
			To:         cc.To,
			Credential: cred,
		}
		for _, e := range cc.Events {
			ch.Events = append(ch.Events, events.Type(e))
		}
		channels = append(channels, ch)
	}

	opts := []notification.Option{
		notification.WithSender(notification.NewWebhookSender()),
		notification.WithSender(notification.NewSlackSender()),
		notification.WithPublicURL(strings.TrimRight(nc.PublicURL, "/")),
		notification.WithQueueSize(nc.QueueSize),
		notification.WithMetrics(notification.NewMetrics(reg)),
	}
	if sc := nc.SMTP; sc != nil {
		password, err := res.Value(ctx, sc.PasswordRef)
		if err != nil {
			return nil, fmt.Errorf("smtp password: %w", err)
		}
		opts = append(opts, notification.WithSender(notification.NewEmailSender(notification.SMTPConfig{
			Host:     sc.Host,
			Port:     sc.Port,
			Username: sc.Username,
			Password: password,
			From:     sc.From,
			TLS:      sc.TLS,
		})))
	}

	logger.Info("notifications enabled", slog.Int("channels", len(channels)))
	return notification.New(channels, store.Trips(), logger, opts...), nil
}
