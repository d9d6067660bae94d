// Package app wires the substrate: durable store, network transport, lifecycle hooks, telemetry transport and
// sinks, policy engine, state sync, global policy cache, and the AI proxy.
package app

import (
	"context"
	"crypto"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/ai"
	"intelligence-substrate/core/internal/auth"
	"intelligence-substrate/core/internal/config"
	"intelligence-substrate/core/internal/db"
	"intelligence-substrate/core/internal/health"
	"intelligence-substrate/core/internal/persist"
	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/platform/badgerstore"
	"intelligence-substrate/core/internal/platform/httpnet"
	"intelligence-substrate/core/internal/platform/lifecycle"
	"intelligence-substrate/core/internal/platform/memstore"
	"intelligence-substrate/core/internal/policy/engine"
	"intelligence-substrate/core/internal/policy/repository"
	"intelligence-substrate/core/internal/policycache"
	"intelligence-substrate/core/internal/statesync"
	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/loki"
	otelsetup "intelligence-substrate/core/internal/telemetry/otel"
	"intelligence-substrate/core/internal/telemetry/producer"
	telemetryrepo "intelligence-substrate/core/internal/telemetry/repository"
)

const probeInterval = 15 * time.Second

// App holds the wired components. Build with New, then Start; always Close.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Net       *httpnet.Client
	Hooks     *lifecycle.Hooks
	Persist   *persist.WriteThrough
	Repo      repository.Repository
	Transport *telemetry.Transport
	Engine    *engine.Engine
	Sync      *statesync.Cache
	Policy    *policycache.Cache
	AI        *ai.Proxy
	Health    health.Checker

	otel    *otelsetup.Providers
	store   platform.DurableStore
	sqlDB   *sql.DB
	kafka   *producer.KafkaProducer
	closers []func(context.Context) error
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.otel, err = otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: otel: %w", err)
	}
	a.otel.SetGlobal()
	a.closers = append(a.closers, a.otel.Shutdown)

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	a.Persist = persist.New(a.store, logger)
	a.Net = httpnet.New(cfg.APIBaseURL, logger)
	a.Hooks = lifecycle.New(true)

	sessionID := uuid.NewString()
	tokens, err := newTokenSource(cfg, sessionID)
	if err != nil {
		return nil, err
	}

	sender, err := a.buildSender(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Transport = telemetry.NewTransport(telemetry.Config{
		MaxQueueSize:  cfg.TelemetryMaxQueueSize,
		BatchLimit:    cfg.TelemetryBatchLimit,
		FlushInterval: cfg.FlushInterval(),
	}, telemetry.Deps{
		Store:  a.Persist,
		Sender: sender,
		Hooks:  a.Hooks,
		Tokens: tokens,
		Meters: a.otel.MeterProvider,
		Logger: logger,
	})

	evaluator, err := engine.NewOPAEvaluator(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("app: credit policy: %w", err)
	}
	a.Engine = engine.New(engine.Config{
		Identity:     engine.Identity{UserID: cfg.UserID, Email: cfg.UserEmail},
		AdminEmails:  cfg.AdminEmailList(),
		DailyCredits: cfg.DailyCredits,
		SessionID:    sessionID,
	}, engine.Deps{
		Store:   a.Persist,
		Events:  a.Transport,
		Credits: evaluator,
		Logger:  logger,
	})

	a.Sync = statesync.New(statesync.Config{UID: cfg.UserID, Interval: cfg.SyncEvery()}, statesync.Deps{
		Store:    a.Persist,
		Source:   a.Repo,
		Listener: a.Engine.UpdateStateFromSync,
		Logger:   logger,
	})
	a.Policy = policycache.New(a.Repo, a.Persist, cfg.PolicyCacheTTL(), nil, logger)

	a.AI = ai.NewProxy(ai.Config{
		DefaultModel: cfg.AIDefaultModel,
		Retry:        ai.RetryConfig{MaxRetries: cfg.AIMaxRetries, BaseDelay: cfg.RetryBaseDelay()},
	}, ai.Deps{
		Net:    a.Net,
		Engine: a.Engine,
		Policy: a.Policy,
		Meters: a.otel.MeterProvider,
		Tracer: a.otel.TracerProvider,
		Logger: logger,
	})

	a.Health = health.Checker{API: a.Net, Policy: evaluator}
	if a.sqlDB != nil {
		a.Health.DB = a.sqlDB
	}
	return a, nil
}

// Start restores the queue and state and performs the first sync. Calling it again is a no-op.
func (a *App) Start(ctx context.Context) {
	a.Transport.Init(ctx)
	a.Engine.Init(ctx)
	a.Sync.Init(ctx)
}

// Run probes connectivity until ctx is done. Online transitions flush the queue.
func (a *App) Run(ctx context.Context) {
	prober := &lifecycle.Prober{Hooks: a.Hooks, Pinger: a.Net, Interval: probeInterval, Logger: a.Logger}
	prober.Run(ctx)
}

// Close hands the remaining telemetry to the beacon path, stops background work, and releases resources. ctx
// bounds how long in-flight deliveries and writes may take.
func (a *App) Close(ctx context.Context) error {
	if a.Sync != nil {
		a.Sync.Stop()
	}
	if a.Hooks != nil {
		a.Hooks.Unload()
	}
	if a.Transport != nil {
		a.Transport.Close()
	}
	var errs []error
	if a.Persist != nil {
		errs = append(errs, a.Persist.Close(ctx))
	}
	if a.Net != nil {
		errs = append(errs, a.Net.Drain(ctx))
	}
	errs = append(errs, telemetry.DrainAsync(ctx))
	errs = append(errs, a.closeResources(ctx))
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	a.kafka = nil
	return errors.Join(errs...)
}

func (a *App) openStores(ctx context.Context) error {
	if path := a.Config.LocalStorePath; path != "" {
		bs, err := badgerstore.Open(badgerstore.Config{Path: path, Logger: a.Logger})
		if err != nil {
			return err
		}
		a.store = bs
		a.closers = append(a.closers, func(context.Context) error { return bs.Close() })
	} else {
		a.store = memstore.New()
	}

	if dsn := a.Config.DatabaseURL; dsn != "" {
		conn, err := db.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("app: database: %w", err)
		}
		a.sqlDB = conn
		a.Repo = repository.NewPostgresRepository(conn)
		a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	} else {
		a.Logger.Info("app: DATABASE_URL not set, remote documents are kept in memory")
		a.Repo = repository.NewMemoryRepository()
	}
	return nil
}

// buildSender maps the configured sink names to senders. The first is primary; the rest mirror.
func (a *App) buildSender(cfg *config.Config, logger *zap.Logger) (telemetry.Sender, error) {
	var senders []telemetry.Sender
	for _, name := range cfg.Sinks() {
		switch name {
		case config.SinkHTTP:
			senders = append(senders, telemetry.NewHTTPSender(a.Net))
		case config.SinkKafka:
			a.kafka = producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.TelemetryKafkaTopic, logger)
			if a.kafka == nil {
				return nil, errors.New("app: kafka sink needs KAFKA_BROKERS")
			}
			senders = append(senders, a.kafka)
		case config.SinkLoki:
			c := loki.NewClient(cfg.LokiURL, cfg.OTelServiceName, logger)
			if c == nil {
				return nil, errors.New("app: loki sink needs LOKI_URL")
			}
			senders = append(senders, c)
		case config.SinkOTel:
			senders = append(senders, otelsetup.NewLogSender(a.otel.LoggerProvider, logger))
		case config.SinkPostgres:
			if a.sqlDB == nil {
				return nil, errors.New("app: postgres sink needs DATABASE_URL")
			}
			senders = append(senders, telemetryrepo.NewSink(telemetryrepo.NewPostgresRepository(a.sqlDB), logger))
		default:
			return nil, fmt.Errorf("app: unknown telemetry sink %q", name)
		}
	}
	if len(senders) == 0 {
		return nil, errors.New("app: no telemetry sink configured")
	}
	if len(senders) == 1 {
		return senders[0], nil
	}
	return telemetry.NewMultiSender(logger, senders[0], senders[1:]...), nil
}

func newTokenSource(cfg *config.Config, sessionID string) (*auth.CachingTokenSource, error) {
	var (
		key crypto.Signer
		err error
	)
	if cfg.JWTPrivateKey != "" {
		key, err = auth.ParsePrivateKey(cfg.JWTPrivateKey)
	} else {
		key, err = auth.EphemeralKey()
	}
	if err != nil {
		return nil, fmt.Errorf("app: ingest signing key: %w", err)
	}
	src, err := auth.NewJWTSource(key, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL(), auth.Subject{
		UserID:    cfg.UserID,
		Email:     cfg.UserEmail,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("app: ingest tokens: %w", err)
	}
	return auth.NewCachingTokenSource(src), nil
}
