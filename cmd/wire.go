package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/okian/statuswatch/internal/adapters/channels"
	"github.com/okian/statuswatch/internal/adapters/feed"
	"github.com/okian/statuswatch/internal/adapters/provider"
	"github.com/okian/statuswatch/internal/adapters/repository"
	"github.com/okian/statuswatch/internal/adapters/subscriptions"
	service "github.com/okian/statuswatch/internal/app"
	"github.com/okian/statuswatch/internal/config"
	"github.com/okian/statuswatch/internal/dispatch"
	"github.com/okian/statuswatch/internal/domain/dedupe"
	"github.com/okian/statuswatch/internal/domain/differ"
	"github.com/okian/statuswatch/internal/domain/health"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/resolver"
	"github.com/okian/statuswatch/internal/telemetry"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

// subscriptionSource is what every subscriptions driver provides.
type subscriptionSource interface {
	resolver.SubscriptionSource
	channels.Directory
}

// application holds the wired components and tears them down in reverse.
type application struct {
	cfg      *config.Config
	engine   *service.Engine
	store    repository.Store
	subs     subscriptionSource
	file     *subscriptions.FileStore
	hub      *feed.Hub
	reporter telemetry.Reporter
	closers  []func() error
	logger   logger.Logger
}

// build wires every component from cfg. Nothing is started.
func build(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *application, err error) {
	a := &application{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var ledger dedupe.Ledger
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := repository.OpenSQLite(ctx, cfg.SQLitePath,
			repository.WithAckedRetention(cfg.DedupeRetention()),
			repository.WithMetricsUpdateInterval(metrics.RefreshInterval()),
			repository.WithLogger(log.Named("snapshot-store")),
		)
		if err != nil {
			return nil, err
		}
		a.store, ledger = s, s
	default:
		a.store = repository.NewMemoryStore(ctx,
			repository.WithMetricsUpdateInterval(metrics.RefreshInterval()),
			repository.WithLogger(log.Named("snapshot-store")),
		)
	}
	a.closers = append(a.closers, a.store.Close)

	switch cfg.SubscriptionsDriver {
	case "file":
		fs, err := subscriptions.OpenFile(ctx, cfg.SubscriptionsFile,
			subscriptions.WithOnChange(a.preferencesChanged),
			subscriptions.WithLogger(log.Named("subscriptions")),
		)
		if err != nil {
			return nil, err
		}
		a.subs, a.file = fs, fs
	case "postgres":
		pg, err := subscriptions.OpenPostgres(ctx, subscriptions.PostgresConfig{DSN: cfg.PostgresDSN}, log.Named("subscriptions"))
		if err != nil {
			return nil, err
		}
		a.subs = pg
		a.closers = append(a.closers, pg.Close)
	default:
		a.subs = subscriptions.NewMemoryStore()
	}

	hubOpts := []feed.Option{
		feed.WithSendBuffer(cfg.FeedSendBuffer),
		feed.WithAllowedOrigins(cfg.Origins()),
		feed.WithLogger(log.Named("feed")),
	}
	if cfg.MQTTBroker != "" {
		m, err := feed.NewMQTTMirror(ctx, feed.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log.Named("mqtt"))
		if err != nil {
			return nil, err
		}
		hubOpts = append(hubOpts, feed.WithMirror(m))
		a.closers = append(a.closers, m.Close)
	}
	a.hub = feed.NewHub(hubOpts...)
	a.closers = append(a.closers, a.hub.Close)

	router, err := buildRouter(cfg, a.subs, a.hub, log)
	if err != nil {
		return nil, err
	}

	a.reporter, err = telemetry.New(telemetry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     "statuswatch@" + version,
	}, log.Named("telemetry"))
	if err != nil {
		return nil, err
	}

	client := provider.New(cfg.ProviderURL,
		provider.WithAPIKey(cfg.ProviderAPIKey),
		provider.WithTimeout(cfg.ProviderTimeout()),
		provider.WithRateLimit(cfg.ProviderRatePerSec, 1),
		provider.WithRetryPolicy(cfg.FetchPolicy()),
		provider.WithTopCutoff(cfg.TopRankCutoff),
		provider.WithLogger(log.Named("provider")),
	)

	policy, err := differ.ParseNewEntityPolicy(cfg.NewEntityPolicy)
	if err != nil {
		return nil, err
	}
	dd := dedupe.NewWindow(
		dedupe.WithRetention(cfg.DedupeRetention()),
		dedupe.WithMaxSize(cfg.DedupeSize),
		dedupe.WithLedger(ledger),
		dedupe.WithLogger(log.Named("dedupe")),
	)

	a.engine, err = service.New(service.Deps{
		Fetcher:       client,
		Store:         a.store,
		Subscriptions: a.subs,
		Sender:        router,
	},
		service.WithInterval(cfg.FetchInterval()),
		service.WithHealth(health.NewTracker(cfg.UnhealthyAfterCycles)),
		service.WithReporter(a.reporter),
		service.WithLogger(log.Named("engine")),
		service.WithDifferOptions(
			differ.WithNewEntityPolicy(policy),
			differ.WithConcurrency(cfg.DifferConcurrency),
			differ.WithLogger(log.Named("differ")),
		),
		service.WithDispatchOptions(
			dispatch.WithDeduper(dd),
			dispatch.WithRetryPolicy(cfg.SendPolicy()),
			dispatch.WithWorkers(cfg.WorkerCount),
			dispatch.WithQueueCapacity(cfg.QueueSize),
			dispatch.WithSendTimeout(cfg.SendTimeout()),
			dispatch.WithLogger(log.Named("dispatch")),
		),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildRouter assembles the enabled channel adapters.
func buildRouter(cfg *config.Config, dir channels.Directory, hub *feed.Hub, log logger.Logger) (*channels.Router, error) {
	renderer, err := loadRenderer(cfg)
	if err != nil {
		return nil, err
	}

	var adapters []channels.Adapter
	sendOpts := []channels.ShoutrrrOption{
		channels.WithTimeout(cfg.SendTimeout()),
		channels.WithLogger(log.Named("channels")),
	}
	if cfg.EmailSMTPURL != "" {
		email, err := channels.NewEmailAdapter(cfg.EmailSMTPURL, cfg.EmailHTML, dir, sendOpts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, email)
	}
	if cfg.PushEnabled {
		push, err := channels.NewPushAdapter(dir, sendOpts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, push)
	}
	if cfg.InAppEnabled {
		adapters = append(adapters, channels.NewInAppAdapter(hub))
	}

	return channels.NewRouter(adapters,
		channels.WithRenderer(renderer),
		channels.WithRateLimit(model.ChannelEmail, cfg.EmailRatePerSec, 1),
		channels.WithRateLimit(model.ChannelPush, cfg.PushRatePerSec, 1),
		channels.WithRouterLogger(log.Named("router")),
	), nil
}

func loadRenderer(cfg *config.Config) (*channels.Renderer, error) {
	if cfg.TextTemplateFile == "" && cfg.HTMLTemplateFile == "" {
		return channels.DefaultRenderer(), nil
	}
	read := func(path string) (string, error) {
		if path == "" {
			return "", nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read template: %w", err)
		}
		return string(b), nil
	}
	text, err := read(cfg.TextTemplateFile)
	if err != nil {
		return nil, err
	}
	html, err := read(cfg.HTMLTemplateFile)
	if err != nil {
		return nil, err
	}
	return channels.NewRenderer(text, html)
}

// preferencesChanged is the file store's reload callback.
func (a *application) preferencesChanged(ctx context.Context, userIDs []string) {
	if a.engine == nil {
		return
	}
	for _, id := range userIDs {
		if _, err := a.engine.PreferencesChanged(ctx, id); err != nil && !errors.Is(err, service.ErrNotStarted) {
			a.logger.Warn(ctx, "reschedule after preference change failed", logger.String("user_id", id), logger.Error(err))
		}
	}
}

// close releases resources in reverse order of acquisition.
func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn(context.Background(), "close failed", logger.Error(err))
		}
	}
	a.closers = nil
}
