package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/journal"
	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/mock"
	"github.com/eddiefleurent/double_calendar/internal/orders"
	"github.com/eddiefleurent/double_calendar/internal/retry"
	"github.com/eddiefleurent/double_calendar/internal/storage"
	"github.com/eddiefleurent/double_calendar/internal/strategy"
)

const liveWarningDelay = 10 * time.Second

// App wires the bot's components for one CLI invocation.
type App struct {
	config     *config.Config
	logger     *logrus.Logger
	broker     broker.Broker
	storage    storage.Interface
	planner    *strategy.DoubleCalendarStrategy
	orders     *orders.Manager
	closer     *retry.Client
	bus        *journal.Bus
	reconciler *Reconciler
	stop       chan struct{}
	stopOnce   sync.Once
	pollers    sync.WaitGroup
	now        func() time.Time
}

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

// newApp loads configuration and builds the production component graph.
func newApp(ctx context.Context, opts rootOptions) (*App, error) {
	if err := config.LoadEnv(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Environment.LogLevel = opts.logLevel
	}

	logger, err := logging.New(cfg.Environment.LogLevel, cfg.Environment.LogFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	app := assemble(cfg, logger, buildBroker(cfg, logger), store)
	if err := app.attachJournal(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// assemble builds the component graph over an existing broker and store.
func assemble(cfg *config.Config, logger *logrus.Logger, b broker.Broker, store storage.Interface) *App {
	if logger == nil {
		logger = logging.Discard()
	}
	app := &App{
		config:  cfg,
		logger:  logger,
		broker:  b,
		storage: store,
		bus:     journal.NewBus(logger),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	clock := func() time.Time { return app.now() }
	app.planner = strategy.NewDoubleCalendarStrategy(b, cfg, logger).WithClock(clock)
	app.orders = orders.NewManager(b, store, logger, app.stop).
		WithTicks(cfg.TickTable()).
		WithPublisher(app.bus)
	app.closer = retry.NewClient(app.orders, logger)
	app.reconciler = NewReconciler(b, store, cfg, logger)
	app.reconciler.now = clock
	app.reconciler.settle = app.orders.Settle
	return app
}

// buildBroker returns the configured gateway behind a circuit breaker.
func buildBroker(cfg *config.Config, logger logrus.FieldLogger) broker.Broker {
	var inner broker.Broker
	switch cfg.Gateway.Provider {
	case "sim":
		inner = mock.NewSimBroker(mock.Options{Jitter: true})
	default:
		inner = broker.NewIBKRClient(broker.IBKROptions{
			BaseURL:            cfg.Gateway.BaseURL,
			AccountID:          cfg.Gateway.AccountID,
			Timeout:            cfg.GatewayTimeout(),
			RequestsPerSecond:  cfg.Gateway.RequestsPerSecond,
			SnapshotAttempts:   cfg.Gateway.SnapshotAttempts,
			InsecureSkipVerify: cfg.Gateway.InsecureSkipVerify,
			Logger:             logger,
		})
	}
	return broker.NewCircuitBreakerBroker(inner, logger)
}

func (a *App) attachJournal(ctx context.Context) error {
	if a.config.Journal.SpreadsheetID != "" {
		rec, err := journal.NewSheetsRecorder(ctx, a.config.Journal, a.logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		if err := a.bus.Attach(rec); err != nil {
			return err
		}
		a.logger.WithField("sheet", a.config.Journal.SheetName).Info("Recording trades to spreadsheet")
	}
	if a.config.Notify.Enabled {
		if err := a.bus.Attach(journal.NewNotifier(a.config.Notify, a.logger)); err != nil {
			return err
		}
		a.logger.Info("Push notifications enabled")
	}
	return nil
}

// connect verifies the gateway session with the configured retry policy.
func (a *App) connect(ctx context.Context) error {
	return broker.Connect(ctx, a.broker, a.config.Gateway.ConnectRetries, a.config.RetryInterval(), a.logger)
}

// transmit decides whether orders go live. --live forces it; otherwise the
// configured mode decides.
func (a *App) transmit(liveFlag bool) bool {
	return liveFlag || !a.config.IsPaperTrading()
}

// warnIfLive announces live trading and waits so the operator can abort.
func (a *App) warnIfLive(ctx context.Context, live bool, delay time.Duration) error {
	if !live {
		a.logger.Info("PAPER MODE - orders are previewed, not transmitted")
		return nil
	}
	a.logger.Warnf("LIVE TRADING MODE - real money at risk! Starting in %v, Ctrl-C to abort", delay)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops pollers and flushes async journal handlers.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.pollers.Wait()
	a.bus.Wait()
	if err := a.storage.Save(); err != nil {
		a.logger.WithError(err).Warn("Failed to save positions on shutdown")
	}
}
