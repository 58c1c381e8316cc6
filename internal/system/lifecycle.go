package system

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/KevinKickass/SorterBridge/internal/api/rest"
	"github.com/KevinKickass/SorterBridge/internal/api/websocket"
	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/config"
	"github.com/KevinKickass/SorterBridge/internal/interfaces"
	"github.com/KevinKickass/SorterBridge/internal/modbus"
	"github.com/KevinKickass/SorterBridge/internal/observability"
	"github.com/KevinKickass/SorterBridge/internal/sorter"
	"github.com/KevinKickass/SorterBridge/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// LifecycleManager owns every component of one bridge process and the
// order they are started and stopped in.
type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *observability.Metrics
	storage   *storage.PostgresClient
	journal   *storage.Journal
	scheduler *sorter.Scheduler
	driver    *bridge.Driver

	authService *auth.AuthService
	wsHub       *websocket.Hub
	restServer  *rest.Server

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	serviceCancel context.CancelFunc
	services      sync.WaitGroup

	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// NewLifecycleManager builds all components from cfg. Only the database
// is contacted here; the Modbus endpoints are connected by Start.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	lm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	lm.metrics = observability.NewMetrics(lm.registry)

	// Sorter core
	table, err := sorter.NewRouteTable(cfg.Sorter.Routes, cfg.Slave.InputCount, len(cfg.Controller.OutputAddresses))
	if err != nil {
		return nil, err
	}
	trigger, err := sorter.ParseTrigger(cfg.Sorter.Trigger)
	if err != nil {
		return nil, err
	}
	lm.scheduler, err = sorter.NewScheduler(table.ChannelCount())
	if err != nil {
		return nil, err
	}
	classifier, err := sorter.NewClassifier(table, lm.scheduler, trigger)
	if err != nil {
		return nil, err
	}

	// Modbus endpoints
	slaveClient, err := modbus.NewRegisterClient(cfg.Modbus.Driver, cfg.Slave.Host, cfg.Slave.Port, cfg.Modbus.Timeout, logger.Named("slave"))
	if err != nil {
		return nil, err
	}
	slave, err := modbus.NewSlaveEndpoint(slaveClient, cfg.Slave.Address(), cfg.Slave.UnitID,
		cfg.Slave.InputBaseAddress, cfg.Slave.InputCount)
	if err != nil {
		return nil, err
	}

	controllerClient, err := modbus.NewRegisterClient(cfg.Modbus.Driver, cfg.Controller.Host, cfg.Controller.Port, cfg.Modbus.Timeout, logger.Named("controller"))
	if err != nil {
		return nil, err
	}
	controller, err := modbus.NewControllerEndpoint(controllerClient, cfg.Controller.Address(), cfg.Controller.UnitID,
		cfg.Controller.OutputAddresses)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()

	// Release journal (optional)
	if cfg.Database.Enabled {
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		lm.storage = db
		lm.journal = storage.NewJournal(db, storage.JournalOptions{
			RunID:         runID,
			Buffer:        cfg.Database.JournalBuffer,
			Batch:         cfg.Database.JournalBatch,
			FlushInterval: cfg.Database.FlushInterval,
			Observer:      lm.metrics,
		}, logger.Named("journal"))

		logger.Info("Release journal enabled",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
	}

	lm.authService = auth.NewAuthService(cfg.Auth, logger.Named("auth"))
	lm.wsHub = websocket.NewHub(logger.Named("websocket"), lm.authService)

	opts := bridge.Options{
		CyclePeriod:          cfg.Sorter.CyclePeriod,
		FailureLogInterval:   cfg.Bridge.FailureLogInterval,
		CleaningModeRegister: cfg.Controller.CleaningModeRegister,
		RunID:                runID,
		Recorder:             lm.metrics,
		Publisher:            lm.wsHub,
	}
	if lm.journal != nil {
		opts.Journal = lm.journal
	}

	lm.driver, err = bridge.NewDriver(slave, controller, classifier, lm.scheduler, opts, logger.Named("bridge"))
	if err != nil {
		lm.closeStorage()
		return nil, err
	}
	lm.wsHub.SetStatusProvider(lm.driver)

	if cfg.Server.Enabled {
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			metricsHandler = promhttp.HandlerFor(lm.registry, promhttp.HandlerOpts{})
		}
		lm.restServer = rest.NewServer(cfg, lm, logger.Named("rest"), lm.wsHub, lm.authService, metricsHandler)
	}

	return lm, nil
}

// Start connects both endpoints and starts the poll loop and the API.
// A connection failure is returned and leaves nothing running.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting SorterBridge",
		zap.String("slave", lm.config.Slave.Address()),
		zap.String("controller", lm.config.Controller.Address()),
		zap.Duration("cycle_period", lm.config.Sorter.CyclePeriod),
		zap.String("trigger", lm.config.Sorter.Trigger))

	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	lm.serviceCancel = serviceCancel

	lm.goService(func() { lm.wsHub.Run(serviceCtx) })
	if lm.journal != nil {
		lm.goService(func() { lm.journal.Run(serviceCtx) })
	}

	if err := lm.driver.Connect(ctx); err != nil {
		lm.stopServices()
		lm.closeStorage()
		return err
	}

	if lm.restServer != nil {
		if err := lm.restServer.Start(); err != nil {
			lm.stopLoopless()
			return fmt.Errorf("failed to start REST API: %w", err)
		}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	lm.loopCancel = loopCancel
	lm.loopDone = make(chan struct{})
	go func() {
		defer close(lm.loopDone)
		if err := lm.driver.Run(loopCtx); err != nil {
			lm.logger.Error("Poll loop failed", zap.Error(err))
		}
	}()

	lm.logger.Info("System started successfully",
		zap.Bool("rest_api", lm.restServer != nil),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("journal", lm.journal != nil),
		zap.Bool("auth", lm.authService.Enabled()))

	return nil
}

func (lm *LifecycleManager) goService(run func()) {
	lm.services.Add(1)
	go func() {
		defer lm.services.Done()
		run()
	}()
}

// stopLoopless undoes a Start that connected but never ran the loop.
func (lm *LifecycleManager) stopLoopless() {
	loopCtx, cancel := context.WithCancel(context.Background())
	cancel()
	// Run with a cancelled context closes both endpoints right away
	lm.driver.Run(loopCtx)
	lm.stopServices()
	lm.closeStorage()
}

func (lm *LifecycleManager) stopServices() {
	if lm.serviceCancel != nil {
		lm.serviceCancel()
	}
	lm.services.Wait()
}

func (lm *LifecycleManager) closeStorage() {
	if lm.storage != nil {
		lm.storage.Close()
	}
}

// Shutdown stops the poll loop first, so no release is dispatched without
// being journaled, then the API, then the journal and the database.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var errs []error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		// 1. Poll loop
		if lm.loopCancel != nil {
			lm.loopCancel()
			select {
			case <-lm.loopDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("poll loop did not stop: %w", ctx.Err()))
			}
		}

		// 2. REST API
		if lm.restServer != nil && lm.loopCancel != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, lm.config.Server.ShutdownTimeout)
			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
			}
			cancel()
		}

		// 3. Websocket hub and journal drain
		done := make(chan struct{})
		go func() {
			lm.stopServices()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("services did not stop: %w", ctx.Err()))
		}

		// 4. Database
		lm.closeStorage()

		if lm.journal != nil {
			if dropped := lm.journal.Dropped(); dropped > 0 {
				lm.logger.Warn("Release events dropped by journal", zap.Uint64("dropped", dropped))
			}
		}
		lm.logger.Info("Graceful shutdown completed")
	})

	return errors.Join(errs...)
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Status() bridge.Status {
	return lm.driver.Status()
}

func (lm *LifecycleManager) Scheduler() *sorter.Scheduler {
	return lm.scheduler
}

func (lm *LifecycleManager) SetCleaningMode(on bool) error {
	return lm.driver.SetCleaningMode(on)
}

func (lm *LifecycleManager) RecentReleases(ctx context.Context, filter storage.ReleaseFilter) ([]storage.ReleaseRecord, error) {
	if lm.storage == nil {
		return nil, interfaces.ErrJournalDisabled
	}
	return lm.storage.RecentReleases(ctx, filter)
}

// Registry exposes the metrics registry, mainly for tests.
func (lm *LifecycleManager) Registry() *prometheus.Registry {
	return lm.registry
}
