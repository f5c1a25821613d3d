// Package app wires the dispatch engine from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatch/internal/phone"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// Engine owns every long-lived component of one process.
type Engine struct {
	Service    *service.CampaignService
	Dispatcher *service.Dispatcher
	Tracker    *service.Tracker
	Poller     *service.Poller
	Gateways   *gateway.Registry
	Queue      *queue.InMemoryQueue

	// Optional backends; nil when not configured.
	DB     *sql.DB
	Redis  *goredis.Client
	Broker *queue.AMQPQueue

	logger *zap.Logger
}

// New connects the configured backends and assembles the engine. Nothing is
// dispatched until a campaign is started.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{logger: logger}
	if err := e.connect(ctx, cfg); err != nil {
		e.Close(context.Background())
		return nil, err
	}

	norm, err := phone.NewNormalizer(cfg.DefaultCountryCode)
	if err != nil {
		e.Close(context.Background())
		return nil, err
	}
	jobs, err := service.NewJobFactory(cfg.SnowflakeNode)
	if err != nil {
		e.Close(context.Background())
		return nil, err
	}

	sim := gateway.NewSimulator(gateway.SimulatorConfig{
		Name:           cfg.GatewayName,
		SuccessRate:    cfg.GatewaySuccessRate,
		DeliveryRate:   cfg.GatewayDeliveryRate,
		CostPerMessage: cfg.GatewayCostPerMessage,
	})
	e.Gateways = gateway.NewRegistry()
	e.Gateways.Register(sim, gateway.Limits{
		MaxBatchSize:     cfg.GatewayMaxBatchSize,
		MaxRatePerWindow: cfg.GatewayMaxRatePerWindow,
		Window:           cfg.GatewayRateWindow,
	}, cfg.GatewaySenderID)

	var (
		campaigns repository.CampaignRepositoryInterface = repository.NewMemoryCampaignRepository()
		blacklist repository.BlacklistStore              = repository.NewMemoryBlacklist()
		directory service.Directory                      = repository.NewMemoryDirectory()
		jobStore  *repository.DispatchJobRepository
	)
	if cfg.StoreBackend == "postgres" {
		campaigns = &repository.CampaignRepository{DB: e.DB}
		jobStore = &repository.DispatchJobRepository{DB: e.DB}
	}
	switch cfg.BlacklistBackend {
	case "postgres":
		blacklist = &repository.BlacklistRepository{DB: e.DB}
	case "redis":
		blacklist = repository.NewRedisBlacklist(e.Redis, cfg.RedisPrefix)
	}
	if cfg.DirectoryBackend == "postgres" {
		directory = &repository.CustomerRepository{DB: e.DB}
	}

	trackerCfg := service.TrackerConfig{
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BackoffBase: cfg.RetryBackoffBase,
			BackoffMax:  cfg.RetryBackoffMax,
		},
		Blacklist: blacklist,
		Logger:    logger,
	}
	if jobStore != nil {
		trackerCfg.Store = jobStore
	}
	if e.Broker != nil {
		trackerCfg.Events = e.Broker
		trackerCfg.EventsTopic = cfg.EventsQueue
	}
	e.Tracker = service.NewTracker(trackerCfg)

	e.Queue = queue.NewInMemoryQueue(queue.Options{
		Workers:    cfg.DispatchWorkers,
		MaxRetries: cfg.BatchMaxRetries,
		RetryDelay: cfg.BatchRetryDelay,
		DeadLetter: service.RequeueDeadBatch,
		Logger:     logger,
	})
	worker := service.NewWorker(e.Tracker, e.Gateways, cfg.GatewaySubmitTimeout, logger)
	if err := e.Queue.Subscribe(service.BatchTopic, worker.Process); err != nil {
		e.Close(context.Background())
		return nil, err
	}

	e.Dispatcher = service.NewDispatcher(e.Queue, e.Tracker, e.Gateways, campaigns, jobs, service.DispatcherConfig{
		Tick:           cfg.RunnerTick,
		RequeueDelay:   cfg.BatchRequeueDelay,
		TestingTimeout: cfg.ABTestingTimeout,
		Retention:      cfg.RunRetention,
	}, logger)
	e.Poller = service.NewPoller(e.Tracker, e.Gateways, cfg.PollSchedule, logger)

	e.Service = &service.CampaignService{
		CampaignRepo:   campaigns,
		Blacklist:      blacklist,
		Segmenter:      &service.Segmenter{Directory: directory, Logger: logger},
		Filter:         &service.ComplianceFilter{Normalizer: norm},
		Tracker:        e.Tracker,
		Dispatcher:     e.Dispatcher,
		Gateways:       e.Gateways,
		Jobs:           jobs,
		AB:             service.ABConfig{MinSampleSize: cfg.ABMinSampleSize, Confidence: cfg.ABConfidence},
		DefaultGateway: cfg.GatewayName,
		Logger:         logger,
	}
	if jobStore != nil {
		e.Service.JobStats = jobStore
	}

	logger.Info("dispatch engine ready",
		zap.String("gateway", cfg.GatewayName),
		zap.String("store", cfg.StoreBackend),
		zap.String("blacklist", cfg.BlacklistBackend),
		zap.String("directory", cfg.DirectoryBackend),
		zap.Bool("events", e.Broker != nil),
	)
	return e, nil
}

func (e *Engine) connect(ctx context.Context, cfg *config.Config) error {
	if cfg.UsesPostgres() {
		conn, err := db.Open(ctx, cfg.DSN(), cfg.DBMaxOpen, e.logger)
		if err != nil {
			return err
		}
		e.DB = conn
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
	}

	if cfg.BlacklistBackend == "redis" {
		e.Redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		e.logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	if cfg.RabbitMQURL != "" {
		broker, err := queue.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, e.logger)
		if err != nil {
			return err
		}
		e.Broker = broker
		e.logger.Info("connected to rabbitmq")
	}
	return nil
}

// Start begins background delivery report polling.
func (e *Engine) Start(ctx context.Context) error {
	return e.Poller.Start(ctx)
}

// Close drains running campaigns, then releases backends in reverse order of
// acquisition: broker, redis, database.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Poller != nil {
		e.Poller.Stop()
	}
	if e.Dispatcher != nil {
		if err := e.Dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	if e.Queue != nil {
		e.Queue.Close()
	}
	if e.Broker != nil {
		if err := e.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	if e.Redis != nil {
		if err := e.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
