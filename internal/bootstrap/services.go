package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/adapters/docketapi"
	"github.com/docketwatch/docketwatch/internal/adapters/extractorapi"
	"github.com/docketwatch/docketwatch/internal/adapters/mailapi"
	"github.com/docketwatch/docketwatch/internal/adapters/searchapi"
	"github.com/docketwatch/docketwatch/internal/adapters/summarizerapi"
	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/data"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	"github.com/docketwatch/docketwatch/internal/guard"
	"github.com/docketwatch/docketwatch/internal/observability/notify"
	"github.com/docketwatch/docketwatch/internal/observability/notify/slack"
	"github.com/docketwatch/docketwatch/internal/observability/statsd"
	"github.com/docketwatch/docketwatch/internal/service"
	"github.com/docketwatch/docketwatch/internal/service/emitter"
	"github.com/docketwatch/docketwatch/internal/service/pipeline"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Queue         *service.QueueService
	Reaper        *service.ReaperService
	JobResults    core.JobResultRepository
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink    *statsd.Client
	MetricsConfig  config.ObservabilityMetricsConfig
	Emitter        *emitter.Service
	NotifierConfig config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB            *sql.DB
	Redis         redis.UniversalClient
	JobRepo       *data.JobRepo
	JobResultRepo *data.JobResultRepo
	CacheRepo     *data.RedisCacheRepo
}

// dependencyClients groups the external dependencies the pipeline calls.
type dependencyClients struct {
	Docket     core.DocketClient
	Search     core.SearchClient
	Extractor  core.DocumentExtractor
	Summarizer core.Summarizer
	Mail       core.MailSender
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "docketwatch",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:    metricsSink,
		MetricsConfig:  cfg.Metrics,
		Emitter:        buildEmitter(obsLogger, cfg.Notifications),
		NotifierConfig: cfg.Notifications,
	}
}

func buildEmitter(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *emitter.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return emitter.NewService(emitter.Options{
			Logger: baseLogger.With("component", "emitter"),
		})
	}

	sinks := []emitter.SinkRegistration{
		{Name: "log", Sink: notify.NewLogSink(baseLogger)},
	}

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:    cfg.Slack.WebhookURL,
			Channel:       cfg.Slack.Channel,
			Username:      cfg.Slack.Username,
			Timeout:       cfg.Timeout,
			RetryLimit:    cfg.RetryLimit,
			CaseURLPrefix: cfg.Slack.CaseURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			// Slack only hears about trouble; the log sink records everything.
			sinks = append(sinks, emitter.SinkRegistration{
				Name:   "slack",
				Sink:   client,
				Events: []string{notify.EventJobRetrying, notify.EventJobFailed},
			})
		}
	}

	return emitter.NewService(emitter.Options{
		Logger: baseLogger.With("component", "emitter"),
		Sinks:  sinks,
	})
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *serviceRepositories {
	repos := &serviceRepositories{
		DB:            db,
		Redis:         redisClient,
		JobRepo:       data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		JobResultRepo: data.NewJobResultRepo(db),
	}
	if redisClient != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(redisClient)
	}
	return repos
}

// buildGuards configures the shared circuit breaker and rate limiter from the
// guard section of the config.
func buildGuards(cfg config.GuardConfig, logger *slog.Logger, metrics statsd.Sink) (*guard.Breaker, *guard.Limiter) {
	deps := map[string]config.DependencyGuardConfig{
		pipeline.DependencyDocket:     cfg.Docket,
		pipeline.DependencySearch:     cfg.Search,
		pipeline.DependencyExtractor:  cfg.Extractor,
		pipeline.DependencySummarizer: cfg.Summarizer,
		pipeline.DependencyMail:       cfg.Mail,
	}

	overrides := make(map[string]guard.BreakerSettings, len(deps))
	limits := make(map[string]guard.Limits, len(deps))
	for name, dep := range deps {
		overrides[name] = guard.BreakerSettings{
			Threshold: dep.BreakerThreshold,
			Cooldown:  dep.BreakerCooldown,
		}
		limits[name] = guard.Limits{PerMinute: dep.PerMinute, PerHour: dep.PerHour}
	}

	breaker := guard.NewBreaker(guard.BreakerOptions{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		Overrides: overrides,
		Logger:    logger,
		Metrics:   metrics,
	})
	limiter := guard.NewLimiter(guard.LimiterOptions{
		DefaultLimits: guard.Limits{
			PerMinute: cfg.DefaultPerMinute,
			PerHour:   cfg.DefaultPerHour,
		},
		Limits: limits,
		Logger: logger,
	})

	return breaker, limiter
}

// buildClients constructs the external dependency adapters. Every dependency
// is required: the pipeline calls all of them.
func buildClients(cfg config.ClientsConfig) (dependencyClients, error) {
	docket, err := docketapi.NewClient(cfg.Docket)
	if err != nil {
		return dependencyClients{}, fmt.Errorf("docket client: %w", err)
	}
	search, err := searchapi.NewClient(cfg.Search)
	if err != nil {
		return dependencyClients{}, fmt.Errorf("search client: %w", err)
	}
	extractor, err := extractorapi.NewClient(cfg.Extractor)
	if err != nil {
		return dependencyClients{}, fmt.Errorf("extractor client: %w", err)
	}
	summarizer, err := summarizerapi.NewClient(cfg.Summarizer)
	if err != nil {
		return dependencyClients{}, fmt.Errorf("summarizer client: %w", err)
	}
	mail, err := mailapi.NewClient(cfg.Mail)
	if err != nil {
		return dependencyClients{}, fmt.Errorf("mail client: %w", err)
	}

	return dependencyClients{
		Docket:     docket,
		Search:     search,
		Extractor:  extractor,
		Summarizer: summarizer,
		Mail:       mail,
	}, nil
}

// buildQueueService wires the queue service with dedup, notifications, and
// the two pipeline handlers.
func buildQueueService(deps *ServiceDeps, repos *serviceRepositories, observability ObservabilityContainer) (*service.QueueService, error) {
	dedup, err := service.NewDedupGuard(service.DedupGuardOptions{
		Repo:          repos.JobRepo,
		KeyExpression: deps.Config.Queue.DedupKeyExpression,
		Logger:        deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup guard: %w", err)
	}

	queueSvc, err := service.NewQueueService(service.QueueServiceOptions{
		Repo:    repos.JobRepo,
		Config:  deps.Config.Queue,
		Dedup:   dedup,
		Emitter: observability.Emitter,
		Logger:  deps.Logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("queue service: %w", err)
	}

	clients, err := buildClients(deps.Config.Clients)
	if err != nil {
		return nil, err
	}
	breaker, limiter := buildGuards(deps.Config.Guard, deps.Logger, observability.MetricsSink)

	stageDeps := pipeline.StageDeps{
		Docket:       clients.Docket,
		Search:       clients.Search,
		Extractor:    clients.Extractor,
		Summarizer:   clients.Summarizer,
		Mail:         clients.Mail,
		CacheTTL:     deps.Config.Cache.AuthorityTTL,
		Breaker:      breaker,
		Limiter:      limiter,
		WaitAttempts: deps.Config.Guard.MaxWaitAttempts,
		Logger:       deps.Logger,
	}
	if repos.CacheRepo != nil {
		stageDeps.Cache = repos.CacheRepo
	}

	caseExecutor, err := pipeline.NewExecutor(pipeline.ExecutorOptions{
		Stages:  pipeline.CaseStages(stageDeps),
		Results: repos.JobResultRepo,
		Logger:  deps.Logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("case executor: %w", err)
	}
	digestExecutor, err := pipeline.NewExecutor(pipeline.ExecutorOptions{
		Stages:  pipeline.DigestStages(stageDeps),
		Results: repos.JobResultRepo,
		Logger:  deps.Logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("digest executor: %w", err)
	}

	if err := queueSvc.RegisterHandler(model.QueueCaseProcessing, caseExecutor.Handler()); err != nil {
		return nil, fmt.Errorf("register case handler: %w", err)
	}
	if err := queueSvc.RegisterHandler(model.QueueDigestDelivery, digestExecutor.Handler()); err != nil {
		return nil, fmt.Errorf("register digest handler: %w", err)
	}

	return queueSvc, nil
}

// NewServices wires the full service graph for the enabled service modes.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps and config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
		deps.Logger = logger
	}

	observability := buildObservability(logger, deps.Config.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, logger)

	container := ServiceContainer{
		JobResults:    repos.JobResultRepo,
		Observability: observability,
	}

	if deps.Config.IsWorkerEnabled() {
		queueSvc, err := buildQueueService(deps, repos, observability)
		if err != nil {
			return ServiceContainer{}, err
		}
		container.Queue = queueSvc
	}

	if deps.Config.IsReaperEnabled() {
		reaperSvc, err := service.NewReaperService(service.ReaperServiceOptions{
			Repo:    repos.JobRepo,
			Config:  deps.Config.Reaper,
			Logger:  logger,
			Metrics: observability.MetricsSink,
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("reaper service: %w", err)
		}
		container.Reaper = reaperSvc
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// queueDepthInterval is how often per-queue depth gauges are emitted.
const queueDepthInterval = time.Minute

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal arrives or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	started := 0

	if cfg.Services.Queue != nil {
		for _, queue := range model.AllQueues() {
			g.Go(func() error {
				if err := cfg.Services.Queue.Run(gctx, queue); err != nil {
					return fmt.Errorf("queue worker %s: %w", queue, err)
				}
				return nil
			})
			logger.Info("background service started", "service", "worker", "queue", queue)
			started++
		}

		if cfg.Services.Observability.MetricsSink != nil {
			g.Go(func() error {
				emitQueueDepthLoop(gctx, cfg.Services.Queue, logger)
				return nil
			})
		}
	}

	if cfg.Services.Reaper != nil {
		g.Go(func() error {
			if err := cfg.Services.Reaper.Run(gctx); err != nil {
				return fmt.Errorf("reaper: %w", err)
			}
			return nil
		})
		logger.Info("background service started", "service", "reaper")
		started++
	}

	if started == 0 {
		return errors.New("no services enabled")
	}

	err := g.Wait()
	if err != nil {
		logger.Error("service error", "error", err)
		return err
	}

	logger.Info("all services stopped")
	return nil
}

// emitQueueDepthLoop periodically reads per-queue counts, which doubles as
// queue depth gauge emission through the service's metrics sink.
func emitQueueDepthLoop(ctx context.Context, queueSvc *service.QueueService, logger *slog.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range model.AllQueues() {
				if _, err := queueSvc.Stats(ctx, queue); err != nil && ctx.Err() == nil {
					logger.WarnContext(ctx, "queue depth probe failed", "queue", queue, "error", err)
				}
			}
		}
	}
}
