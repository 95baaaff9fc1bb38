package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/riverqueue/river"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/streamlane/embedhub/internal/api/handlers"
	"github.com/streamlane/embedhub/internal/api/middleware"
	"github.com/streamlane/embedhub/internal/config"
	"github.com/streamlane/embedhub/internal/datatypes"
	"github.com/streamlane/embedhub/internal/googleai"
	"github.com/streamlane/embedhub/internal/inference"
	"github.com/streamlane/embedhub/internal/jobs"
	"github.com/streamlane/embedhub/internal/observability"
	"github.com/streamlane/embedhub/internal/openai"
	"github.com/streamlane/embedhub/internal/orchestrator"
	"github.com/streamlane/embedhub/internal/repository"
	"github.com/streamlane/embedhub/internal/service"
	"github.com/streamlane/embedhub/internal/worker"
)

// App holds all orchestrator dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	db             *pgxpool.Pool
	server         *http.Server
	river          *river.Client[pgx.Tx]
	scheduler      *orchestrator.Scheduler
	dispatcher     *worker.Dispatcher
	reaper         *worker.Reaper
	message        *service.MessagePublisherManager
	natsConn       *nats.Conn
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	metrics        *observability.Metrics

	// workersDone is closed once the dispatcher returned after Run.
	workersDone chan struct{}
}

var errUnsupportedInferenceProvider = errors.New("unsupported inference provider")

const riverQueueDepthInterval = 15 * time.Second

// setupMetrics creates the meter provider and orchestrator metrics when metrics are enabled.
// The returned handler serves /metrics for the prometheus exporter and is nil otherwise.
func setupMetrics(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, *observability.Metrics, error) {
	mp, promHandler, err := observability.NewMeterProvider(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create meter provider: %w", err)
	}

	if mp == nil {
		return nil, nil, nil, nil
	}

	metrics, err := observability.NewMetrics(mp.Meter(observability.MeterScope))
	if err != nil {
		err2 := observability.ShutdownMeterProvider(context.Background(), mp)
		if err2 != nil {
			slog.Error("shutdown meter provider after metrics error", "error", err2)
		}

		return nil, nil, nil, fmt.Errorf("create metrics: %w", err)
	}

	return mp, promHandler, metrics, nil
}

// newInferenceClient builds the client for the configured INFERENCE_PROVIDER.
func newInferenceClient(
	ctx context.Context, cfg *config.Config, metrics observability.InferenceMetrics,
) (orchestrator.InferenceClient, error) {
	switch cfg.InferenceProvider {
	case config.InferenceProviderHTTP:
		return inference.NewClient(inference.ClientOptions{
			BaseURL:  cfg.InferenceURL,
			APIKey:   cfg.InferenceAPIKey,
			Timeout:  cfg.InferenceTimeout,
			RetryMax: cfg.InferenceMaxRetries,
			Metrics:  metrics,
		}), nil
	case config.InferenceProviderOpenAI:
		embedder := openai.NewEmbedder(cfg.InferenceAPIKey, cfg.EmbeddingDimensions)

		return inference.NewTextAdapter(openai.ProviderName, embedder, metrics), nil
	case config.InferenceProviderGoogle:
		embedder, err := googleai.NewEmbedder(ctx, cfg.InferenceAPIKey, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("create google inference client: %w", err)
		}

		return inference.NewTextAdapter(googleai.ProviderName, embedder, metrics), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedInferenceProvider, cfg.InferenceProvider)
	}
}

// setupEvents creates the lifecycle event publisher: NATS when NATS_URL is set, the
// structured log otherwise.
func setupEvents(cfg *config.Config, metrics observability.EventMetrics) (*service.MessagePublisherManager, *nats.Conn, error) {
	manager := service.NewMessagePublisherManager(cfg.MessagePublisherBufferSize, cfg.MessagePublisherPerEventTimeout, metrics)

	if cfg.NatsURL == "" {
		slog.Info("NATS publishing disabled (NATS_URL unset), logging job events instead")
		manager.RegisterProvider(service.LogProvider{})

		return manager, nil, nil
	}

	eventTypes, err := datatypes.ParseEventTypes(cfg.NatsEventTypes)
	if err != nil {
		manager.Shutdown()

		return nil, nil, fmt.Errorf("parse NATS_EVENT_TYPES: %w", err)
	}

	conn, err := service.ConnectNATS(cfg.NatsURL, cfg.ServiceName)
	if err != nil {
		manager.Shutdown()

		return nil, nil, err
	}

	manager.RegisterProvider(service.NewNATSProvider(conn, cfg.NatsSubjectPrefix, eventTypes))
	slog.Info("NATS publishing enabled", "subject_prefix", cfg.NatsSubjectPrefix, "event_types", len(eventTypes))

	return manager, conn, nil
}

// NewApp builds and wires all components. It does not start the HTTP server, River or the
// workers; call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (app *App, err error) {
	var (
		meterProvider *sdkmetric.MeterProvider
		promHandler   http.Handler
		metrics       *observability.Metrics
	)

	if cfg.OtelMetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		meterProvider, promHandler, metrics, err = setupMetrics(cfg)
		if err != nil {
			return nil, err
		}
	}

	var tracerProvider *sdktrace.TracerProvider

	if cfg.OtelTracesExporter == "" {
		slog.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		tracerProvider, err = observability.NewTracerProvider(cfg)
		if err != nil {
			if err2 := shutdownObservability(context.Background(), nil, meterProvider); err2 != nil {
				slog.Error("shutdown meter provider after tracer provider error", "error", err2)
			}

			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}

	defer func() {
		if err == nil {
			return
		}

		if err2 := shutdownObservability(context.Background(), tracerProvider, meterProvider); err2 != nil {
			slog.Error("shutdown observability after setup error", "error", err2)
		}
	}()

	// Install TraceContextHandler unconditionally so request_id and job_id (and trace_id/span_id
	// when tracing is on) appear in logs.
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(slog.Default().Handler())))

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
	}

	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	var (
		jobMetrics       observability.JobMetrics
		inferenceMetrics observability.InferenceMetrics
		eventMetrics     observability.EventMetrics
		cacheMetrics     observability.CacheMetrics
		apiMetrics       observability.APIMetrics
	)
	if metrics != nil {
		jobMetrics = metrics.Jobs
		inferenceMetrics = metrics.Inference
		eventMetrics = metrics.Events
		cacheMetrics = metrics.Cache
		apiMetrics = metrics.API
	}

	inferenceClient, err := newInferenceClient(ctx, cfg, inferenceMetrics)
	if err != nil {
		return nil, err
	}

	messageManager, natsConn, err := setupEvents(cfg, eventMetrics)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err == nil {
			return
		}

		messageManager.Shutdown()

		if natsConn != nil {
			natsConn.Close()
		}
	}()

	jobsRepo := repository.NewEmbeddingJobsRepository(db)
	embeddingsRepo := repository.NewEmbeddingsRepository(db)
	registry := service.NewModelRegistry(service.ModelRegistryParams{
		Store:       repository.NewModelVersionsRepository(db),
		Cache:       service.NewModelCache(cfg.ModelCacheSize, cfg.ModelCacheTTL),
		Metrics:     cacheMetrics,
		SeedModel:   cfg.EmbeddingModel,
		SeedVersion: cfg.EmbeddingVersion,
	})

	retry := orchestrator.NewRetryManager(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	progress := orchestrator.NewProgressAggregator(jobsRepo, jobMetrics)
	scheduler := orchestrator.NewScheduler(jobsRepo, retry, messageManager, jobMetrics, progress, orchestrator.SchedulerConfig{
		PoolSize:          cfg.WorkerPoolSize,
		DefaultBatchSize:  cfg.DefaultBatchSize,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		MaxQueuedJobs:     cfg.MaxQueuedJobs,
	})
	executor := orchestrator.NewExecutor(orchestrator.ExecutorParams{
		Jobs:            jobsRepo,
		Embeddings:      embeddingsRepo,
		Inference:       inferenceClient,
		Models:          registry,
		Retry:           retry,
		Progress:        progress,
		Events:          messageManager,
		Budget:          orchestrator.NewInferenceBudget(cfg.InferenceRateLimit, cfg.InferenceBurst, cfg.InferenceMaxInFlight),
		Metrics:         jobMetrics,
		ItemParallelism: cfg.ItemParallelism,
		Dimensions:      cfg.EmbeddingDimensions,
	})

	var (
		riverClient *river.Client[pgx.Tx]
		reaper      *worker.Reaper
	)

	if cfg.RiverEnabled {
		riverClient, err = jobs.NewClient(db, jobs.ClientDeps{
			Backfill:  jobs.BackfillDeps{Finder: embeddingsRepo, Models: registry, Queue: scheduler},
			Recoverer: scheduler,
		}, jobs.ClientConfig{
			Workers:            cfg.RiverWorkers,
			MaxAttempts:        cfg.RiverMaxAttempts,
			StaleSweepInterval: cfg.StaleSweepInterval,
			StaleSweep: jobs.StaleSweepArgs{
				Limit:    cfg.StaleSweepLimit,
				Priority: cfg.StaleSweepPriority,
			},
			ReaperInterval: cfg.ReaperInterval,
			LeaseTimeout:   cfg.LeaseTimeout,
		})
		if err != nil {
			return nil, err
		}
	} else {
		slog.Warn("River disabled (RIVER_ENABLED=false): stale sweep off, leases recovered in-process")

		reaper = worker.NewReaper(scheduler, cfg.ReaperInterval, cfg.LeaseTimeout)
	}

	server := newHTTPServer(cfg, routes{
		health: handlers.NewHealthHandler(db),
		jobs:   handlers.NewEmbeddingJobsHandler(scheduler),
		search: handlers.NewSearchEmbeddingsHandler(embeddingsRepo),
		prom:   promHandler,
	}, apiMetrics, meterProvider, tracerProvider)

	return &App{
		cfg:            cfg,
		db:             db,
		server:         server,
		river:          riverClient,
		scheduler:      scheduler,
		dispatcher:     worker.NewDispatcher(scheduler, executor, cfg.PollInterval),
		reaper:         reaper,
		message:        messageManager,
		natsConn:       natsConn,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		metrics:        metrics,
		workersDone:    make(chan struct{}),
	}, nil
}

type routes struct {
	health *handlers.HealthHandler
	jobs   *handlers.EmbeddingJobsHandler
	search *handlers.SearchEmbeddingsHandler
	// prom is nil unless OTEL_METRICS_EXPORTER=prometheus.
	prom http.Handler
}

// newHTTPServer builds the HTTP server and muxes (no auth on /health, /ready and /metrics,
// API key on /v1/). Handler chain: RequestID -> otelhttp(Logging(MaxBody(mux))).
func newHTTPServer(
	cfg *config.Config,
	rt routes,
	apiMetrics observability.APIMetrics,
	meterProvider *sdkmetric.MeterProvider,
	tracerProvider *sdktrace.TracerProvider,
) *http.Server {
	public := http.NewServeMux()
	public.HandleFunc("GET /health", rt.health.Check)
	public.HandleFunc("GET /ready", rt.health.Ready)

	if rt.prom != nil {
		public.Handle("GET /metrics", rt.prom)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/embedding-jobs", rt.jobs.Create)
	protected.HandleFunc("GET /v1/embedding-jobs", rt.jobs.List)
	protected.HandleFunc("GET /v1/embedding-jobs/{id}", rt.jobs.Get)
	protected.HandleFunc("POST /v1/embedding-jobs/{id}/cancel", rt.jobs.Cancel)
	protected.HandleFunc("GET /v1/search-embeddings", rt.search.Get)

	var authFailures middleware.AuthFailureRecorder
	var bodyTooLarge middleware.RequestBodyTooLargeRecorder
	if apiMetrics != nil {
		authFailures = apiMetrics
		bodyTooLarge = apiMetrics
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", middleware.Auth(cfg.APIKey, authFailures)(protected))
	mux.Handle("/", public)

	otelOpts := []otelhttp.Option{
		// Skip tracing and HTTP metrics for probes and scrapes.
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				return false
			default:
				return true
			}
		}),
	}
	if meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(meterProvider))
	}

	if tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tracerProvider))
	}

	// Logging runs inside otelhttp so r.Context() has the span when we log.
	inner := middleware.Logging(middleware.MaxBody(cfg.MaxRequestBodyBytes, bodyTooLarge)(mux))
	handler := otelhttp.NewHandler(inner, "embedhub-api", otelOpts...)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 15 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run recovers expired leases, starts the HTTP server, River and the worker pool, then blocks
// until ctx is cancelled (e.g. signal) or a component fails. Before returning it cancels the
// internal worker context so workers stop at their next batch boundary. Caller should then
// call Shutdown.
func (a *App) Run(ctx context.Context) error {
	// Jobs left RUNNING by a previous process are recovered before new work is claimed.
	if recovered, err := a.scheduler.RecoverExpired(ctx, a.cfg.LeaseTimeout); err != nil {
		slog.Error("startup lease recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Info("recovered expired jobs at startup", "count", recovered)
	}

	runErr := make(chan error, 1)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	if a.river != nil {
		if a.metrics != nil && a.metrics.Events != nil {
			go jobs.RunQueueDepthPoller(workerCtx, a.db, a.metrics.Events, riverQueueDepthInterval)
		}

		go func() {
			if err := a.river.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case runErr <- fmt.Errorf("river: %w", err):
				default:
				}
			}
		}()
	}

	if a.reaper != nil {
		go a.reaper.Start(workerCtx)
	}

	go func() {
		defer close(a.workersDone)

		a.dispatcher.Start(workerCtx)
	}()

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port, "workers", a.cfg.WorkerPoolSize)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		cancelWorkers()

		return err
	case <-ctx.Done():
		cancelWorkers()

		return nil
	}
}

// shutdownObservability shuts down tracer and meter providers. Logs secondary errors, returns the first.
func shutdownObservability(ctx context.Context, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) error {
	var first error

	if tracer != nil {
		if err := observability.ShutdownTracerProvider(ctx, tracer); err != nil {
			first = err
		}
	}

	if meter != nil {
		if err := observability.ShutdownMeterProvider(ctx, meter); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	return first
}

// Shutdown stops the server, waits for the workers, then stops River, the message publisher
// and NATS in order. Call after Run returns. Jobs interrupted mid-run stay RUNNING and are
// recovered once their lease expires.
func (a *App) Shutdown(ctx context.Context) (err error) {
	defer func() {
		a.message.Shutdown()

		if a.natsConn != nil {
			if drainErr := a.natsConn.Drain(); drainErr != nil {
				slog.Error("drain NATS connection", "error", drainErr)
			}
		}

		obsErr := shutdownObservability(ctx, a.tracerProvider, a.meterProvider)
		if err == nil {
			err = obsErr
		} else if obsErr != nil {
			slog.Error("shutdown observability", "error", obsErr)
		}
	}()

	if err = a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.stopRiver(ctx)

		return fmt.Errorf("server shutdown: %w", err)
	}

	select {
	case <-a.workersDone:
	case <-ctx.Done():
		slog.Warn("workers still running at shutdown deadline")
	}

	if a.river != nil {
		if err = a.river.Stop(ctx); err != nil {
			return fmt.Errorf("river stop: %w", err)
		}
	}

	return nil
}

func (a *App) stopRiver(ctx context.Context) {
	if a.river == nil {
		return
	}

	if err := a.river.Stop(ctx); err != nil {
		slog.Error("river stop during server shutdown", "error", err)
	}
}
