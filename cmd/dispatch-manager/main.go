// cmd/dispatch-manager/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notification-dispatch/internal/api"
	"notification-dispatch/internal/common/camunda"
	"notification-dispatch/internal/common/config"
	httpclient "notification-dispatch/internal/common/http"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/messaging"
	"notification-dispatch/internal/common/observability"
	"notification-dispatch/internal/notification/analytics"
	"notification-dispatch/internal/notification/dispatcher"
	"notification-dispatch/internal/notification/ingest"
	"notification-dispatch/internal/notification/preference"
	"notification-dispatch/internal/notification/ratelimit"
	"notification-dispatch/internal/notification/template"
	"notification-dispatch/internal/notification/tenant"
	"notification-dispatch/internal/notification/tracker"
	"notification-dispatch/internal/notification/webhook"
	cn "notification-dispatch/internal/workers/notification/cancel-notification"
	pwe "notification-dispatch/internal/workers/notification/publish-webhook-event"
	sn "notification-dispatch/internal/workers/notification/submit-notification"
	"notification-dispatch/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting dispatch manager...",
		zap.String("version", cfg.App.Version),
		zap.String("storage", cfg.Storage.Driver),
	)

	obs := observability.New(observability.Options{
		ServiceName:    cfg.App.Name,
		Version:        cfg.App.Version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	types, err := registry.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		zapLog.Warn("notification type registry not loaded, using built-in catalog",
			zap.String("path", cfg.RegistryPath), zap.Error(err))
		types = registry.Default()
	}

	infra, err := connect(ctx, cfg, zapLog)
	if err != nil {
		zapLog.Fatal("infrastructure init failed", zap.Error(err))
	}
	defer infra.Close(zapLog)

	st := buildStores(cfg, infra, log)

	// --- Delivery tracking ---
	aggregator := analytics.NewAggregator(st.analytics, st.events, log)
	var sinks []tracker.Sink
	var search ingest.EventSearcher
	if infra.es != nil {
		indexer := tracker.NewElasticIndexer(infra.es.Client, cfg.Database.Elasticsearch.EventsIndex)
		sinks = append(sinks, indexer)
		search = indexer
	}
	var analyticsFeed *messaging.Consumer
	if infra.rabbit != nil {
		pub, err := infra.publisher(cfg.RabbitMQ.EventsExchange, log)
		if err != nil {
			zapLog.Fatal("events publisher init failed", zap.Error(err))
		}
		sinks = append(sinks, tracker.NewBrokerSink(pub))
		analyticsFeed, err = infra.consumer(cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.AnalyticsQueue, log)
		if err != nil {
			zapLog.Fatal("analytics consumer init failed", zap.Error(err))
		}
	} else {
		sinks = append(sinks, aggregator)
	}
	tr := tracker.New(st.events, log, sinks...)

	// --- Policy ---
	tenants := tenant.NewResolver(st.tenants, cfg.TenantDefaults())
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(log)
	if infra.redis != nil {
		limiter = ratelimit.NewRedisLimiter(infra.redis.Client, log)
	}
	prefs := preference.NewFilter(st.prefs, types, cfg.QuietHoursChannels(), log)
	renderer := template.NewRenderer(st.templates, log)

	svc := ingest.New(ingest.Deps{
		Queue:       st.queue,
		Tenants:     tenants,
		Types:       types,
		Renderer:    renderer,
		Templates:   st.templates,
		Prefs:       st.prefs,
		Preferences: prefs,
		Limiter:     limiter,
		Addresses:   st.directory,
		Tracker:     tr,
		Search:      search,
	}, log)

	// --- Delivery ---
	senders, err := buildSenders(ctx, cfg, infra, log)
	if err != nil {
		zapLog.Fatal("channel senders init failed", zap.Error(err))
	}
	hooks := webhook.NewEngine(st.webhooks, st.queue, tr,
		httpclient.NewClient(config.GetDuration(cfg.Webhooks.Timeout), 1024), obs, log)

	disp := dispatcher.New(dispatcher.Deps{
		Queue:       st.queue,
		Tenants:     tenants,
		Preferences: prefs,
		Limiter:     limiter,
		Senders:     senders,
		Directory:   st.directory,
		Webhooks:    hooks,
		Recorder:    tr,
		Obs:         obs,
	}, dispatcher.Config{
		Workers:             cfg.Dispatch.Workers,
		BatchSize:           cfg.Dispatch.BatchSize,
		PollInterval:        config.GetDuration(cfg.Dispatch.PollInterval),
		VisibilityTimeout:   config.GetDuration(cfg.Dispatch.VisibilityTimeout),
		MaxDeferrals:        cfg.Dispatch.MaxRateLimitDeferrals,
		ConcurrencyDeferral: config.GetDuration(cfg.Webhooks.ConcurrencyDeferral),
	}, log)

	// --- HTTP surface ---
	server := api.NewServer(api.Config{
		Port:            cfg.HTTP.Port,
		ReadTimeout:     config.GetDuration(cfg.HTTP.ReadTimeout),
		WriteTimeout:    config.GetDuration(cfg.HTTP.WriteTimeout),
		ShutdownTimeout: config.GetDuration(cfg.HTTP.ShutdownTimeout),
	}, svc, hooks, aggregator, log)
	infra.addChecks(server)

	// --- Zeebe workers ---
	var workers []*camunda.Worker
	if cfg.Camunda.Enabled {
		var zc *camunda.Client
		err = retryWithBackoff(func() error {
			var err error
			zc, err = camunda.NewClient(cfg.Camunda.BrokerAddress, config.GetDuration(cfg.Camunda.RequestTimeout))
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zc.Close()
		server.AddCheck("zeebe", zc.HealthCheck)
		if ttl := config.GetDuration(cfg.Camunda.SettledMessageTTL); ttl > 0 {
			tr.AddSink(tracker.NewWorkflowSink(zc, ttl))
		}

		workers, err = startWorkers(cfg, zc, svc, hooks, log)
		if err != nil {
			zapLog.Fatal("worker registration failed", zap.Error(err))
		}
		zapLog.Info("Zeebe workers registered", zap.Int("count", len(workers)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx) })
	if analyticsFeed != nil {
		g.Go(func() error {
			if err := aggregator.Consume(gctx, analyticsFeed); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("analytics consumer: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.HTTP.ShutdownTimeout))
	defer cancel()
	for _, w := range workers {
		w.Stop(shutdownCtx)
	}

	if err != nil {
		zapLog.Error("dispatch manager stopped with error", zap.Error(err))
		return
	}
	zapLog.Info("Dispatch manager stopped gracefully")
}

func startWorkers(cfg *config.Config, zc *camunda.Client, svc *ingest.Service, hooks *webhook.Engine, log logger.Logger) ([]*camunda.Worker, error) {
	var out []*camunda.Worker
	client := zc.GetClient()

	submitCfg := sn.ConfigFromApp(cfg)
	if submitCfg.Enabled {
		h, err := sn.NewHandler(submitCfg, sn.ServiceDependencies{Ingester: svc, Logger: log})
		if err != nil {
			return out, err
		}
		out = append(out, camunda.NewWorker(client, sn.TaskType,
			camunda.WorkerOptions{MaxJobsActive: submitCfg.MaxJobsActive, Timeout: submitCfg.Timeout}, h, log))
	}

	cancelCfg := cn.ConfigFromApp(cfg)
	if cancelCfg.Enabled {
		h, err := cn.NewHandler(cancelCfg, cn.ServiceDependencies{Canceller: svc, Logger: log})
		if err != nil {
			return out, err
		}
		out = append(out, camunda.NewWorker(client, cn.TaskType,
			camunda.WorkerOptions{MaxJobsActive: cancelCfg.MaxJobsActive, Timeout: cancelCfg.Timeout}, h, log))
	}

	publishCfg := pwe.ConfigFromApp(cfg)
	if publishCfg.Enabled {
		h, err := pwe.NewHandler(publishCfg, pwe.ServiceDependencies{Publisher: hooks, Logger: log})
		if err != nil {
			return out, err
		}
		out = append(out, camunda.NewWorker(client, pwe.TaskType,
			camunda.WorkerOptions{MaxJobsActive: publishCfg.MaxJobsActive, Timeout: publishCfg.Timeout}, h, log))
	}
	return out, nil
}
