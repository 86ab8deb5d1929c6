package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amoahfrank/firewatch/classifier"
	"github.com/amoahfrank/firewatch/config"
	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/fanout"
	gwhttp "github.com/amoahfrank/firewatch/gateway/http"
	"github.com/amoahfrank/firewatch/gateway/websocket"
	"github.com/amoahfrank/firewatch/health"
	"github.com/amoahfrank/firewatch/ingest"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/natsclient"
	"github.com/amoahfrank/firewatch/output/kafka"
	"github.com/amoahfrank/firewatch/registry"
	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/store/natskv"
	"github.com/amoahfrank/firewatch/store/sqlite"
	"github.com/amoahfrank/firewatch/subscription"
	"github.com/amoahfrank/firewatch/transport/mqtt"
)

type appOptions struct {
	accessLog bool
}

// app owns every long-lived component of the gateway
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	registry  *registry.Registry
	hub       *fanout.Hub
	manager   *subscription.Manager
	pipeline  *ingest.Pipeline
	sweeper   *ingest.Sweeper
	writer    *store.Writer
	sink      *kafka.Sink
	observers *websocket.Server
	http      *gwhttp.Server

	sqlite  *sqlite.Store
	nats    *natsclient.Client
	natskv  *natskv.Store
	watcher *natskv.ConfigWatcher

	// workCtx bounds the worker pools; it ends only after they are drained
	workCtx    context.Context
	cancelWork context.CancelFunc
	bound      []*subscription.Subscription
	stopOnce   sync.Once
}

// newApp builds and connects the storage backends and wires the rest. Nothing
// is subscribed or served until run.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	a.workCtx, a.cancelWork = context.WithCancel(context.Background())

	if err := a.openStores(ctx); err != nil {
		a.closeStores(ctx)
		a.cancelWork()
		return nil, err
	}
	if err := a.wire(ctx, opts); err != nil {
		a.closeStores(ctx)
		a.cancelWork()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	p := a.cfg.Persistence

	if p.SQLite.Enabled {
		db, err := sqlite.Open(ctx, p.SQLite.Path)
		if err != nil {
			return err
		}
		a.sqlite = db
		a.logger.Info("SQLite store opened", "path", db.Path())
	}

	if p.NATS.Enabled {
		client, err := natsclient.NewClient(p.NATS.URL(),
			natsclient.WithName(appName),
			natsclient.WithLogger(a.logger),
			natsclient.WithMaxReconnects(p.NATS.MaxReconnects),
			natsclient.WithReconnectWait(p.NATS.ReconnectWait),
			natsclient.WithCredentials(p.NATS.Username, p.NATS.Password),
			natsclient.WithToken(p.NATS.Token),
		)
		if err != nil {
			return err
		}
		a.logger.Info("Connecting to NATS", "url", client.URL())
		if err := client.Connect(ctx); err != nil {
			return errors.Wrap(err, "app", "openStores", "connect to NATS")
		}
		a.nats = client
		a.monitor.Register("nats", client.HealthCheck)

		kv, err := natskv.Open(ctx, client, p.NATS.Store, a.logger)
		if err != nil {
			return err
		}
		a.natskv = kv
	}
	return nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg
	core := a.metrics.CoreMetrics()

	a.registry = registry.New(classifier.New(cfg.Classifier),
		registry.WithLogger(a.logger),
		registry.WithDefaultConfig(cfg.NodeDefaults),
		registry.WithClockTolerance(cfg.Ingest.MaxClockSkew))

	a.hub = fanout.NewHub(
		fanout.WithBufferSize(cfg.Fanout.BufferSize),
		fanout.WithLogger(a.logger),
		fanout.WithMetrics(core))

	transport, err := mqtt.New(cfg.MQTT, a.logger)
	if err != nil {
		return err
	}
	a.manager, err = subscription.NewManager(transport, cfg.Subscription,
		subscription.WithLogger(a.logger),
		subscription.WithMetrics(core))
	if err != nil {
		return err
	}
	a.monitor.Register("transport", a.manager.HealthCheck)

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(a.logger),
		ingest.WithMetrics(core),
		ingest.WithDispatcher(a.hub),
		ingest.WithPublisher(a.manager),
	}

	var backends store.Multi
	if a.natskv != nil {
		backends = append(backends, a.natskv)
	}
	if a.sqlite != nil {
		backends = append(backends, a.sqlite)
	}
	if len(backends) > 0 {
		a.writer = store.NewWriter(backends, cfg.Persistence.Writer,
			store.WithLogger(a.logger),
			store.WithMetrics(core),
			store.WithHealthMonitor(a.monitor))
		pipelineOpts = append(pipelineOpts, ingest.WithPersister(a.writer))
	} else {
		a.logger.Warn("No persistence backend enabled, readings are kept in memory only")
	}

	if cfg.Kafka.Enabled {
		a.sink, err = kafka.New(cfg.Kafka.Sink, kafka.WithLogger(a.logger), kafka.WithMetrics(core))
		if err != nil {
			return err
		}
		pipelineOpts = append(pipelineOpts, ingest.WithAlertSink(a.sink))
	}

	a.pipeline = ingest.New(a.registry, cfg.Topics(), cfg.Ingest, pipelineOpts...)
	a.sweeper = ingest.NewSweeper(a.pipeline, cfg.Sweep.Interval, nil)

	if cfg.Persistence.NATS.WatchConfigs {
		a.watcher, err = natskv.OpenConfigWatcher(ctx, a.nats, cfg.Persistence.NATS.ConfigBucket, a.pipeline, a.logger)
		if err != nil {
			return err
		}
	}

	a.observers = websocket.NewServer(a.hub, a.registry, cfg.WebSocket, websocket.WithLogger(a.logger))

	httpOpts := []gwhttp.Option{
		gwhttp.WithLogger(a.logger),
		gwhttp.WithHealth(a.monitor),
		gwhttp.WithTransport(a.manager),
		gwhttp.WithTelemetry(a.pipeline),
		gwhttp.WithCommands(a.manager, cfg.Topics(), cfg.Ingest.QoS),
		gwhttp.WithMetricsHandler(a.metrics.Handler()),
		gwhttp.WithObservers(a.observers),
	}
	if a.sqlite != nil {
		httpOpts = append(httpOpts, gwhttp.WithReadings(a.sqlite))
	}
	if opts.accessLog {
		httpOpts = append(httpOpts, gwhttp.WithAccessLog(os.Stdout))
	}
	a.http = gwhttp.NewServer(cfg.HTTP, a.registry, a.pipeline, httpOpts...)
	return nil
}

// loaders returns the restore sources, shared state first
func (a *app) loaders() []store.NodeLoader {
	var out []store.NodeLoader
	if a.natskv != nil {
		out = append(out, a.natskv)
	}
	if a.sqlite != nil {
		out = append(out, a.sqlite)
	}
	return out
}

// run restores state, starts every component and blocks until ctx ends or a
// component fails, then shuts down within shutdownTimeout.
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	for _, loader := range a.loaders() {
		if _, err := a.pipeline.Restore(ctx, loader); err != nil {
			a.logger.Warn("Restore failed, continuing with partial state", "error", err)
		}
	}

	if err := a.start(); err != nil {
		_ = a.stop(shutdownTimeout)
		return err
	}

	var err error
	a.bound, err = a.pipeline.Bind(ctx, a.manager)
	if err != nil {
		_ = a.stop(shutdownTimeout)
		return err
	}

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			_ = a.stop(shutdownTimeout)
			return err
		}
	}

	go func() {
		for err := range a.manager.Errors() {
			a.logger.Warn("Transport error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.manager.Connect(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(a.http.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Received shutdown signal")
		return a.stop(shutdownTimeout)
	})

	a.logger.Info("Firewatch started", "http_addr", a.cfg.HTTP.Addr, "broker", a.cfg.MQTT.BrokerURL)
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "app", "run", "run components")
	}
	a.logger.Info("Firewatch shutdown complete")
	return nil
}

func (a *app) start() error {
	if a.writer != nil {
		if err := a.writer.Start(a.workCtx); err != nil {
			return err
		}
	}
	if a.sink != nil {
		if err := a.sink.Start(a.workCtx); err != nil {
			return err
		}
	}
	return a.pipeline.Start(a.workCtx)
}

// stop tears components down in dependency order: outer surfaces first, then
// ingestion, then the queues in front of the transport and the stores.
func (a *app) stop(timeout time.Duration) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.teardown(timeout)
	})
	return err
}

func (a *app) teardown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer a.cancelWork()

	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	record(a.http.Shutdown(ctx))
	record(a.observers.Shutdown(ctx))
	if a.watcher != nil {
		record(a.watcher.Stop(timeout))
	}
	for _, sub := range a.bound {
		record(sub.Unsubscribe(ctx))
	}
	record(a.pipeline.Stop(timeout))
	record(a.manager.Shutdown(ctx))
	if a.writer != nil {
		record(a.writer.Stop(timeout))
	}
	if a.sink != nil {
		record(a.sink.Close(ctx))
	}
	a.hub.Close()
	a.closeStores(ctx)

	if len(errs) > 0 {
		a.logger.Warn("Shutdown finished with errors", "count", len(errs))
	}
	return stderrors.Join(errs...)
}

func (a *app) closeStores(ctx context.Context) {
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("Closing SQLite store failed", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Closing NATS connection failed", "error", err)
		}
	}
}
