// Package service is the composition root: it constructs the
// dispatchers, store, caches, session registry, pipeline, periodic
// logger and archiver, wires them together explicitly and owns their
// lifecycle. No package-level singletons.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopyhq/canopy/archive"
	"github.com/canopyhq/canopy/cache"
	"github.com/canopyhq/canopy/config"
	"github.com/canopyhq/canopy/dispatch"
	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/events"
	"github.com/canopyhq/canopy/ingest"
	"github.com/canopyhq/canopy/session"
	"github.com/canopyhq/canopy/store"
)

// Aggregator is the assembled application.
type Aggregator struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry

	gaia     dispatch.Dispatcher
	internal dispatch.Dispatcher
	stream   dispatch.Dispatcher

	store    *store.Store
	sessions *session.Registry
	pipeline *ingest.Pipeline
	plogger  *ingest.PeriodicLogger
	archiver *archive.Archiver

	natsConn    *nats.Conn
	metricsSrv  *http.Server
	initialized bool
	mu          sync.Mutex
}

func New(cfg *config.Config, logger *slog.Logger) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.New("nil config"), "Aggregator", "New", "validate config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:    cfg,
		logger: logger.With("component", "service"),
	}, nil
}

// Initialize constructs every collaborator without starting any
// goroutine. Cache backends are probed here, so an unreachable broker
// fails startup instead of the first read.
func (a *Aggregator) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return errors.ErrAlreadyStarted
	}

	var reg *prometheus.Registry
	if a.cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		a.registry = reg
	}

	var err error
	a.gaia, err = dispatch.New(dispatch.Config{
		Name:      "gaia",
		URI:       a.cfg.Gaia.URI,
		Namespace: a.cfg.Gaia.Namespace,
		QueueSize: a.cfg.Gaia.QueueSize,
		Logger:    a.logger,
	}, dispatch.NewMetrics(reg, "gaia"))
	if err != nil {
		return err
	}
	a.internal, err = dispatch.New(dispatch.Config{
		Name:      "internal",
		URI:       a.cfg.Internal.URI,
		Namespace: a.cfg.Internal.Namespace,
		QueueSize: a.cfg.Internal.QueueSize,
		Logger:    a.logger,
	}, dispatch.NewMetrics(reg, "internal"))
	if err != nil {
		return err
	}
	a.stream, err = dispatch.New(dispatch.Config{
		Name:      "stream",
		URI:       a.cfg.Stream.URI,
		Namespace: a.cfg.Stream.Namespace,
		QueueSize: a.cfg.Stream.QueueSize,
		Logger:    a.logger,
	}, dispatch.NewMetrics(reg, "stream"))
	if err != nil {
		return err
	}

	a.store, err = store.Open(a.cfg.DatabasePath, a.cfg.ArchivePath)
	if err != nil {
		return err
	}

	sensors, err := a.openCaches(ctx, reg)
	if err != nil {
		return err
	}

	a.sessions = session.NewRegistry()
	ingestMetrics := ingest.NewMetrics(reg)
	a.pipeline, err = ingest.NewPipeline(ingest.Config{
		Store:    a.store,
		Sensors:  sensors,
		Internal: a.internal,
		Stream:   a.stream,
		Logger:   a.logger,
		Metrics:  ingestMetrics,
	})
	if err != nil {
		return err
	}

	events.New(a.gaia, a.internal, a.sessions, a.pipeline, a.store, a.logger).Bind()

	a.plogger = ingest.NewPeriodicLogger(a.store, sensors, a.pipeline.Alarms(),
		a.cfg.SensorLogPeriodMinutes, a.logger, ingestMetrics)

	links := make([]archive.Link, 0, len(a.cfg.Datasets))
	for dataset, policy := range a.cfg.Datasets {
		if policy.RetentionDays > 0 {
			links = append(links, archive.Link{Dataset: dataset, RetentionDays: policy.RetentionDays})
		}
	}
	a.archiver, err = archive.New(archive.Config{
		Store:  a.store,
		Links:  links,
		Spec:   a.cfg.Archiver.Spec,
		Grace:  time.Duration(a.cfg.Archiver.GraceHours) * time.Hour,
		Logger: a.logger,
	}, archive.NewMetrics(reg))
	if err != nil {
		return err
	}

	a.initialized = true
	a.logger.Info("aggregator initialized",
		"database", a.cfg.DatabasePath, "gaia", a.cfg.Gaia.URI, "cache", a.cfg.CacheBackendURI)
	return nil
}

// openCaches builds one store per configured dataset, all through one
// registry so conflicting dataset policies fail fast. Returns the
// sensors store the pipeline needs.
func (a *Aggregator) openCaches(ctx context.Context, reg *prometheus.Registry) (cache.Store, error) {
	u, err := url.Parse(a.cfg.CacheBackendURI)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Aggregator", "openCaches", "parse cache URI")
	}

	backendFor := func(dataset string) (cache.Backend, error) {
		switch strings.ToLower(u.Scheme) {
		case "memory":
			return cache.NewMemoryBackend(), nil
		case "nats":
			if a.natsConn == nil {
				a.natsConn, err = nats.Connect(a.cfg.CacheBackendURI,
					nats.Name("canopy-cache"), nats.MaxReconnects(-1))
				if err != nil {
					return nil, errors.WrapFatal(errors.ErrBackendUnreachable, "Aggregator", "openCaches", "connect")
				}
			}
			return cache.NewKVBackend(a.natsConn, "canopy_"+dataset)
		default:
			return nil, fmt.Errorf("aggregator: cache scheme %q: %w", u.Scheme, errors.ErrSchemeUnknown)
		}
	}

	registry := cache.NewRegistry(cache.NewMetrics(reg))
	var sensors cache.Store
	for dataset, policy := range a.cfg.Datasets {
		backend, err := backendFor(dataset)
		if err != nil {
			return nil, err
		}
		st, err := registry.Open(ctx, cache.StoreConfig{
			Dataset: dataset,
			Backend: backend,
			TTL:     time.Duration(policy.TTLSeconds) * time.Second,
			Grace:   time.Duration(policy.GraceSeconds) * time.Second,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, err
		}
		if dataset == "sensors_data" {
			sensors = st
		}
	}
	return sensors, nil
}

// Start launches the dispatchers, the periodic logger, the archiver and
// the metrics endpoint.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return errors.ErrNotStarted
	}

	for _, d := range []dispatch.Dispatcher{a.gaia, a.internal, a.stream} {
		if err := d.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.plogger.Start(ctx); err != nil {
		return err
	}
	if err := a.archiver.Start(ctx); err != nil {
		return err
	}

	if a.cfg.MetricsEnabled && a.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{
			Addr:              a.cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	a.logger.Info("aggregator started")
	return nil
}

// Stop shuts everything down in reverse order of Start, bounded by
// timeout overall.
func (a *Aggregator) Stop(timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return errors.ErrNotStarted
	}

	var errs []error
	collect := func(name string, err error) {
		if err != nil && !errors.Is(err, errors.ErrNotStarted) {
			a.logger.Warn("shutdown error", "part", name, "error", err)
			errs = append(errs, err)
		}
	}

	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		collect("metrics", a.metricsSrv.Shutdown(ctx))
		cancel()
	}
	collect("archiver", a.archiver.Stop(timeout))
	collect("periodic_logger", a.plogger.Stop(timeout))
	collect("gaia", a.gaia.Stop(timeout))
	collect("internal", a.internal.Stop(timeout))
	collect("stream", a.stream.Stop(timeout))
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	collect("store", a.store.Close())

	a.logger.Info("aggregator stopped", "errors", len(errs))
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
