// Package archive moves telemetry rows older than a per-dataset retention
// window from the live tables into their archive twins. Sweeps run on a
// cron schedule with a bounded misfire grace: when the process was down
// at the scheduled time, the sweep still runs once within the grace
// window, otherwise it waits for the next slot.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/store"
)

const lastRunKey = "archiver_last_run"

// Link binds one dataset name to its retention window. RetentionDays of
// zero disables archiving for the dataset; it is skipped silently.
type Link struct {
	Dataset       string
	RetentionDays int
}

// pair is the memoized live/archive binding for one dataset.
type pair struct {
	kind          store.RecordKind
	retentionDays int
}

// datasetKinds maps dataset names to their record family. A dataset
// outside this map has no archive twin.
var datasetKinds = map[string]store.RecordKind{
	"sensors_data":   store.KindSensor,
	"actuators_data": store.KindActuator,
	"health_data":    store.KindHealth,
}

// Config for the archiver.
type Config struct {
	Store *store.Store
	Links []Link
	// Spec is a standard 5-field cron expression, e.g. "0 1 * * 0".
	Spec string
	// Grace bounds how late a missed run may still fire.
	Grace  time.Duration
	Logger *slog.Logger
}

// Archiver owns the schedule and the memoized dataset mapping.
type Archiver struct {
	store    *store.Store
	pairs    []pair
	schedule cron.Schedule
	grace    time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	nowFn    func() time.Time

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New validates the configuration. Datasets without a live/archive pair
// are warned about here, once, and excluded from every sweep.
func New(cfg Config, metrics *Metrics) (*Archiver, error) {
	if cfg.Store == nil {
		return nil, errors.WrapInvalid(errors.New("nil store"), "Archiver", "New", "validate config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "archive")

	schedule, err := cron.ParseStandard(cfg.Spec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Archiver", "New", "parse schedule")
	}

	pairs := make([]pair, 0, len(cfg.Links))
	for _, link := range cfg.Links {
		kind, ok := datasetKinds[link.Dataset]
		if !ok {
			logger.Warn("dataset has no archive pair, excluded from sweeps", "dataset", link.Dataset)
			continue
		}
		pairs = append(pairs, pair{kind: kind, retentionDays: link.RetentionDays})
	}

	return &Archiver{
		store:    cfg.Store,
		pairs:    pairs,
		schedule: schedule,
		grace:    cfg.Grace,
		logger:   logger,
		metrics:  metrics,
		nowFn:    time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	go a.run(ctx)
	a.logger.Info("archiver started", "pairs", len(a.pairs), "grace", a.grace)
	return nil
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)

	if a.misfired(ctx) {
		a.sweep(ctx)
	}

	for {
		next := a.schedule.Next(a.nowFn())
		timer := time.NewTimer(next.Sub(a.nowFn()))
		select {
		case <-a.shutdown:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			a.sweep(ctx)
		}
	}
}

// misfired reports whether a scheduled run was missed while the process
// was down and is still within the grace window.
func (a *Archiver) misfired(ctx context.Context) bool {
	raw, err := a.store.GetMeta(ctx, lastRunKey)
	if err != nil {
		a.logger.Warn("could not read last run marker", "error", err)
		return false
	}
	if raw == "" {
		return false
	}
	lastRun, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		a.logger.Warn("unreadable last run marker", "value", raw, "error", err)
		return false
	}

	now := a.nowFn()
	missed := a.schedule.Next(lastRun)
	if missed.After(now) {
		return false // nothing was due
	}
	if now.Sub(missed) > a.grace {
		a.logger.Info("missed run beyond grace window, skipping",
			"due", missed, "grace", a.grace)
		return false
	}
	a.logger.Info("running missed sweep within grace window", "due", missed)
	return true
}

// sweep runs one archive pass over every paired dataset.
func (a *Archiver) sweep(ctx context.Context) {
	now := a.nowFn()
	for _, p := range a.pairs {
		if p.retentionDays <= 0 {
			continue // archiving disabled for this dataset
		}
		cutoff := now.AddDate(0, 0, -p.retentionDays)
		moved, err := a.store.ArchiveSweep(ctx, p.kind, cutoff)
		if err != nil {
			a.logger.Error("sweep failed", "kind", p.kind, "error", err)
			continue
		}
		a.metrics.archived(string(p.kind), moved)
		if moved > 0 {
			a.logger.Info("rows archived", "kind", p.kind, "rows", moved, "cutoff", cutoff)
		}
	}

	if err := a.store.SetMeta(ctx, lastRunKey, now.UTC().Format(time.RFC3339)); err != nil {
		a.logger.Warn("could not persist last run marker", "error", err)
	}
	a.metrics.sweepDone()
}

func (a *Archiver) Stop(timeout time.Duration) error {
	if !a.started.Load() {
		return errors.ErrNotStarted
	}
	a.stopOnce.Do(func() { close(a.shutdown) })
	select {
	case <-a.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.New("shutdown timeout"), "Archiver", "Stop", "wait")
	}
}
