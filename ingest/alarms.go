package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopyhq/canopy/cache"
	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/store"
)

// AlarmBuffer holds pending alarms between sensor batches and logger
// runs. New sensor data replaces the whole list in one critical section;
// per-event persistence would amplify writes for alarms that repeat every
// few seconds.
type AlarmBuffer struct {
	mu      sync.Mutex
	pending []store.Alarm
	metrics *Metrics
}

func NewAlarmBuffer(metrics *Metrics) *AlarmBuffer {
	return &AlarmBuffer{metrics: metrics}
}

// Replace swaps the pending list wholesale.
func (b *AlarmBuffer) Replace(alarms []store.Alarm) {
	b.mu.Lock()
	b.pending = alarms
	b.mu.Unlock()
	b.metrics.setAlarmsBuffered(len(alarms))
}

// Drain returns the pending list and empties the buffer.
func (b *AlarmBuffer) Drain() []store.Alarm {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.metrics.setAlarmsBuffered(0)
	return pending
}

// Len reports the number of buffered alarms.
func (b *AlarmBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PeriodicLogger turns cached current values and buffered alarms into
// durable rows on a minute-aligned cadence. A run where nothing aligns is
// a no-op.
type PeriodicLogger struct {
	store   *store.Store
	sensors cache.Store
	alarms  *AlarmBuffer
	period  int // minutes between logging runs
	logger  *slog.Logger
	metrics *Metrics
	nowFn   func() time.Time

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewPeriodicLogger builds the logger. periodMinutes <= 0 disables the
// routine entirely; the alarm buffer stays bounded regardless, since new
// sensor batches replace it wholesale.
func NewPeriodicLogger(st *store.Store, sensors cache.Store, alarms *AlarmBuffer,
	periodMinutes int, logger *slog.Logger, metrics *Metrics) *PeriodicLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodicLogger{
		store:    st,
		sensors:  sensors,
		alarms:   alarms,
		period:   periodMinutes,
		logger:   logger.With("component", "ingest", "routine", "periodic_logger"),
		metrics:  metrics,
		nowFn:    time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *PeriodicLogger) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	go l.run(ctx)
	l.logger.Info("periodic logger started", "period_minutes", l.period)
	return nil
}

func (l *PeriodicLogger) run(ctx context.Context) {
	defer close(l.done)

	// Align the first tick to the next minute boundary.
	now := l.nowFn()
	wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-l.shutdown:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := l.RunOnce(ctx); err != nil {
				l.logger.Error("logging run failed", "error", err)
			}
			now = l.nowFn()
			timer.Reset(now.Truncate(time.Minute).Add(time.Minute).Sub(now))
		}
	}
}

func (l *PeriodicLogger) Stop(timeout time.Duration) error {
	if !l.started.Load() {
		return errors.ErrNotStarted
	}
	l.stopOnce.Do(func() { close(l.shutdown) })
	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.New("shutdown timeout"), "PeriodicLogger", "Stop", "wait")
	}
}

// RunOnce performs one logging pass when the current minute falls on the
// cadence: durable sensor rows for cached values not yet logged, then the
// buffered alarms. Off-cadence ticks do nothing.
func (l *PeriodicLogger) RunOnce(ctx context.Context) error {
	now := l.nowFn()
	if l.period <= 0 || now.Minute()%l.period != 0 {
		return nil
	}
	if err := l.logSensors(ctx); err != nil {
		return err
	}
	return l.logAlarms(ctx, now)
}

func (l *PeriodicLogger) logSensors(ctx context.Context) error {
	if l.sensors == nil {
		return nil
	}
	keys, err := l.sensors.Keys(ctx)
	if err != nil {
		return err
	}

	logged := 0
	for _, ecosystemUID := range keys {
		raw, found, err := l.sensors.Get(ctx, ecosystemUID)
		if err != nil || !found {
			continue
		}
		var cached CachedSensors
		if err := json.Unmarshal(raw, &cached); err != nil {
			l.logger.Warn("unreadable cache entry", "ecosystem", ecosystemUID, "error", err)
			continue
		}
		// Only timestamps on the logging cadence become durable rows.
		if cached.Timestamp.Minute()%l.period != 0 {
			continue
		}

		for _, m := range cached.Records {
			hw, err := l.store.GetHardware(ctx, m.SensorUID)
			if err != nil {
				return err
			}
			// Already logged for this timestamp.
			if hw != nil && !hw.LastLog.Before(cached.Timestamp) {
				continue
			}

			rec := store.Record{
				EcosystemUID: ecosystemUID,
				SourceUID:    m.SensorUID,
				Measure:      m.Measure,
				Value:        m.Value,
				Timestamp:    cached.Timestamp,
			}
			err = l.store.InsertRecord(ctx, store.KindSensor, rec)
			if err != nil && !errors.Is(err, errors.ErrDuplicateRecord) {
				return err
			}
			if err == nil {
				logged++
			}
			if hw != nil {
				if err := l.store.SetHardwareLastLog(ctx, m.SensorUID, cached.Timestamp); err != nil {
					return err
				}
			}
		}
	}

	if logged > 0 {
		l.metrics.logged(logged)
		l.logger.Debug("sensor values logged", "rows", logged)
	}
	return nil
}

func (l *PeriodicLogger) logAlarms(ctx context.Context, now time.Time) error {
	pending := l.alarms.Drain()
	if len(pending) == 0 {
		return nil
	}

	return l.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, a := range pending {
			a.Until = now
			if err := l.store.UpsertAlarm(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}
