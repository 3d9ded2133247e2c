// Package ingest validates inbound device payloads, persists them,
// refreshes the current-value cache and republishes normalized events on
// the internal dispatcher. One storage transaction covers one category
// batch; duplicate telemetry re-delivery is swallowed as success.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/canopyhq/canopy/cache"
	"github.com/canopyhq/canopy/dispatch"
	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/session"
	"github.com/canopyhq/canopy/store"
)

// Pipeline processes one category payload at a time. Handlers are invoked
// from the dispatcher's consumer goroutine, already guarded by the
// session middleware.
type Pipeline struct {
	store     *store.Store
	sensors   cache.Store
	internal  dispatch.Dispatcher
	stream    dispatch.Dispatcher
	alarms    *AlarmBuffer
	validator *Validator
	logger    *slog.Logger
	metrics   *Metrics
	nowFn     func() time.Time
}

// streamTTL bounds live telemetry fan-out; a reading the broker held for
// longer than this has been superseded anyway.
const streamTTL = 90 * time.Second

// Config wires the pipeline's collaborators. Internal and Stream may be
// nil when no fan-out dispatcher is configured.
type Config struct {
	Store    *store.Store
	Sensors  cache.Store
	Internal dispatch.Dispatcher
	Stream   dispatch.Dispatcher
	Alarms   *AlarmBuffer
	Logger   *slog.Logger
	Metrics  *Metrics
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.WrapInvalid(errors.New("nil store"), "Pipeline", "NewPipeline", "validate config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "ingest")

	validator, err := NewValidator(cfg.Logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	if cfg.Alarms == nil {
		cfg.Alarms = NewAlarmBuffer(cfg.Metrics)
	}

	return &Pipeline{
		store:     cfg.Store,
		sensors:   cfg.Sensors,
		internal:  cfg.Internal,
		stream:    cfg.Stream,
		alarms:    cfg.Alarms,
		validator: validator,
		logger:    logger,
		metrics:   cfg.Metrics,
		nowFn:     time.Now,
	}, nil
}

// Alarms exposes the buffer so the periodic logger can drain it.
func (p *Pipeline) Alarms() *AlarmBuffer { return p.alarms }

// republish forwards the normalized payload to internal subscribers so
// they never re-derive it from raw device traffic.
func (p *Pipeline) republish(ctx context.Context, event string, payload any) {
	if p.internal == nil {
		return
	}
	if err := p.internal.Emit(ctx, event, payload); err != nil {
		p.logger.Warn("internal republish failed", "event", event, "error", err)
	}
}

// streamOut publishes live telemetry for transient consumers. TTL-bounded
// and best effort.
func (p *Pipeline) streamOut(ctx context.Context, event string, payload any) {
	if p.stream == nil {
		return
	}
	if err := p.stream.Emit(ctx, "current_"+event, payload, dispatch.TTL(streamTTL)); err != nil {
		p.logger.Warn("stream publish failed", "event", event, "error", err)
	}
}

// HandleBaseInfo upserts one ecosystem row per payload entry.
func (p *Pipeline) HandleBaseInfo(ctx context.Context, engineUID string, raw json.RawMessage) error {
	if err := p.validator.Validate(string(session.CategoryBaseInfo), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[BaseInfo]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleBaseInfo", "decode payload")
	}

	now := p.nowFn()
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		keep := make([]string, 0, len(payload))
		for _, item := range payload {
			keep = append(keep, item.UID)
			eco := store.Ecosystem{
				UID:       item.UID,
				EngineUID: engineUID,
				Name:      item.Data.Name,
				Status:    item.Data.Status,
				LastSeen:  now,
			}
			if err := p.store.UpsertEcosystemTx(ctx, tx, eco); err != nil {
				return err
			}
		}
		return p.store.ReconcileEcosystems(ctx, tx, engineUID, keep)
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(session.CategoryBaseInfo))
	p.republish(ctx, "base_info", raw)
	return nil
}

// HandleManagement folds each ecosystem's capability flags into the
// stored bitmask.
func (p *Pipeline) HandleManagement(ctx context.Context, _ string, raw json.RawMessage) error {
	if err := p.validator.Validate(string(session.CategoryManagement), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[map[string]bool]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleManagement", "decode payload")
	}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range payload {
			if err := p.store.SetEcosystemManagementTx(ctx, tx, item.UID, ManagementBitmask(item.Data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(session.CategoryManagement))
	p.republish(ctx, "management", raw)
	return nil
}

// HandleEnvironmentalParameters upserts climate parameters and
// soft-removes the ones absent from the payload. The climate category
// shares this handler under its own event name.
func (p *Pipeline) HandleEnvironmentalParameters(ctx context.Context, category session.Category, raw json.RawMessage) error {
	if err := p.validator.Validate(string(category), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[[]EnvironmentParameterData]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleEnvironmentalParameters", "decode payload")
	}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range payload {
			keep := make([]string, 0, len(item.Data))
			for _, param := range item.Data {
				keep = append(keep, param.Parameter)
				if err := p.store.UpsertEnvironmentParameter(ctx, tx, store.EnvironmentParameter{
					EcosystemUID: item.UID,
					Parameter:    param.Parameter,
					Day:          param.Day,
					Night:        param.Night,
					Hysteresis:   param.Hysteresis,
				}); err != nil {
					return err
				}
			}
			if err := p.store.ReconcileEnvironmentParameters(ctx, tx, item.UID, keep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(category))
	p.republish(ctx, string(category), raw)
	return nil
}

// HandleHardware upserts the inventory and soft-removes hardware the
// device stopped reporting.
func (p *Pipeline) HandleHardware(ctx context.Context, _ string, raw json.RawMessage) error {
	if err := p.validator.Validate(string(session.CategoryHardware), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[[]HardwareData]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleHardware", "decode payload")
	}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range payload {
			keep := make([]string, 0, len(item.Data))
			for _, hw := range item.Data {
				keep = append(keep, hw.UID)
				if err := p.store.UpsertHardware(ctx, tx, store.Hardware{
					UID:          hw.UID,
					EcosystemUID: item.UID,
					Name:         hw.Name,
					Level:        hw.Level,
					Address:      hw.Address,
					Type:         hw.Type,
					Model:        hw.Model,
					Measures:     hw.Measures,
				}); err != nil {
					return err
				}
			}
			if err := p.store.ReconcileHardware(ctx, tx, item.UID, keep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(session.CategoryHardware))
	p.republish(ctx, "hardware", raw)
	return nil
}

// HandleChaosParameters persists the perturbation configuration.
func (p *Pipeline) HandleChaosParameters(ctx context.Context, _ string, raw json.RawMessage) error {
	if err := p.validator.Validate(string(session.CategoryChaosParameters), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[ChaosData]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleChaosParameters", "decode payload")
	}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range payload {
			chaos := store.ChaosParameters{
				EcosystemUID: item.UID,
				Frequency:    item.Data.Frequency,
				Duration:     item.Data.Duration,
				Intensity:    item.Data.Intensity,
			}
			if item.Data.Beginning != nil {
				chaos.Beginning = *item.Data.Beginning
			}
			if item.Data.End != nil {
				chaos.End = *item.Data.End
			}
			if err := p.store.UpsertChaosParameters(ctx, tx, chaos); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(session.CategoryChaosParameters))
	p.republish(ctx, "chaos_parameters", raw)
	return nil
}

// HandleNycthemeralConfig persists the day/night window and lighting
// method.
func (p *Pipeline) HandleNycthemeralConfig(ctx context.Context, _ string, raw json.RawMessage) error {
	if err := p.validator.Validate(string(session.CategoryNycthemeral), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[NycthemeralData]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleNycthemeralConfig", "decode payload")
	}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range payload {
			if err := p.store.UpsertNycthemeralCycle(ctx, tx, store.NycthemeralCycle{
				EcosystemUID: item.UID,
				Span:         item.Data.Span,
				Lighting:     item.Data.Lighting,
				Day:          item.Data.Day,
				Night:        item.Data.Night,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(session.CategoryNycthemeral))
	p.republish(ctx, "nycthemeral_config", raw)
	return nil
}

// HandleActuatorsState records each actuator's current status and level
// as actuator telemetry.
func (p *Pipeline) HandleActuatorsState(ctx context.Context, _ string, raw json.RawMessage) error {
	if err := p.validator.Validate(string(session.CategoryActuatorsState), raw); err != nil {
		return err
	}
	var payload []EcosystemPayload[[]ActuatorStateData]
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleActuatorsState", "decode payload")
	}

	now := p.nowFn()
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range payload {
			for _, state := range item.Data {
				status := 0.0
				if state.Status {
					status = 1.0
				}
				rec := store.Record{
					EcosystemUID: item.UID,
					SourceUID:    state.Type,
					Measure:      "status",
					Value:        status,
					Timestamp:    now,
				}
				if err := p.insertInTx(ctx, tx, store.KindActuator, rec); err != nil {
					return err
				}
				if state.Level > 0 {
					rec.Measure = "level"
					rec.Value = state.Level
					if err := p.insertInTx(ctx, tx, store.KindActuator, rec); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.ingested(string(session.CategoryActuatorsState))
	p.republish(ctx, "actuators_state", raw)
	return nil
}

// insertInTx writes one record inside the batch transaction, treating
// duplicate re-delivery as success.
func (p *Pipeline) insertInTx(ctx context.Context, tx *sql.Tx, kind store.RecordKind, rec store.Record) error {
	inserted, err := p.store.InsertRecordTx(ctx, tx, kind, rec)
	if err != nil {
		return err
	}
	if !inserted {
		p.metrics.duplicate(string(kind))
		p.logger.Debug("duplicate record skipped",
			"kind", kind, "ecosystem", rec.EcosystemUID, "measure", rec.Measure)
	}
	return nil
}

// HandleTelemetry processes sensors_data, health_data and actuators_data.
// Sensor groups additionally refresh the current-value cache and replace
// the pending alarm buffer.
func (p *Pipeline) HandleTelemetry(ctx context.Context, kind store.RecordKind, event string, raw json.RawMessage) error {
	if err := p.validator.Validate("telemetry", raw); err != nil {
		return err
	}
	var groups []TelemetryGroup
	if err := json.Unmarshal(raw, &groups); err != nil {
		return errors.WrapInvalid(err, "Pipeline", "HandleTelemetry", "decode payload")
	}

	// All inserts for the batch commit together; a failure mid-batch
	// leaves no partial rows behind.
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, group := range groups {
			for _, m := range group.Records {
				if err := p.insertInTx(ctx, tx, kind, store.Record{
					EcosystemUID: group.EcosystemUID,
					SourceUID:    m.SensorUID,
					Measure:      m.Measure,
					Value:        m.Value,
					Timestamp:    group.Timestamp,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var pending []store.Alarm
	for _, group := range groups {
		if kind != store.KindSensor {
			continue
		}

		if p.sensors != nil {
			entry := CachedSensors{Timestamp: group.Timestamp, Records: group.Records}
			if err := p.sensors.Set(ctx, group.EcosystemUID, entry); err != nil {
				p.logger.Warn("cache update failed", "ecosystem", group.EcosystemUID, "error", err)
			}
		}

		for _, a := range group.Alarms {
			pending = append(pending, store.Alarm{
				EcosystemUID: group.EcosystemUID,
				SensorUID:    a.SensorUID,
				Measure:      a.Measure,
				Position:     a.Position,
				Delta:        a.Delta,
				Level:        a.Level,
				Since:        group.Timestamp,
				Until:        group.Timestamp,
			})
		}
	}

	if kind == store.KindSensor {
		// The buffer is replaced wholesale; stale alarms from the previous
		// batch are superseded, not appended to.
		p.alarms.Replace(pending)
	}

	p.metrics.ingested(event)
	p.republish(ctx, event, raw)
	p.streamOut(ctx, event, raw)
	return nil
}

// HandleBufferedBatch replays records a device withheld while offline.
// The insert is all-or-nothing; the returned ack always carries the
// batch's own correlation id.
func (p *Pipeline) HandleBufferedBatch(ctx context.Context, kind store.RecordKind, raw json.RawMessage) BatchAck {
	if err := p.validator.Validate("buffered", raw); err != nil {
		p.metrics.batch(string(kind), AckFailure)
		return BatchAck{Status: AckFailure, Message: err.Error()}
	}
	var batch BufferedBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		p.metrics.batch(string(kind), AckFailure)
		return BatchAck{Status: AckFailure, Message: fmt.Sprintf("decode payload: %v", err)}
	}

	recs := make([]store.Record, 0, len(batch.Data))
	for _, r := range batch.Data {
		recs = append(recs, store.Record{
			EcosystemUID: r.EcosystemUID,
			SourceUID:    r.SourceUID,
			Measure:      r.Measure,
			Value:        r.Value,
			Timestamp:    r.Timestamp,
		})
	}

	inserted, err := p.store.BulkInsertRecords(ctx, kind, recs)
	if err != nil {
		p.logger.Error("buffered batch failed", "kind", kind, "uuid", batch.UUID, "error", err)
		p.metrics.batch(string(kind), AckFailure)
		return BatchAck{UUID: batch.UUID, Status: AckFailure, Message: err.Error()}
	}

	p.logger.Debug("buffered batch applied",
		"kind", kind, "uuid", batch.UUID, "received", len(recs), "inserted", inserted)
	p.metrics.batch(string(kind), AckSuccess)
	return BatchAck{UUID: batch.UUID, Status: AckSuccess}
}
