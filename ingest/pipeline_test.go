package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/cache"
	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, cache.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "canopy.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Ecosystem rows reference their engine; register it up front the way
	// the registration handshake does.
	require.NoError(t, st.UpsertEngine(context.Background(), store.Engine{
		UID: "E1", ConnectionID: "conn-1", Address: "10.0.0.5",
		LastSeen: time.Now(), RegisteredAt: time.Now(),
	}))

	sensors, err := cache.NewRegistry(nil).Open(context.Background(), cache.StoreConfig{
		Dataset: "sensors_data",
		Backend: cache.NewMemoryBackend(),
		TTL:     10 * time.Minute,
	})
	require.NoError(t, err)

	p, err := NewPipeline(Config{Store: st, Sensors: sensors})
	require.NoError(t, err)
	return p, st, sensors
}

func seedEcosystem(t *testing.T, p *Pipeline) {
	t.Helper()
	payload := `[{"uid": "eco-1", "data": {"name": "greenhouse", "status": true}}]`
	require.NoError(t, p.HandleBaseInfo(context.Background(), "E1", json.RawMessage(payload)))
}

func TestHandleBaseInfoRejectsInvalidPayload(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	// name is required.
	payload := `[{"uid": "eco-1", "data": {"status": true}}]`
	err := p.HandleBaseInfo(context.Background(), "E1", json.RawMessage(payload))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestHandleBaseInfoUpserts(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedEcosystem(t, p)

	// Same payload again simply re-processes.
	seedEcosystem(t, p)

	ecos, err := st.ListEcosystems(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, ecos, 1)
	assert.Equal(t, "greenhouse", ecos[0].Name)
	assert.True(t, ecos[0].Status)
}

func TestHandleBaseInfoReconcilesRemoved(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	two := `[
		{"uid": "eco-1", "data": {"name": "front", "status": true}},
		{"uid": "eco-2", "data": {"name": "back", "status": true}}
	]`
	require.NoError(t, p.HandleBaseInfo(ctx, "E1", json.RawMessage(two)))

	// The next payload no longer mentions eco-2.
	one := `[{"uid": "eco-1", "data": {"name": "front", "status": true}}]`
	require.NoError(t, p.HandleBaseInfo(ctx, "E1", json.RawMessage(one)))

	ecos, err := st.ListEcosystems(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, ecos, 2, "soft removal never deletes")
	byUID := map[string]store.Ecosystem{}
	for _, eco := range ecos {
		byUID[eco.UID] = eco
	}
	assert.True(t, byUID["eco-1"].InConfig)
	assert.False(t, byUID["eco-2"].InConfig)

	// Reporting eco-2 again restores it.
	require.NoError(t, p.HandleBaseInfo(ctx, "E1", json.RawMessage(two)))
	ecos, err = st.ListEcosystems(ctx, "E1")
	require.NoError(t, err)
	for _, eco := range ecos {
		assert.True(t, eco.InConfig, eco.UID)
	}
}

func TestHandleManagementSetsBitmask(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedEcosystem(t, p)

	payload := `[{"uid": "eco-1", "data": {"sensors": true, "climate": true, "webcam": false}}]`
	require.NoError(t, p.HandleManagement(ctx, "E1", json.RawMessage(payload)))

	ecos, err := st.ListEcosystems(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, ecos, 1)
	assert.Equal(t, int64(1|1<<2), ecos[0].Management)
}

func TestManagementBitmask(t *testing.T) {
	assert.Equal(t, int64(0), ManagementBitmask(nil))
	assert.Equal(t, int64(1), ManagementBitmask(map[string]bool{"sensors": true}))
	assert.Equal(t, int64(1<<5), ManagementBitmask(map[string]bool{"alarms": true}))
	assert.Equal(t, int64(0), ManagementBitmask(map[string]bool{"unknown_flag": true}))
}

func TestHandleHardwareReconciles(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedEcosystem(t, p)

	two := `[{"uid": "eco-1", "data": [
		{"uid": "S1", "name": "dht-front", "type": "sensor", "level": "environment", "measures": ["temperature"]},
		{"uid": "S2", "name": "dht-back", "type": "sensor", "level": "environment", "measures": ["humidity"]}
	]}]`
	require.NoError(t, p.HandleHardware(ctx, "E1", json.RawMessage(two)))

	one := `[{"uid": "eco-1", "data": [
		{"uid": "S1", "name": "dht-front", "type": "sensor", "level": "environment", "measures": ["temperature"]}
	]}]`
	require.NoError(t, p.HandleHardware(ctx, "E1", json.RawMessage(one)))

	s1, err := st.GetHardware(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, s1.InConfig)

	s2, err := st.GetHardware(ctx, "S2")
	require.NoError(t, err)
	require.NotNil(t, s2)
	assert.False(t, s2.InConfig)
}

func telemetryPayload(ts time.Time, value float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[{
		"ecosystem_uid": "eco-1",
		"timestamp": %q,
		"records": [{"sensor_uid": "S1", "measure": "temperature", "value": %g}]
	}]`, ts.Format(time.RFC3339), value))
}

func TestHandleTelemetryPersistsAndCaches(t *testing.T) {
	p, st, sensors := newTestPipeline(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.HandleTelemetry(ctx, store.KindSensor, "sensors_data", telemetryPayload(ts, 21.5)))

	count, err := st.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	raw, found, err := sensors.Get(ctx, "eco-1")
	require.NoError(t, err)
	require.True(t, found)
	var cached CachedSensors
	require.NoError(t, json.Unmarshal(raw, &cached))
	require.Len(t, cached.Records, 1)
	assert.InDelta(t, 21.5, cached.Records[0].Value, 1e-9)
}

func TestHandleTelemetrySwallowsDuplicates(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	payload := telemetryPayload(ts, 21.5)
	require.NoError(t, p.HandleTelemetry(ctx, store.KindSensor, "sensors_data", payload))
	require.NoError(t, p.HandleTelemetry(ctx, store.KindSensor, "sensors_data", payload))

	count, err := st.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "re-delivery leaves exactly one row")
}

func TestHandleTelemetryReplacesAlarmBuffer(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	withAlarm := json.RawMessage(fmt.Sprintf(`[{
		"ecosystem_uid": "eco-1",
		"timestamp": %q,
		"records": [{"sensor_uid": "S1", "measure": "temperature", "value": 35.0}],
		"alarms": [{"sensor_uid": "S1", "measure": "temperature", "position": "above", "delta": 5.0, "level": "critical"}]
	}]`, ts.Format(time.RFC3339)))
	require.NoError(t, p.HandleTelemetry(ctx, store.KindSensor, "sensors_data", withAlarm))
	assert.Equal(t, 1, p.Alarms().Len())

	// The next batch without alarms supersedes the buffer.
	require.NoError(t, p.HandleTelemetry(ctx, store.KindSensor, "sensors_data",
		telemetryPayload(ts.Add(time.Minute), 22.0)))
	assert.Equal(t, 0, p.Alarms().Len())
}

func TestHandleBufferedBatchAcks(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	payload := json.RawMessage(`{
		"uuid": "batch-42",
		"data": [
			{"ecosystem_uid": "eco-1", "source_uid": "S1", "measure": "temperature", "value": 20.1, "timestamp": "2026-02-01T11:58:00Z"},
			{"ecosystem_uid": "eco-1", "source_uid": "S1", "measure": "temperature", "value": 20.3, "timestamp": "2026-02-01T11:59:00Z"}
		]
	}`)

	ack := p.HandleBufferedBatch(ctx, store.KindSensor, payload)
	assert.Equal(t, "batch-42", ack.UUID)
	assert.Equal(t, AckSuccess, ack.Status)
	assert.Empty(t, ack.Message)

	count, err := st.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Replaying the same batch still succeeds and inserts nothing new.
	ack = p.HandleBufferedBatch(ctx, store.KindSensor, payload)
	assert.Equal(t, AckSuccess, ack.Status)
	count, err = st.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestHandleBufferedBatchRejectsMalformed(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	ack := p.HandleBufferedBatch(context.Background(), store.KindSensor,
		json.RawMessage(`{"data": []}`)) // uuid missing
	assert.Equal(t, AckFailure, ack.Status)
	assert.NotEmpty(t, ack.Message)
}

func TestPeriodicLoggerWritesAlignedValues(t *testing.T) {
	p, st, sensors := newTestPipeline(t)
	ctx := context.Background()
	seedEcosystem(t, p)

	hw := `[{"uid": "eco-1", "data": [
		{"uid": "S1", "name": "dht-front", "type": "sensor", "level": "environment", "measures": ["temperature"]}
	]}]`
	require.NoError(t, p.HandleHardware(ctx, "E1", json.RawMessage(hw)))

	aligned := time.Date(2026, 2, 1, 12, 10, 0, 0, time.UTC)
	entry := CachedSensors{
		Timestamp: aligned,
		Records:   []Measurement{{SensorUID: "S1", Measure: "temperature", Value: 21.5}},
	}
	require.NoError(t, sensors.Set(ctx, "eco-1", entry))

	logger := NewPeriodicLogger(st, sensors, p.Alarms(), 10, nil, nil)
	logger.nowFn = func() time.Time { return aligned.Add(5 * time.Second) }

	require.NoError(t, logger.RunOnce(ctx))
	count, err := st.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	s1, err := st.GetHardware(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, s1.LastLog.Equal(aligned))

	// A second run with the same cached value is a no-op.
	require.NoError(t, logger.RunOnce(ctx))
	count, err = st.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPeriodicLoggerSkipsOffCadence(t *testing.T) {
	p, st, sensors := newTestPipeline(t)
	ctx := context.Background()

	offCadence := time.Date(2026, 2, 1, 12, 7, 0, 0, time.UTC)
	entry := CachedSensors{
		Timestamp: offCadence,
		Records:   []Measurement{{SensorUID: "S1", Measure: "temperature", Value: 21.5}},
	}
	require.NoError(t, sensors.Set(ctx, "eco-1", entry))

	logger := NewPeriodicLogger(st, sensors, p.Alarms(), 10, nil, nil)
	logger.nowFn = func() time.Time { return time.Date(2026, 2, 1, 12, 10, 0, 0, time.UTC) }

	require.NoError(t, logger.RunOnce(ctx))
	count, err := st.CountRecords(ctx, store.KindSensor, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestPeriodicLoggerFlushesAlarmsOnCadence(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 10, 0, 0, time.UTC)
	p.Alarms().Replace([]store.Alarm{{
		EcosystemUID: "eco-1", SensorUID: "S1", Measure: "temperature",
		Position: "above", Delta: 5, Level: "critical",
		Since: now.Add(-time.Minute), Until: now.Add(-time.Minute),
	}})

	logger := NewPeriodicLogger(st, nil, p.Alarms(), 10, nil, nil)
	logger.nowFn = func() time.Time { return now }

	require.NoError(t, logger.RunOnce(ctx))
	assert.Equal(t, 0, p.Alarms().Len())

	open, err := st.ListOpenAlarms(ctx, "eco-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Until.Equal(now))
}

func TestPeriodicLoggerHoldsAlarmsOffCadence(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 3, 0, 0, time.UTC)
	p.Alarms().Replace([]store.Alarm{{
		EcosystemUID: "eco-1", SensorUID: "S1", Measure: "temperature",
		Position: "above", Delta: 5, Level: "critical",
		Since: now.Add(-time.Minute), Until: now.Add(-time.Minute),
	}})

	logger := NewPeriodicLogger(st, nil, p.Alarms(), 10, nil, nil)
	logger.nowFn = func() time.Time { return now }

	// The whole routine runs on the logging cadence; 12:03 is not a tick.
	require.NoError(t, logger.RunOnce(ctx))
	assert.Equal(t, 1, p.Alarms().Len())

	open, err := st.ListOpenAlarms(ctx, "eco-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}
