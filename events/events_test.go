package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/cache"
	"github.com/canopyhq/canopy/dispatch"
	"github.com/canopyhq/canopy/ingest"
	"github.com/canopyhq/canopy/session"
	"github.com/canopyhq/canopy/store"
)

// harness runs the full protocol stack on in-process dispatchers. Device
// traffic is injected by emitting with the device's connection id as
// origin; the memory backend delivers everything, so test subscribers see
// the server's answers too.
type harness struct {
	gaia     dispatch.Dispatcher
	internal dispatch.Dispatcher
	sessions *session.Registry
	store    *store.Store
	sensors  cache.Store
	acks     chan dispatch.Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	gaia, err := dispatch.New(dispatch.Config{Name: "gaia", URI: "memory://", Namespace: "gaia"}, nil)
	require.NoError(t, err)
	internal, err := dispatch.New(dispatch.Config{Name: "internal", URI: "memory://", Namespace: "application"}, nil)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "canopy.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sensors, err := cache.NewRegistry(nil).Open(ctx, cache.StoreConfig{
		Dataset: "sensors_data",
		Backend: cache.NewMemoryBackend(),
		TTL:     10 * time.Minute,
	})
	require.NoError(t, err)

	pipeline, err := ingest.NewPipeline(ingest.Config{Store: st, Sensors: sensors, Internal: internal})
	require.NoError(t, err)

	sessions := session.NewRegistry()
	New(gaia, internal, sessions, pipeline, st, nil).Bind()

	h := &harness{
		gaia:     gaia,
		internal: internal,
		sessions: sessions,
		store:    st,
		sensors:  sensors,
		acks:     make(chan dispatch.Message, 16),
	}
	for _, event := range []string{"register", "registration_ack", "initialization_ack", "pong", "buffered_data_ack"} {
		event := event
		gaia.On(event, func(_ context.Context, msg dispatch.Message) error {
			msg.Event = event
			h.acks <- msg
			return nil
		})
	}

	require.NoError(t, gaia.Start(ctx))
	require.NoError(t, internal.Start(ctx))
	t.Cleanup(func() {
		gaia.Stop(time.Second)
		internal.Stop(time.Second)
	})
	return h
}

// send injects one device-originated event and lets the consumer drain.
func (h *harness) send(t *testing.T, event string, payload any, connID string) {
	t.Helper()
	require.NoError(t, h.gaia.Emit(context.Background(), event, payload, dispatch.WithOrigin(connID)))
}

func (h *harness) waitAck(t *testing.T, event string) dispatch.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.acks:
			if msg.Event == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
		}
	}
}

func (h *harness) register(t *testing.T, connID, engineUID string) RegistrationAck {
	t.Helper()
	h.send(t, "connect", nil, connID)
	h.waitAck(t, "register")

	h.send(t, "register_engine", RegisterEnginePayload{EngineUID: engineUID, Address: "10.0.0.5"}, connID)
	msg := h.waitAck(t, "registration_ack")
	assert.Equal(t, connID, msg.To, "ack goes to the registering connection only")

	var ack RegistrationAck
	require.NoError(t, msg.Decode(&ack))
	return ack
}

func TestRegistrationHandshake(t *testing.T) {
	h := newHarness(t)

	ack := h.register(t, "conn-1", "E1")
	assert.Equal(t, "E1", ack.EngineUID)
	assert.NotEmpty(t, ack.UploadToken)

	engine, err := h.store.GetEngine(context.Background(), "E1")
	require.NoError(t, err)
	require.NotNil(t, engine)
	assert.Equal(t, "conn-1", engine.ConnectionID)
	assert.Equal(t, "10.0.0.5", engine.Address)

	sess := h.sessions.Get("conn-1")
	require.NotNil(t, sess)
	assert.Equal(t, session.StateActive, sess.State)
	assert.ElementsMatch(t, session.AllCategories(), sess.Missing())
}

func TestInvalidRegistrationDisconnects(t *testing.T) {
	h := newHarness(t)

	disconnects := make(chan dispatch.Message, 1)
	h.gaia.On("disconnect", func(_ context.Context, msg dispatch.Message) error {
		if msg.To != "" {
			disconnects <- msg
		}
		return nil
	})

	h.send(t, "connect", nil, "conn-1")
	h.waitAck(t, "register")

	// engine_uid missing: the server tears the session down and tells the
	// connection to disconnect instead of acking.
	h.send(t, "register_engine", RegisterEnginePayload{Address: "10.0.0.5"}, "conn-1")

	select {
	case msg := <-disconnects:
		assert.Equal(t, "conn-1", msg.To)
	case <-time.After(2 * time.Second):
		t.Fatal("invalid registration was not rejected with a disconnect")
	}
	assert.Nil(t, h.sessions.Get("conn-1"))

	// The device reconnects and registers cleanly afterwards.
	ack := h.register(t, "conn-1", "E1")
	assert.Equal(t, "E1", ack.EngineUID)
}

func TestInitializationProbeReportsMissing(t *testing.T) {
	h := newHarness(t)
	h.register(t, "conn-1", "E1")

	h.send(t, "initialization_data_sent", nil, "conn-1")
	msg := h.waitAck(t, "initialization_ack")

	var ack InitializationAck
	require.NoError(t, msg.Decode(&ack))
	assert.ElementsMatch(t, session.AllCategories(), ack.Missing)
}

func TestCategoryClearsPendingFlag(t *testing.T) {
	h := newHarness(t)
	h.register(t, "conn-1", "E1")

	baseInfo := json.RawMessage(`[{"uid": "eco-1", "data": {"name": "greenhouse", "status": true}}]`)
	h.send(t, "base_info", baseInfo, "conn-1")

	h.send(t, "initialization_data_sent", nil, "conn-1")
	msg := h.waitAck(t, "initialization_ack")

	var ack InitializationAck
	require.NoError(t, msg.Decode(&ack))
	assert.NotContains(t, ack.Missing, session.CategoryBaseInfo)
	assert.Len(t, ack.Missing, len(session.AllCategories())-1)
}

func TestUnregisteredTelemetryIsRejected(t *testing.T) {
	h := newHarness(t)

	// No registration at all; the guard drops the message, the process
	// stays up, and a later registration succeeds.
	h.send(t, "sensors_data", json.RawMessage(`[]`), "conn-1")
	h.register(t, "conn-1", "E1")

	count, err := h.store.CountRecords(context.Background(), store.KindSensor, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestPingAnswersPong(t *testing.T) {
	h := newHarness(t)
	h.register(t, "conn-1", "E1")

	heartbeats := make(chan dispatch.Message, 1)
	h.internal.On("ecosystems_heartbeat", func(_ context.Context, msg dispatch.Message) error {
		heartbeats <- msg
		return nil
	})

	h.send(t, "ping", []string{"eco-1"}, "conn-1")
	msg := h.waitAck(t, "pong")
	assert.Equal(t, "conn-1", msg.To)

	select {
	case hb := <-heartbeats:
		var payload struct {
			EngineUID  string   `json:"engine_uid"`
			Ecosystems []string `json:"ecosystems"`
		}
		require.NoError(t, hb.Decode(&payload))
		assert.Equal(t, "E1", payload.EngineUID)
		assert.Equal(t, []string{"eco-1"}, payload.Ecosystems)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat fan-out")
	}
}

func TestEndToEndSensorFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "conn-1", "E1")

	baseInfo := json.RawMessage(`[{"uid": "eco-1", "data": {"name": "greenhouse", "status": true}}]`)
	h.send(t, "base_info", baseInfo, "conn-1")

	hardware := json.RawMessage(`[{"uid": "eco-1", "data": [
		{"uid": "S1", "name": "dht-front", "type": "sensor", "level": "environment", "measures": ["temperature"]}
	]}]`)
	h.send(t, "hardware", hardware, "conn-1")

	sensors := json.RawMessage(`[{
		"ecosystem_uid": "eco-1",
		"timestamp": "2026-02-01T12:00:00Z",
		"records": [{"sensor_uid": "S1", "measure": "temperature", "value": 21.5}]
	}]`)
	h.send(t, "sensors_data", sensors, "conn-1")
	// Re-delivery of the identical record.
	h.send(t, "sensors_data", sensors, "conn-1")

	// Synchronize on the queue by round-tripping a ping.
	h.send(t, "ping", []string{"eco-1"}, "conn-1")
	h.waitAck(t, "pong")

	raw, found, err := h.sensors.Get(ctx, "eco-1")
	require.NoError(t, err)
	require.True(t, found)
	var cached ingest.CachedSensors
	require.NoError(t, json.Unmarshal(raw, &cached))
	require.Len(t, cached.Records, 1)
	assert.InDelta(t, 21.5, cached.Records[0].Value, 1e-9)

	count, err := h.store.CountRecords(ctx, store.KindSensor, "eco-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "duplicate re-delivery leaves exactly one row")
}

func TestBufferedBatchAckRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.register(t, "conn-1", "E1")

	batch := json.RawMessage(`{
		"uuid": "batch-7",
		"data": [{"ecosystem_uid": "eco-1", "source_uid": "S1", "measure": "temperature",
			"value": 20.1, "timestamp": "2026-02-01T11:58:00Z"}]
	}`)
	h.send(t, "buffered_sensors_data", batch, "conn-1")

	msg := h.waitAck(t, "buffered_data_ack")
	assert.Equal(t, "conn-1", msg.To)
	var ack ingest.BatchAck
	require.NoError(t, msg.Decode(&ack))
	assert.Equal(t, "batch-7", ack.UUID)
	assert.Equal(t, ingest.AckSuccess, ack.Status)
}

func TestDisconnectFansOutEcosystemStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "conn-1", "E1")

	baseInfo := json.RawMessage(`[
		{"uid": "eco-1", "data": {"name": "front", "status": true}},
		{"uid": "eco-2", "data": {"name": "back", "status": true}}
	]`)
	h.send(t, "base_info", baseInfo, "conn-1")

	statuses := make(chan dispatch.Message, 4)
	h.internal.On("ecosystem_status", func(_ context.Context, msg dispatch.Message) error {
		statuses <- msg
		return nil
	})

	h.send(t, "disconnect", nil, "conn-1")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-statuses:
			var payload struct {
				UID    string `json:"uid"`
				Status bool   `json:"status"`
			}
			require.NoError(t, msg.Decode(&payload))
			assert.False(t, payload.Status)
			got[payload.UID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("missing status event")
		}
	}
	assert.Len(t, got, 2)
	assert.Nil(t, h.sessions.Get("conn-1"))

	// A second disconnect for an unknown connection is a no-op.
	h.send(t, "disconnect", nil, "conn-1")
	_ = ctx
}

func TestDisconnectWithoutRegistrationIsNoOp(t *testing.T) {
	h := newHarness(t)

	statuses := make(chan dispatch.Message, 1)
	h.internal.On("ecosystem_status", func(_ context.Context, msg dispatch.Message) error {
		statuses <- msg
		return nil
	})

	h.send(t, "connect", nil, "conn-9")
	h.waitAck(t, "register")
	h.send(t, "disconnect", nil, "conn-9")

	select {
	case <-statuses:
		t.Fatal("no status events expected for a never-registered engine")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInternalCommandRoutesToConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "conn-1", "E1")

	baseInfo := json.RawMessage(`[{"uid": "eco-1", "data": {"name": "front", "status": true}}]`)
	h.send(t, "base_info", baseInfo, "conn-1")

	commands := make(chan dispatch.Message, 1)
	h.gaia.On("turn_actuator", func(_ context.Context, msg dispatch.Message) error {
		commands <- msg
		return nil
	})

	// Round-trip a ping so base_info is committed before routing resolves
	// the ecosystem owner.
	h.send(t, "ping", nil, "conn-1")
	h.waitAck(t, "pong")

	payload := json.RawMessage(`{"ecosystem_uid": "eco-1", "actuator": "light", "mode": "on"}`)
	require.NoError(t, h.internal.Emit(ctx, "turn_actuator", payload))

	select {
	case msg := <-commands:
		assert.Equal(t, "conn-1", msg.To)
	case <-time.After(2 * time.Second):
		t.Fatal("command was not routed")
	}
}
