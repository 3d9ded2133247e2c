// Package events binds the device protocol onto the dispatchers: the
// registration handshake, the initialization checklist, telemetry and
// buffered replay on the device-facing dispatcher, command routing from
// the internal dispatcher back to the owning connection.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/canopyhq/canopy/dispatch"
	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/ingest"
	"github.com/canopyhq/canopy/session"
	"github.com/canopyhq/canopy/store"
)

// commandTTL bounds server-to-device commands; a command a broker could
// not deliver promptly is worthless.
const commandTTL = 30 * time.Second

// Handlers owns the protocol wiring. Construct with New, then Bind once
// before starting the dispatchers.
type Handlers struct {
	gaia     dispatch.Dispatcher
	internal dispatch.Dispatcher
	sessions *session.Registry
	pipeline *ingest.Pipeline
	store    *store.Store
	logger   *slog.Logger
	nowFn    func() time.Time
}

func New(gaia, internal dispatch.Dispatcher, sessions *session.Registry,
	pipeline *ingest.Pipeline, st *store.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		gaia:     gaia,
		internal: internal,
		sessions: sessions,
		pipeline: pipeline,
		store:    st,
		logger:   logger.With("component", "events"),
		nowFn:    time.Now,
	}
}

// Bind registers every protocol handler.
func (h *Handlers) Bind() {
	h.gaia.On("connect", h.onConnect)
	h.gaia.On("disconnect", h.onDisconnect)
	h.gaia.On("register_engine", h.onRegisterEngine)
	h.gaia.On("ping", h.sessions.RequireRegistered(h.onPing))
	h.gaia.On("initialization_data_sent", h.sessions.RequireRegistered(h.onInitializationDataSent))

	h.bindCategory("base_info", session.CategoryBaseInfo, func(ctx context.Context, sess *session.Session, raw json.RawMessage) error {
		return h.pipeline.HandleBaseInfo(ctx, sess.EngineUID, raw)
	})
	h.bindCategory("management", session.CategoryManagement, h.plain(h.pipeline.HandleManagement))
	h.bindCategory("environmental_parameters", session.CategoryEnvironmental,
		func(ctx context.Context, _ *session.Session, raw json.RawMessage) error {
			return h.pipeline.HandleEnvironmentalParameters(ctx, session.CategoryEnvironmental, raw)
		})
	h.bindCategory("climate", session.CategoryClimate,
		func(ctx context.Context, _ *session.Session, raw json.RawMessage) error {
			return h.pipeline.HandleEnvironmentalParameters(ctx, session.CategoryClimate, raw)
		})
	h.bindCategory("hardware", session.CategoryHardware, h.plain(h.pipeline.HandleHardware))
	h.bindCategory("chaos_parameters", session.CategoryChaosParameters, h.plain(h.pipeline.HandleChaosParameters))
	h.bindCategory("nycthemeral_config", session.CategoryNycthemeral, h.plain(h.pipeline.HandleNycthemeralConfig))
	h.bindCategory("actuators_state", session.CategoryActuatorsState, h.plain(h.pipeline.HandleActuatorsState))

	h.gaia.On("sensors_data", h.sessions.RequireRegistered(h.telemetry(store.KindSensor, "sensors_data")))
	h.gaia.On("health_data", h.sessions.RequireRegistered(h.telemetry(store.KindHealth, "health_data")))
	h.gaia.On("actuators_data", h.sessions.RequireRegistered(h.telemetry(store.KindActuator, "actuators_data")))

	h.gaia.On("buffered_sensors_data", h.sessions.RequireRegistered(h.buffered(store.KindSensor)))
	h.gaia.On("buffered_actuators_data", h.sessions.RequireRegistered(h.buffered(store.KindActuator)))
	h.gaia.On("buffered_health_data", h.sessions.RequireRegistered(h.buffered(store.KindHealth)))

	if h.internal != nil {
		h.internal.On("turn_actuator", h.routeToEngine("turn_actuator"))
		h.internal.On("crud", h.routeToEngine("crud"))
	}
}

// plain adapts a pipeline handler that ignores the session beyond the
// registration guard.
func (h *Handlers) plain(fn func(context.Context, string, json.RawMessage) error) categoryFn {
	return func(ctx context.Context, sess *session.Session, raw json.RawMessage) error {
		return fn(ctx, sess.EngineUID, raw)
	}
}

type categoryFn func(ctx context.Context, sess *session.Session, raw json.RawMessage) error

// bindCategory wraps a category handler with the registration guard and
// clears the pending flag once the payload was processed. Repeated
// payloads for an already-cleared category are simply re-processed.
func (h *Handlers) bindCategory(event string, category session.Category, fn categoryFn) {
	h.gaia.On(event, h.sessions.RequireRegistered(
		func(ctx context.Context, sess *session.Session, msg dispatch.Message) error {
			if err := fn(ctx, sess, msg.Data); err != nil {
				return err
			}
			h.sessions.ClearCategory(msg.Origin, category)
			return nil
		}))
}

// onConnect opens a session and asks the device to register.
func (h *Handlers) onConnect(ctx context.Context, msg dispatch.Message) error {
	h.sessions.Create(msg.Origin)
	h.logger.Debug("device connected", "conn", msg.Origin)
	return h.gaia.Emit(ctx, "register", nil, dispatch.To(msg.Origin))
}

// onDisconnect discards the session and publishes one status-changed
// event per owned ecosystem, so subscribers can show devices as
// unreachable. A never-registered connection is a no-op.
func (h *Handlers) onDisconnect(ctx context.Context, msg dispatch.Message) error {
	engineUID := h.sessions.Remove(msg.Origin)
	h.logger.Debug("device disconnected", "conn", msg.Origin, "engine", engineUID)
	if engineUID == "" || h.internal == nil {
		return nil
	}

	ecos, err := h.store.ListEcosystems(ctx, engineUID)
	if err != nil {
		return err
	}
	for _, eco := range ecos {
		payload := map[string]any{"uid": eco.UID, "status": false}
		if err := h.internal.Emit(ctx, "ecosystem_status", payload); err != nil {
			h.logger.Warn("status fan-out failed", "ecosystem", eco.UID, "error", err)
		}
	}
	return nil
}

// RegisterEnginePayload is the register_engine event body.
type RegisterEnginePayload struct {
	EngineUID string `json:"engine_uid"`
	Address   string `json:"address"`
}

// RegistrationAck is sent back to the registering connection only.
type RegistrationAck struct {
	EngineUID   string `json:"engine_uid"`
	UploadToken string `json:"upload_token"`
}

// onRegisterEngine validates the payload, persists the engine and
// activates the session. The ack carries a one-shot upload credential.
// An invalid registration is rejected by disconnecting the connection,
// so the device restarts the handshake from scratch.
func (h *Handlers) onRegisterEngine(ctx context.Context, msg dispatch.Message) error {
	var payload RegisterEnginePayload
	if err := msg.Decode(&payload); err != nil {
		return h.rejectRegistration(ctx, msg.Origin, err)
	}
	if payload.EngineUID == "" {
		err := errors.WrapInvalid(errors.New("empty engine_uid"), "events", "onRegisterEngine", "validate payload")
		return h.rejectRegistration(ctx, msg.Origin, err)
	}

	// A device may register without an explicit connect on some
	// transports; make sure a session exists.
	if h.sessions.Get(msg.Origin) == nil {
		h.sessions.Create(msg.Origin)
	}
	h.sessions.BeginRegistration(msg.Origin)

	now := h.nowFn()
	if err := h.store.UpsertEngine(ctx, store.Engine{
		UID:          payload.EngineUID,
		ConnectionID: msg.Origin,
		Address:      payload.Address,
		LastSeen:     now,
		RegisteredAt: now,
	}); err != nil {
		return err
	}

	token, err := h.sessions.Activate(msg.Origin, payload.EngineUID)
	if err != nil {
		return err
	}

	h.logger.Info("engine registered", "engine", payload.EngineUID, "conn", msg.Origin)
	return h.gaia.Emit(ctx, "registration_ack",
		RegistrationAck{EngineUID: payload.EngineUID, UploadToken: token},
		dispatch.To(msg.Origin))
}

// rejectRegistration tears the session down and tells the connection to
// disconnect.
func (h *Handlers) rejectRegistration(ctx context.Context, connID string, cause error) error {
	h.sessions.Remove(connID)
	h.logger.Warn("registration rejected", "conn", connID, "error", cause)
	if err := h.gaia.Emit(ctx, "disconnect", nil, dispatch.To(connID)); err != nil {
		h.logger.Warn("disconnect emit failed", "conn", connID, "error", err)
	}
	return cause
}

// PingPayload is either a list of ecosystem uids or a bare engine
// heartbeat.
type PingPayload struct {
	Ecosystems []string `json:"ecosystems"`
}

// onPing refreshes last-seen for the engine and every named ecosystem,
// answers pong and fans the heartbeat out internally.
func (h *Handlers) onPing(ctx context.Context, sess *session.Session, msg dispatch.Message) error {
	var payload PingPayload
	if len(msg.Data) > 0 {
		// A bare list is accepted too.
		if err := json.Unmarshal(msg.Data, &payload.Ecosystems); err != nil {
			if err := msg.Decode(&payload); err != nil {
				return err
			}
		}
	}

	now := h.nowFn()
	if err := h.store.TouchEngine(ctx, sess.EngineUID, now); err != nil {
		return err
	}
	for _, uid := range payload.Ecosystems {
		if err := h.store.TouchEcosystem(ctx, uid, now); err != nil {
			return err
		}
	}

	if err := h.gaia.Emit(ctx, "pong", nil, dispatch.To(msg.Origin)); err != nil {
		return err
	}
	if h.internal != nil {
		heartbeat := map[string]any{
			"engine_uid": sess.EngineUID,
			"ecosystems": payload.Ecosystems,
			"time":       now.UTC(),
		}
		if err := h.internal.Emit(ctx, "ecosystems_heartbeat", heartbeat); err != nil {
			h.logger.Warn("heartbeat fan-out failed", "engine", sess.EngineUID, "error", err)
		}
	}
	return nil
}

// InitializationAck reports the still-missing categories, or null when
// initialization is complete. Never an error; devices poll this.
type InitializationAck struct {
	Missing []session.Category `json:"missing"`
}

func (h *Handlers) onInitializationDataSent(ctx context.Context, sess *session.Session, msg dispatch.Message) error {
	ack := InitializationAck{}
	if !sess.Initialized() {
		ack.Missing = sess.Missing()
	}
	h.logger.Debug("initialization probe", "engine", sess.EngineUID, "missing", len(ack.Missing))
	return h.gaia.Emit(ctx, "initialization_ack", ack, dispatch.To(msg.Origin))
}

func (h *Handlers) telemetry(kind store.RecordKind, event string) session.BoundHandler {
	return func(ctx context.Context, _ *session.Session, msg dispatch.Message) error {
		return h.pipeline.HandleTelemetry(ctx, kind, event, msg.Data)
	}
}

func (h *Handlers) buffered(kind store.RecordKind) session.BoundHandler {
	return func(ctx context.Context, _ *session.Session, msg dispatch.Message) error {
		ack := h.pipeline.HandleBufferedBatch(ctx, kind, msg.Data)
		return h.gaia.Emit(ctx, "buffered_data_ack", ack, dispatch.To(msg.Origin))
	}
}

// commandPayload is the part of a routed command the server needs for
// addressing; the rest passes through untouched.
type commandPayload struct {
	EngineUID    string `json:"engine_uid"`
	EcosystemUID string `json:"ecosystem_uid"`
}

// routeToEngine forwards an internal command to the owning device
// connection, best effort and TTL bounded.
func (h *Handlers) routeToEngine(event string) dispatch.Handler {
	return func(ctx context.Context, msg dispatch.Message) error {
		var payload commandPayload
		if err := msg.Decode(&payload); err != nil {
			return err
		}

		engineUID := payload.EngineUID
		if engineUID == "" && payload.EcosystemUID != "" {
			eco, err := h.store.GetEcosystem(ctx, payload.EcosystemUID)
			if err != nil {
				return err
			}
			if eco != nil {
				engineUID = eco.EngineUID
			}
		}
		if engineUID == "" {
			return errors.WrapInvalid(errors.New("no engine to route to"), "events", event, "resolve target")
		}

		connID := h.sessions.ConnFor(engineUID)
		if connID == "" {
			h.logger.Warn("engine not connected, command dropped", "event", event, "engine", engineUID)
			return nil
		}
		return h.gaia.Emit(ctx, event, msg.Data,
			dispatch.To(connID), dispatch.TTL(commandTTL))
	}
}
