// Package dispatch provides a uniform publish/subscribe abstraction over
// interchangeable event transports. Backends are selected by URI scheme at
// construction time: an in-process queue (memory://), a NATS broker
// (nats://) or an MQTT broker (mqtt://, tcp://). Callers register named
// event handlers and emit events with optional targeting and per-message
// time-to-live; they stay agnostic of the backend in use.
//
// Several independent dispatcher instances can coexist in one process, for
// example one for device traffic, one for internal fan-out and one for
// short-lived stream traffic with aggressive TTLs.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// Message is what event handlers receive. Origin carries the connection id
// of the emitting peer; To is set when the emitter addressed a single
// connection.
type Message struct {
	Event  string
	Origin string
	To     string
	Data   json.RawMessage
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.WrapInvalid(errors.New("empty payload"), "Message", "Decode", "unmarshal")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.WrapInvalid(err, "Message", "Decode", "unmarshal")
	}
	return nil
}

// Handler processes one delivered message. Handlers for a given connection
// are invoked in arrival order and run to completion before the next
// message is delivered; returned errors are logged by the dispatcher and
// never tear down the subscription.
type Handler func(ctx context.Context, msg Message) error

// Dispatcher is the uniform transport contract.
type Dispatcher interface {
	// On registers a handler for the named event. Multiple handlers per
	// event run in registration order.
	On(event string, h Handler)

	// Emit publishes an event. Options select the target connection, the
	// namespace and an advisory TTL.
	Emit(ctx context.Context, event string, data any, opts ...EmitOption) error

	// Start connects the backend (when networked) and begins delivering
	// messages to registered handlers.
	Start(ctx context.Context) error

	// Stop drains the delivery queue and disconnects.
	Stop(timeout time.Duration) error
}

// EmitOption customizes a single Emit call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	to        string
	origin    string
	namespace string
	ttl       time.Duration
}

// To addresses the event to a single connection id instead of broadcasting.
func To(connID string) EmitOption {
	return func(o *emitOptions) { o.to = connID }
}

// WithOrigin stamps the emitting connection id onto the message. Backends
// default to the dispatcher's own instance id.
func WithOrigin(connID string) EmitOption {
	return func(o *emitOptions) { o.origin = connID }
}

// WithNamespace overrides the dispatcher's default namespace for this emit.
func WithNamespace(ns string) EmitOption {
	return func(o *emitOptions) { o.namespace = ns }
}

// TTL sets an advisory time-to-live. Backends that support message expiry
// drop undelivered messages after it elapses; the in-process backend
// ignores it.
func TTL(d time.Duration) EmitOption {
	return func(o *emitOptions) { o.ttl = d }
}

// envelope is the wire format shared by the networked backends.
type envelope struct {
	Event     string          `json:"event"`
	Sender    string          `json:"sender,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	To        string          `json:"to,omitempty"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // unix seconds
	Data      json.RawMessage `json:"data,omitempty"`
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.Unix() > e.ExpiresAt
}

// Config holds construction parameters common to all backends.
type Config struct {
	// Name identifies the dispatcher instance in logs and metrics
	// (e.g. "gaia", "internal", "stream").
	Name string
	// URI selects the backend: memory://, nats://host:port,
	// mqtt://host:port.
	URI string
	// Namespace is the default topic namespace (e.g. "gaia",
	// "application").
	Namespace string
	// QueueSize bounds the delivery queue. Zero means the default (1024).
	QueueSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Namespace == "" {
		c.Namespace = "root"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "dispatch", "dispatcher", c.Name)
}

// New constructs a dispatcher for the backend named by the URI scheme. An
// unknown scheme fails here, never at emit time.
func New(cfg Config, metrics *Metrics) (Dispatcher, error) {
	cfg.applyDefaults()

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, errors.WrapInvalid(err, "dispatch", "New", "parse URI")
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return newMemoryDispatcher(cfg, metrics), nil
	case "nats":
		return newNATSDispatcher(cfg, metrics), nil
	case "mqtt", "tcp":
		return newMQTTDispatcher(cfg, metrics), nil
	default:
		return nil, fmt.Errorf("dispatch.New %q: scheme %q: %w", cfg.Name, u.Scheme, errors.ErrSchemeUnknown)
	}
}

// handlerTable stores per-event handler chains.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string][]Handler)}
}

func (t *handlerTable) add(event string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

func (t *handlerTable) get(event string) []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[event]
}

// dispatchTo runs the handler chain for one message. Handler errors are
// logged and swallowed so one bad message never stops delivery.
func dispatchTo(ctx context.Context, table *handlerTable, logger *slog.Logger, metrics *Metrics, msg Message) {
	handlers := table.get(msg.Event)
	if len(handlers) == 0 {
		logger.Debug("no handler for event", "event", msg.Event)
		return
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			metrics.handlerError(msg.Event)
			logger.Error("handler failed", "event", msg.Event, "origin", msg.Origin, "error", err)
		}
	}
	metrics.delivered(msg.Event)
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "dispatch", "Emit", "marshal payload")
	}
	return b, nil
}
