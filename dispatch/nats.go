package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/canopyhq/canopy/errors"
)

const subjectRoot = "canopy"

// natsDispatcher is the NATS-backed transport. Events are published to
// canopy.<namespace>.<event>; one wildcard subscription per dispatcher
// feeds a channel drained by a single goroutine, which preserves arrival
// order per connection. The dispatcher drops its own publications by
// comparing the envelope sender against its instance id, so two parties
// can converse on the same subjects.
type natsDispatcher struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	table    *handlerTable
	senderID string

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription

	inbox chan *nats.Msg

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ Dispatcher = (*natsDispatcher)(nil)

func newNATSDispatcher(cfg Config, metrics *Metrics) *natsDispatcher {
	return &natsDispatcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		table:    newHandlerTable(),
		senderID: uuid.NewString(),
		inbox:    make(chan *nats.Msg, cfg.QueueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *natsDispatcher) On(event string, h Handler) {
	d.table.add(event, h)
}

func (d *natsDispatcher) subject(namespace, event string) string {
	if namespace == "" {
		namespace = d.cfg.Namespace
	}
	return fmt.Sprintf("%s.%s.%s", subjectRoot, namespace, event)
}

func (d *natsDispatcher) Emit(_ context.Context, event string, data any, opts ...EmitOption) error {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	env := envelope{
		Event:  event,
		Sender: d.senderID,
		Origin: o.origin,
		To:     o.to,
		Data:   raw,
	}
	if o.ttl > 0 {
		env.ExpiresAt = time.Now().Add(o.ttl).Unix()
	}

	payload, err := json.Marshal(&env)
	if err != nil {
		return errors.WrapInvalid(err, "natsDispatcher", "Emit", "marshal envelope")
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotStarted, "natsDispatcher", "Emit", "publish")
	}

	if err := conn.Publish(d.subject(o.namespace, event), payload); err != nil {
		return errors.WrapTransient(err, "natsDispatcher", "Emit", "publish")
	}
	d.metrics.emitted(event)
	return nil
}

func (d *natsDispatcher) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(fmt.Sprintf("canopy-%s", d.cfg.Name)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.PingInterval(30 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			d.logger.Warn("broker connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.logger.Info("broker connection restored", "url", nc.ConnectedUrl())
		}),
	}
}

func (d *natsDispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	conn, err := nats.Connect(d.cfg.URI, d.connectionOptions()...)
	if err != nil {
		d.started.Store(false)
		return errors.WrapTransient(err, "natsDispatcher", "Start", "connect")
	}

	sub, err := conn.ChanSubscribe(d.subject("", ">"), d.inbox)
	if err != nil {
		conn.Close()
		d.started.Store(false)
		return errors.WrapTransient(err, "natsDispatcher", "Start", "subscribe")
	}

	d.mu.Lock()
	d.conn = conn
	d.sub = sub
	d.mu.Unlock()

	go d.consume(ctx)
	d.logger.Info("nats dispatcher started", "namespace", d.cfg.Namespace, "url", d.cfg.URI)
	return nil
}

func (d *natsDispatcher) consume(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		case raw := <-d.inbox:
			d.deliver(ctx, raw.Data)
		}
	}
}

func (d *natsDispatcher) deliver(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.metrics.dropped("malformed")
		d.logger.Warn("dropping malformed envelope", "error", err)
		return
	}
	if env.Sender == d.senderID {
		return // our own publication
	}
	if env.expired(time.Now()) {
		d.metrics.dropped("expired")
		d.logger.Debug("dropping expired message", "event", env.Event)
		return
	}

	origin := env.Origin
	if origin == "" {
		origin = env.Sender
	}
	dispatchTo(ctx, d.table, d.logger, d.metrics, Message{
		Event:  env.Event,
		Origin: origin,
		To:     env.To,
		Data:   env.Data,
	})
}

func (d *natsDispatcher) Stop(timeout time.Duration) error {
	if !d.started.Load() {
		return errors.ErrNotStarted
	}
	d.stopOnce.Do(func() { close(d.shutdown) })

	select {
	case <-d.done:
	case <-time.After(timeout):
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "natsDispatcher", "Stop", "unsubscribe"))
		}
		d.sub = nil
	}
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
