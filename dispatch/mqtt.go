package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/errors"
)

const topicRoot = "canopy"

// mqttDispatcher is the MQTT-backed transport. Events are published to
// canopy/<namespace>/<event> at QoS 1 and received through a single
// wildcard subscription on canopy/<namespace>/#. Like the NATS backend it
// funnels inbound publications into a channel drained by one goroutine and
// drops its own publications by sender id.
type mqttDispatcher struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	table    *handlerTable
	senderID string

	mu     sync.Mutex
	client mqtt.Client

	inbox chan []byte

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ Dispatcher = (*mqttDispatcher)(nil)

func newMQTTDispatcher(cfg Config, metrics *Metrics) *mqttDispatcher {
	return &mqttDispatcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		table:    newHandlerTable(),
		senderID: uuid.NewString(),
		inbox:    make(chan []byte, cfg.QueueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *mqttDispatcher) On(event string, h Handler) {
	d.table.add(event, h)
}

func (d *mqttDispatcher) topic(namespace, event string) string {
	if namespace == "" {
		namespace = d.cfg.Namespace
	}
	return fmt.Sprintf("%s/%s/%s", topicRoot, namespace, event)
}

// brokerURL rewrites mqtt:// to tcp://, which is what paho expects.
func (d *mqttDispatcher) brokerURL() string {
	if strings.HasPrefix(d.cfg.URI, "mqtt://") {
		return "tcp://" + strings.TrimPrefix(d.cfg.URI, "mqtt://")
	}
	return d.cfg.URI
}

func (d *mqttDispatcher) Emit(_ context.Context, event string, data any, opts ...EmitOption) error {
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
		return errors.WrapInvalid(err, "mqttDispatcher", "Emit", "marshal envelope")
	}

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return errors.WrapTransient(errors.ErrNotStarted, "mqttDispatcher", "Emit", "publish")
	}

	token := client.Publish(d.topic(o.namespace, event), 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.WrapTransient(
			fmt.Errorf("publish timeout for %q", event),
			"mqttDispatcher", "Emit", "publish")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttDispatcher", "Emit", "publish")
	}
	d.metrics.emitted(event)
	return nil
}

func (d *mqttDispatcher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.brokerURL())
	opts.SetClientID(fmt.Sprintf("canopy-%s-%s", d.cfg.Name, d.senderID[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Warn("broker connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		// Resubscribe after every (re)connect; the session may not persist.
		filter := d.topic("", "#")
		token := client.Subscribe(filter, 1, d.receive)
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			d.logger.Info("subscribed", "filter", filter)
			return
		}
		d.logger.Error("subscription failed", "filter", filter, "error", token.Error())
	})
	return opts
}

// receive runs on paho's router goroutine; it only enqueues.
func (d *mqttDispatcher) receive(_ mqtt.Client, msg mqtt.Message) {
	select {
	case d.inbox <- msg.Payload():
	default:
		d.metrics.dropped("queue_full")
		d.logger.Warn("inbox full, dropping message", "topic", msg.Topic())
	}
}

func (d *mqttDispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	client := mqtt.NewClient(d.clientOptions())
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		d.started.Store(false)
		return errors.WrapTransient(
			fmt.Errorf("connect timeout to %s", d.brokerURL()),
			"mqttDispatcher", "Start", "connect")
	}
	if err := token.Error(); err != nil {
		d.started.Store(false)
		return errors.WrapTransient(err, "mqttDispatcher", "Start", "connect")
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()

	go d.consume(ctx)
	d.logger.Info("mqtt dispatcher started", "namespace", d.cfg.Namespace, "broker", d.brokerURL())
	return nil
}

func (d *mqttDispatcher) consume(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		case payload := <-d.inbox:
			d.deliver(ctx, payload)
		}
	}
}

func (d *mqttDispatcher) deliver(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.metrics.dropped("malformed")
		d.logger.Warn("dropping malformed envelope", "error", err)
		return
	}
	if env.Sender == d.senderID {
		return
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

func (d *mqttDispatcher) Stop(timeout time.Duration) error {
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
	if d.client != nil {
		d.client.Disconnect(uint(timeout / time.Millisecond))
		d.client = nil
	}
	return nil
}
