package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// memoryDispatcher is the in-process backend. Emit enqueues onto a bounded
// queue consumed by a single goroutine, which preserves arrival order for
// every connection (and in fact globally). TTL is ignored: an in-process
// queue never outlives its consumer long enough for expiry to matter.
type memoryDispatcher struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	table   *handlerTable

	queue chan Message

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ Dispatcher = (*memoryDispatcher)(nil)

func newMemoryDispatcher(cfg Config, metrics *Metrics) *memoryDispatcher {
	return &memoryDispatcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  metrics,
		table:    newHandlerTable(),
		queue:    make(chan Message, cfg.QueueSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *memoryDispatcher) On(event string, h Handler) {
	d.table.add(event, h)
}

func (d *memoryDispatcher) Emit(_ context.Context, event string, data any, opts ...EmitOption) error {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := marshalData(data)
	if err != nil {
		return err
	}

	msg := Message{
		Event:  event,
		Origin: o.origin,
		To:     o.to,
		Data:   raw,
	}

	select {
	case d.queue <- msg:
		d.metrics.emitted(event)
		d.metrics.setQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.dropped("queue_full")
		return errors.WrapTransient(
			fmt.Errorf("queue full (%d)", cap(d.queue)),
			"memoryDispatcher", "Emit", "enqueue")
	}
}

func (d *memoryDispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	go d.consume(ctx)
	d.logger.Info("in-process dispatcher started", "namespace", d.cfg.Namespace)
	return nil
}

func (d *memoryDispatcher) consume(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.shutdown:
			// Drain what is already queued before giving up.
			for {
				select {
				case msg := <-d.queue:
					dispatchTo(ctx, d.table, d.logger, d.metrics, msg)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			dispatchTo(ctx, d.table, d.logger, d.metrics, msg)
			d.metrics.setQueueDepth(len(d.queue))
		}
	}
}

func (d *memoryDispatcher) Stop(timeout time.Duration) error {
	if !d.started.Load() {
		return errors.ErrNotStarted
	}
	d.stopOnce.Do(func() { close(d.shutdown) })

	select {
	case <-d.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", timeout),
			"memoryDispatcher", "Stop", "drain queue")
	}
}
