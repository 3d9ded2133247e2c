// Package cache provides key/value stores for "current value" telemetry so
// readers never round-trip to durable storage. Three variants share one
// contract: a plain remote store, a remote store whose entries carry an
// embedded expiry checked lazily on read, and a hybrid that fronts the
// TTL store with a short-lived in-process overlay.
//
// Stores are opened through a Registry that binds each logical dataset name
// to exactly one expiry policy; opening the same dataset twice with
// conflicting TTL usage fails fast, since the two would silently corrupt
// each other's interpretation of stored values.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/pkg/retry"
)

// Store is the uniform contract over all cache variants. Values are JSON;
// Get reports a miss with found == false, never an error.
type Store interface {
	// Dataset returns the logical dataset name the store is bound to.
	Dataset() string

	Get(ctx context.Context, key string) (value json.RawMessage, found bool, err error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// Backend is a remote key/value namespace, typically one bucket per
// dataset. Implementations must be safe for concurrent use.
type Backend interface {
	// Ping verifies connectivity. Called eagerly at store construction.
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// Clock hooks, swapped in tests to simulate time passing. nowFn feeds the
// wall-clock expiry embedded in stored entries; monoFn feeds the overlay
// grace deadline and must never jump backwards.
var (
	nowFn  = time.Now
	monoFn = time.Now
)

// StoreConfig describes one dataset binding.
type StoreConfig struct {
	// Dataset is the logical name, e.g. "sensors_data".
	Dataset string
	// Backend holds the remote namespace for this dataset.
	Backend Backend
	// TTL embeds an expiry into every stored entry. Zero means entries
	// never expire (plain variant).
	TTL time.Duration
	// Grace enables the in-process overlay with the given validity window.
	// Requires TTL > 0 and should be much shorter than it.
	Grace time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Registry tracks dataset bindings and opens stores. One registry per
// process; datasets keep their expiry policy for the registry's lifetime.
type Registry struct {
	mu       sync.Mutex
	metrics  *Metrics
	bindings map[string]bool // dataset -> uses TTL
}

func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		metrics:  metrics,
		bindings: make(map[string]bool),
	}
}

// Open builds the store variant implied by the config: plain when TTL is
// zero, TTL when only TTL is set, hybrid when Grace is set too. It probes
// the backend before returning and fails on the first conflicting binding
// for a dataset name.
func (r *Registry) Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.Dataset == "" {
		return nil, errors.WrapInvalid(errors.New("empty dataset name"), "Registry", "Open", "validate config")
	}
	if cfg.Backend == nil {
		return nil, errors.WrapInvalid(errors.New("nil backend"), "Registry", "Open", "validate config")
	}
	if cfg.Grace > 0 && cfg.TTL == 0 {
		return nil, errors.WrapInvalid(errors.New("grace requires a TTL"), "Registry", "Open", "validate config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "cache", "dataset", cfg.Dataset)

	usesTTL := cfg.TTL > 0
	r.mu.Lock()
	if prior, seen := r.bindings[cfg.Dataset]; seen && prior != usesTTL {
		r.mu.Unlock()
		return nil, errors.Wrap(errors.ErrDatasetConflict, "Registry", "Open", cfg.Dataset)
	}
	r.bindings[cfg.Dataset] = usesTTL
	r.mu.Unlock()

	// A broker still coming up at startup gets a few chances before the
	// registry gives up for good.
	pingCfg := retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2.0, AddJitter: true}
	if err := retry.Do(ctx, pingCfg, func() error { return cfg.Backend.Ping(ctx) }); err != nil {
		return nil, errors.WrapFatal(errors.ErrBackendUnreachable, "Registry", "Open", cfg.Dataset)
	}

	switch {
	case cfg.Grace > 0:
		return newHybridStore(cfg, r.metrics), nil
	case usesTTL:
		return newTTLStore(cfg, r.metrics), nil
	default:
		return newPlainStore(cfg, r.metrics), nil
	}
}
