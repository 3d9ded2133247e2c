package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// plainStore passes every call straight to the backend. Entries never
// expire; used for datasets with a TTL of zero such as sun times.
type plainStore struct {
	dataset string
	backend Backend
	metrics *Metrics
}

var _ Store = (*plainStore)(nil)

func newPlainStore(cfg StoreConfig, metrics *Metrics) *plainStore {
	return &plainStore{dataset: cfg.Dataset, backend: cfg.Backend, metrics: metrics}
}

func (s *plainStore) Dataset() string { return s.dataset }

func (s *plainStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, false, errors.WrapTransient(err, "plainStore", "Get", s.dataset)
	}
	if !found {
		s.metrics.miss(s.dataset, "remote")
		return nil, false, nil
	}
	s.metrics.hit(s.dataset, "remote")
	return raw, true, nil
}

func (s *plainStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "plainStore", "Set", "marshal value")
	}
	if err := s.backend.Set(ctx, key, raw); err != nil {
		return errors.WrapTransient(err, "plainStore", "Set", s.dataset)
	}
	return nil
}

func (s *plainStore) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "plainStore", "Delete", s.dataset)
	}
	return nil
}

func (s *plainStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "plainStore", "Keys", s.dataset)
	}
	return keys, nil
}

func (s *plainStore) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return errors.WrapTransient(err, "plainStore", "Clear", s.dataset)
	}
	return nil
}

// wrapped is the stored form used by the TTL variants: the value plus an
// absolute wall-clock expiry in unix seconds.
type wrapped struct {
	Exp  int64           `json:"exp"`
	Data json.RawMessage `json:"data"`
}

func (w *wrapped) expired(now time.Time) bool {
	return now.Unix() > w.Exp
}

// ttlStore embeds an expiry into every entry on Set and checks it lazily
// on Get; an expired entry is deleted on read and reported as a miss. No
// background sweep exists.
type ttlStore struct {
	dataset string
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

var _ Store = (*ttlStore)(nil)

func newTTLStore(cfg StoreConfig, metrics *Metrics) *ttlStore {
	return &ttlStore{
		dataset: cfg.Dataset,
		backend: cfg.Backend,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		metrics: metrics,
	}
}

func (s *ttlStore) Dataset() string { return s.dataset }

// getWrapped fetches and unwraps an entry, deleting it when expired. The
// raw wrapped bytes are returned too so the hybrid overlay can reuse them.
func (s *ttlStore) getWrapped(ctx context.Context, key string) (*wrapped, []byte, error) {
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "ttlStore", "Get", s.dataset)
	}
	if !found {
		s.metrics.miss(s.dataset, "remote")
		return nil, nil, nil
	}

	var w wrapped
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, errors.WrapInvalid(err, "ttlStore", "Get", "unwrap entry")
	}
	if w.expired(nowFn()) {
		if err := s.backend.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to evict expired entry", "key", key, "error", err)
		}
		s.metrics.expiration(s.dataset)
		s.metrics.miss(s.dataset, "remote")
		return nil, nil, nil
	}
	s.metrics.hit(s.dataset, "remote")
	return &w, raw, nil
}

func (s *ttlStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	w, _, err := s.getWrapped(ctx, key)
	if err != nil || w == nil {
		return nil, false, err
	}
	return w.Data, true, nil
}

func (s *ttlStore) setWrapped(ctx context.Context, key string, value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ttlStore", "Set", "marshal value")
	}
	raw, err := json.Marshal(&wrapped{
		Exp:  nowFn().Add(s.ttl).Unix(),
		Data: data,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "ttlStore", "Set", "wrap value")
	}
	if err := s.backend.Set(ctx, key, raw); err != nil {
		return nil, errors.WrapTransient(err, "ttlStore", "Set", s.dataset)
	}
	return raw, nil
}

func (s *ttlStore) Set(ctx context.Context, key string, value any) error {
	_, err := s.setWrapped(ctx, key, value)
	return err
}

func (s *ttlStore) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "ttlStore", "Delete", s.dataset)
	}
	return nil
}

func (s *ttlStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "ttlStore", "Keys", s.dataset)
	}
	// Expired entries linger until read; filter them out and evict as we go.
	live := keys[:0]
	for _, key := range keys {
		w, _, err := s.getWrapped(ctx, key)
		if err != nil {
			return nil, err
		}
		if w != nil {
			live = append(live, key)
		}
	}
	return live, nil
}

func (s *ttlStore) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return errors.WrapTransient(err, "ttlStore", "Clear", s.dataset)
	}
	return nil
}

// overlayEntry caches the wrapped remote bytes locally with a monotonic
// deadline much shorter than the remote TTL.
type overlayEntry struct {
	raw      []byte
	deadline time.Time
}

// hybridStore fronts a ttlStore with an in-process overlay. Reads within
// the overlay's grace window never touch the remote backend; on overlay
// expiry the read falls through to the remote and repopulates the overlay.
type hybridStore struct {
	*ttlStore
	grace time.Duration

	mu      sync.Mutex
	overlay map[string]overlayEntry
}

var _ Store = (*hybridStore)(nil)

func newHybridStore(cfg StoreConfig, metrics *Metrics) *hybridStore {
	return &hybridStore{
		ttlStore: newTTLStore(cfg, metrics),
		grace:    cfg.Grace,
		overlay:  make(map[string]overlayEntry),
	}
}

func (s *hybridStore) remember(key string, raw []byte) {
	s.mu.Lock()
	s.overlay[key] = overlayEntry{raw: raw, deadline: monoFn().Add(s.grace)}
	s.mu.Unlock()
}

func (s *hybridStore) forget(key string) {
	s.mu.Lock()
	delete(s.overlay, key)
	s.mu.Unlock()
}

func (s *hybridStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	entry, ok := s.overlay[key]
	if ok && monoFn().After(entry.deadline) {
		delete(s.overlay, key)
		ok = false
	}
	s.mu.Unlock()

	if ok {
		var w wrapped
		if err := json.Unmarshal(entry.raw, &w); err != nil {
			return nil, false, errors.WrapInvalid(err, "hybridStore", "Get", "unwrap overlay entry")
		}
		// The remote TTL still applies inside the grace window.
		if !w.expired(nowFn()) {
			s.metrics.hit(s.dataset, "overlay")
			return w.Data, true, nil
		}
		s.forget(key)
	}
	s.metrics.miss(s.dataset, "overlay")

	w, raw, err := s.getWrapped(ctx, key)
	if err != nil || w == nil {
		return nil, false, err
	}
	s.remember(key, raw)
	return w.Data, true, nil
}

func (s *hybridStore) Set(ctx context.Context, key string, value any) error {
	raw, err := s.setWrapped(ctx, key, value)
	if err != nil {
		return err
	}
	s.remember(key, raw)
	return nil
}

func (s *hybridStore) Delete(ctx context.Context, key string) error {
	s.forget(key)
	return s.ttlStore.Delete(ctx, key)
}

func (s *hybridStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.overlay = make(map[string]overlayEntry)
	s.mu.Unlock()
	return s.ttlStore.Clear(ctx)
}
