package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"daybrief/pkg/logx"
)

// Registry owns the configured adapters, their per-source request limiters,
// and lazy connection state.
type Registry struct {
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	id      string
	adapter Adapter
	limiter *rate.Limiter

	connMu    sync.Mutex
	connected bool
}

func NewRegistry(log logx.Logger) *Registry {
	return &Registry{
		log:     log.With(logx.String("component", "source.registry")),
		entries: make(map[string]*entry),
	}
}

// Register adds an adapter under id. limit <= 0 disables rate limiting for
// the source. Registering an existing id replaces it.
func (r *Registry) Register(id string, a Adapter, limit rate.Limit, burst int) {
	var lim *rate.Limiter
	if limit > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(limit, burst)
	}
	r.mu.Lock()
	r.entries[id] = &entry{id: id, adapter: a, limiter: lim}
	r.mu.Unlock()
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// IDs returns all registered source IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(id, KindMalformed, "unknown source %q", id)
	}
	return e, nil
}

// EnsureConnected lazily connects the adapter. Already-connected entries
// return immediately.
func (r *Registry) EnsureConnected(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	return r.ensureConnected(ctx, e)
}

func (r *Registry) ensureConnected(ctx context.Context, e *entry) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.connected {
		return nil
	}
	if err := e.adapter.Connect(ctx); err != nil {
		return Classify(e.id, err)
	}
	e.connected = true
	r.log.Debug("source connected", logx.String("source", e.id))
	return nil
}

func (r *Registry) markDisconnected(e *entry) {
	e.connMu.Lock()
	e.connected = false
	e.connMu.Unlock()
}

// Fetch waits for the source's rate limiter, lazily connects, and fetches.
// On KindAuthExpired the registry refreshes credentials once (when the
// adapter supports it) and retries the fetch.
//
// All failures come back as *AdapterError; a limiter wait cut short by ctx
// maps to KindRateLimited.
func (r *Registry) Fetch(ctx context.Context, id string, tr TimeRange) (Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Record{}, NewError(id, KindRateLimited, err)
		}
	}
	if err := r.ensureConnected(ctx, e); err != nil {
		return Record{}, err
	}

	rec, err := e.adapter.Fetch(ctx, tr)
	if err == nil {
		return rec, nil
	}
	ae := Classify(id, err)
	if ae.Kind != KindAuthExpired {
		return Record{}, ae
	}

	// Expired credentials: refresh and retry once.
	refresher, ok := e.adapter.(TokenRefresher)
	if !ok {
		return Record{}, ae
	}
	r.log.Warn("source auth expired, refreshing", logx.String("source", id))
	if rerr := refresher.RefreshAuth(ctx); rerr != nil {
		return Record{}, Classify(id, fmt.Errorf("refresh after auth expiry: %w", rerr))
	}
	r.markDisconnected(e)
	if cerr := r.ensureConnected(ctx, e); cerr != nil {
		return Record{}, Classify(id, cerr)
	}
	rec, err = e.adapter.Fetch(ctx, tr)
	if err != nil {
		return Record{}, Classify(id, err)
	}
	return rec, nil
}

// HealthCheckAll probes every registered adapter and returns a map of
// source ID to probe error (nil for healthy). Unconnected sources are
// connected first; a failed connect is the reported error.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, id := range r.IDs() {
		e, err := r.lookup(id)
		if err != nil {
			out[id] = err
			continue
		}
		if err := r.ensureConnected(ctx, e); err != nil {
			out[id] = err
			continue
		}
		if err := e.adapter.HealthCheck(ctx); err != nil {
			out[id] = Classify(id, err)
			continue
		}
		out[id] = nil
	}
	return out
}

// Refreshers returns the adapters that support credential refresh, keyed by
// source ID, in sorted order of IDs().
func (r *Registry) Refreshers() map[string]TokenRefresher {
	out := make(map[string]TokenRefresher)
	r.mu.RLock()
	for id, e := range r.entries {
		if tr, ok := e.adapter.(TokenRefresher); ok {
			out[id] = tr
		}
	}
	r.mu.RUnlock()
	return out
}

// DisconnectAll disconnects every adapter, logging failures. Used at
// shutdown; errors are not fatal.
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, id := range r.IDs() {
		e, err := r.lookup(id)
		if err != nil {
			continue
		}
		e.connMu.Lock()
		connected := e.connected
		e.connected = false
		e.connMu.Unlock()
		if !connected {
			continue
		}
		if err := e.adapter.Disconnect(ctx); err != nil {
			r.log.Warn("source disconnect failed",
				logx.String("source", id), logx.Err(err))
		}
	}
}

// ErrNotConnected is returned by adapters whose Fetch/HealthCheck is called
// before Connect succeeded.
var ErrNotConnected = errors.New("not connected")
