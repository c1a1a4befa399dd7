package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/markb/buildboard/internal/clock"
	"github.com/markb/buildboard/internal/log"
)

// Registry maps each ChannelKey to the one channel handle serving it. A
// handle is created by the first subscriber for a key and torn down a
// grace period after the last one leaves.
//
// Lock order is Registry.mu before channelHandle.mu. Neither is held
// while talking to the provider.
type Registry struct {
	provider Provider
	cfg      Config
	clock    clock.Clock
	jitter   *jitterSource

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*channelHandle // ChannelKey.String() -> handle
	closed  bool

	connectionsOpened    atomic.Int64
	reconnectionAttempts atomic.Int64
	connectionErrors     atomic.Int64
	callbackFailures     atomic.Int64
	droppedDeliveries    atomic.Int64
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates a registry that opens channels through provider.
func NewRegistry(provider Provider, cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		provider: provider,
		cfg:      cfg,
		clock:    clock.Real(),
		jitter:   newJitterSource(cfg.JitterSeed),
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[string]*channelHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Acquire registers handler (and the optional state observer) on the
// channel for key, creating the channel if none exists. Concurrent calls
// for one key always share a single channel. The returned token
// identifies the registration for Release.
func (r *Registry) Acquire(key ChannelKey, handler ChangeHandler, onState StateObserver) (string, error) {
	if key.IsZero() {
		return "", ErrInvalidKey
	}
	if handler == nil {
		return "", ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRegistryClosed
	}

	h, ok := r.handles[key.String()]
	if !ok {
		h = newChannelHandle(r, key)
		r.handles[key.String()] = h
		log.Debug("realtime: channel created", "key", key.String())
	}

	s := newSubscriber(r, key, handler, onState)
	h.mu.Lock()
	h.addSubscriberLocked(s)
	h.mu.Unlock()
	return s.token, nil
}

// Release removes the registration for token. It reports whether the
// token was registered; releasing twice is a no-op. When the channel has
// no subscribers left, its teardown is scheduled after the grace period.
func (r *Registry) Release(key ChannelKey, token string) bool {
	r.mu.Lock()
	h, ok := r.handles[key.String()]
	if !ok {
		r.mu.Unlock()
		return false
	}

	h.mu.Lock()
	s := h.removeSubscriberLocked(token)
	var seq uint64
	idle := s != nil && len(h.subscribers) == 0
	if idle {
		h.teardownSeq++
		seq = h.teardownSeq
	}
	h.mu.Unlock()
	r.mu.Unlock()

	if s == nil {
		return false
	}
	s.close()
	if idle {
		r.scheduleTeardown(h, seq)
	}
	return true
}

// scheduleTeardown must be called without locks held: a zero grace period
// may run the teardown synchronously.
func (r *Registry) scheduleTeardown(h *channelHandle, seq uint64) {
	t := r.clock.AfterFunc(r.cfg.GracePeriod, func() { r.reap(h, seq) })

	h.mu.Lock()
	if h.teardownSeq == seq && !h.destroyed {
		h.teardown = t
	}
	h.mu.Unlock()
}

// reap tears h down unless a subscriber arrived since teardown seq was
// scheduled.
func (r *Registry) reap(h *channelHandle, seq uint64) {
	r.mu.Lock()
	h.mu.Lock()
	if h.destroyed || h.teardownSeq != seq || len(h.subscribers) > 0 {
		h.mu.Unlock()
		r.mu.Unlock()
		return
	}
	if r.handles[h.key.String()] == h {
		delete(r.handles, h.key.String())
	}
	stream := h.destroyLocked()
	h.mu.Unlock()
	r.mu.Unlock()

	closeStream(h.key, stream)
	log.Debug("realtime: channel torn down", "key", h.key.String())
}

// Close tears down every channel immediately, stops all subscriber
// goroutines and rejects further Acquire calls.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]*channelHandle)

	var subs []*subscriber
	var streams []Stream
	var keys []ChannelKey
	for _, h := range handles {
		h.mu.Lock()
		subs = append(subs, h.snapshotLocked()...)
		h.subscribers = make(map[string]*subscriber)
		streams = append(streams, h.destroyLocked())
		keys = append(keys, h.key)
		h.mu.Unlock()
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range subs {
		s.close()
	}
	for i, st := range streams {
		closeStream(keys[i], st)
	}
	log.Info("realtime: registry closed", "channels", len(handles), "subscribers", len(subs))
	return nil
}

// handle returns the live handle for key, or nil.
func (r *Registry) handle(key ChannelKey) *channelHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[key.String()]
}
