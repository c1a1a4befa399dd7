package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markb/buildboard/internal/clock"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend unavailable")

// fakeProvider is an in-memory Provider. By default every Open succeeds.
type fakeProvider struct {
	mu       sync.Mutex
	attempts int
	failures int  // fail this many upcoming opens
	failAll  bool // fail every open
	block    bool // block until ctx is done
	streams  []*fakeStream
}

func (p *fakeProvider) Open(ctx context.Context, key ChannelKey, l Listener) (Stream, error) {
	p.mu.Lock()
	p.attempts++
	block := p.block
	fail := p.failAll || p.failures > 0
	if p.failures > 0 {
		p.failures--
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errBackendDown
	}

	s := &fakeStream{key: key, listener: l}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) openAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *fakeProvider) openStreams() []*fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*fakeStream, len(p.streams))
	copy(out, p.streams)
	return out
}

func (p *fakeProvider) lastStream(t *testing.T) *fakeStream {
	t.Helper()
	streams := p.openStreams()
	require.NotEmpty(t, streams, "no stream opened")
	return streams[len(streams)-1]
}

type fakeStream struct {
	key      ChannelKey
	listener Listener
	closes   atomic.Int32
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeStream) emit(payload string) {
	s.listener.OnMessage(json.RawMessage(payload))
}

func (s *fakeStream) drop() {
	s.listener.OnError(errors.New("connection reset by peer"))
}

// recorder collects what a subscriber receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
	states []State
	errs   []error
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) observe(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = string(ev.Payload)
	}
	return out
}

func (r *recorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func (r *recorder) errFor(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range r.states {
		if st == s && r.errs[i] != nil {
			return r.errs[i]
		}
	}
	return nil
}

func newTestRegistry(t *testing.T, p Provider, mutate func(*Config)) (*Registry, *clock.Fake) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JitterSeed = 7
	cfg.OpenTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	reg, err := NewRegistry(p, cfg, WithClock(fake))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, fake
}

func mustKey(t *testing.T, resource string, filter map[string]any, ev EventClass) ChannelKey {
	t.Helper()
	key, err := NewChannelKey(resource, filter, ev)
	require.NoError(t, err)
	return key
}

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func waitState(t *testing.T, reg *Registry, key ChannelKey, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		h := reg.handle(key)
		return h != nil && h.status().State == want
	}, waitFor, tick, "channel never reached %s", want)
}

// waitRetryArmed waits until the channel sits in Error with a retry timer
// pending, so advancing the fake clock fires it.
func waitRetryArmed(t *testing.T, reg *Registry, key ChannelKey) {
	t.Helper()
	require.Eventually(t, func() bool {
		h := reg.handle(key)
		if h == nil {
			return false
		}
		st := h.status()
		return st.State == StateError && st.RetryPending
	}, waitFor, tick, "retry never armed")
}
