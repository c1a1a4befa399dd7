package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markb/buildboard/internal/clock"
	"github.com/markb/buildboard/internal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/markb/buildboard/internal/realtime")

// channelHandle owns the single backend stream for one ChannelKey and the
// set of subscribers sharing it. It is owned by a Registry; every field
// below mu is guarded by mu, which is never held across provider I/O.
type channelHandle struct {
	key       ChannelKey
	reg       *Registry
	createdAt time.Time

	mu          sync.Mutex
	state       State
	subscribers map[string]*subscriber
	attempt     int
	lastErr     error
	stream      Stream
	gen         uint64 // bumped on every open attempt and teardown
	retry       reconnectSupervisor
	teardownSeq uint64
	teardown    clock.Timer
	destroyed   bool
}

func newChannelHandle(reg *Registry, key ChannelKey) *channelHandle {
	return &channelHandle{
		key:         key,
		reg:         reg,
		createdAt:   reg.clock.Now(),
		state:       StateIdle,
		subscribers: make(map[string]*subscriber),
		retry: reconnectSupervisor{
			policy: reg.cfg.backoff(),
			clock:  reg.clock,
			jitter: reg.jitter,
		},
	}
}

// addSubscriberLocked registers s, cancels a pending teardown, and starts
// a connection when the handle is new or has given up retrying.
func (h *channelHandle) addSubscriberLocked(s *subscriber) {
	h.subscribers[s.token] = s
	h.cancelTeardownLocked()
	s.notifyState(h.state, h.lastErr)

	switch h.state {
	case StateIdle:
		h.connectLocked()
	case StateClosed:
		log.Info("realtime: new subscriber revives exhausted channel", "key", h.key.String())
		h.attempt = 0
		h.lastErr = nil
		h.connectLocked()
	}
}

// removeSubscriberLocked drops the subscriber for token, if present.
func (h *channelHandle) removeSubscriberLocked(token string) *subscriber {
	s, ok := h.subscribers[token]
	if !ok {
		return nil
	}
	delete(h.subscribers, token)
	return s
}

func (h *channelHandle) cancelTeardownLocked() {
	h.teardownSeq++
	if h.teardown != nil {
		h.teardown.Stop()
		h.teardown = nil
	}
}

func (h *channelHandle) snapshotLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

func (h *channelHandle) setStateLocked(state State, err error) {
	if h.state == state && state != StateError {
		return
	}
	log.Debug("realtime: state change", "key", h.key.String(),
		"from", h.state.String(), "to", state.String(), "attempt", h.attempt)
	h.state = state
	for _, s := range h.subscribers {
		s.notifyState(state, err)
	}
}

// connectLocked enters Connecting and opens a stream in the background.
func (h *channelHandle) connectLocked() {
	h.gen++
	l := &streamListener{h: h, gen: h.gen, ready: make(chan struct{})}
	h.setStateLocked(StateConnecting, nil)
	go h.open(l)
}

type openResult struct {
	stream Stream
	err    error
}

func (h *channelHandle) open(l *streamListener) {
	defer close(l.ready)

	ctx, cancel := context.WithTimeout(h.reg.ctx, h.reg.cfg.OpenTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "realtime.open", trace.WithAttributes(
		attribute.String("realtime.key", h.key.String()),
		attribute.String("realtime.resource", h.key.Resource()),
	))
	defer span.End()

	h.reg.connectionsOpened.Add(1)
	results := make(chan openResult, 1)
	go func() {
		stream, err := h.reg.provider.Open(ctx, h.key, l)
		results <- openResult{stream: stream, err: err}
	}()

	var res openResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = fmt.Errorf("open timed out after %s: %w", h.reg.cfg.OpenTimeout, ctx.Err())
		// The provider may still hand back a stream; nobody wants it.
		go func() {
			if late := <-results; late.stream != nil {
				closeStream(h.key, late.stream)
			}
		}()
	}
	if res.err == nil && res.stream == nil {
		res.err = errors.New("provider returned no stream")
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "open failed")
	}

	h.mu.Lock()
	if h.destroyed || h.gen != l.gen {
		h.mu.Unlock()
		if res.stream != nil {
			closeStream(h.key, res.stream)
		}
		return
	}
	if res.err != nil {
		h.failLocked(fmt.Errorf("%w: %w", ErrConnectionOpen, res.err))
		h.mu.Unlock()
		return
	}
	h.stream = res.stream
	h.attempt = 0
	h.lastErr = nil
	h.setStateLocked(StateSubscribed, nil)
	h.mu.Unlock()
	log.Info("realtime: channel subscribed", "key", h.key.String())
}

// failLocked enters Error and either schedules a retry or, once the
// attempt cap is reached, closes the handle for this backoff cycle.
func (h *channelHandle) failLocked(err error) {
	h.reg.connectionErrors.Add(1)
	h.attempt++
	h.lastErr = err
	h.setStateLocked(StateError, err)

	if h.attempt >= h.reg.cfg.MaxAttempts {
		h.retry.cancel()
		exhausted := fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, h.attempt, err)
		h.lastErr = exhausted
		h.setStateLocked(StateClosed, exhausted)
		log.Warn("realtime: giving up on channel", "key", h.key.String(),
			"attempt", h.attempt, "error", err.Error())
		return
	}

	delay := h.retry.schedule(h.attempt-1, h.retryFired)
	log.Info("realtime: reconnect scheduled", "key", h.key.String(),
		"attempt", h.attempt, "delay", delay.String(), "error", err.Error())
}

func (h *channelHandle) retryFired(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed || h.state != StateError || !h.retry.claim(seq) {
		return
	}
	h.reg.reconnectionAttempts.Add(1)
	h.connectLocked()
}

// dispatch fans a payload out to the subscribers registered right now.
func (h *channelHandle) dispatch(gen uint64, payload json.RawMessage) {
	h.mu.Lock()
	if h.destroyed || h.gen != gen || h.state != StateSubscribed {
		h.mu.Unlock()
		return
	}
	subs := h.snapshotLocked()
	h.mu.Unlock()

	ev := Event{Key: h.key, Payload: payload, ReceivedAt: h.reg.clock.Now()}
	for _, s := range subs {
		s.deliver(ev)
	}
}

// disconnected handles the loss of the live stream of generation gen.
func (h *channelHandle) disconnected(gen uint64, err error) {
	h.mu.Lock()
	if h.destroyed || h.gen != gen || h.state != StateSubscribed {
		h.mu.Unlock()
		return
	}
	stream := h.stream
	h.stream = nil
	h.gen++
	h.failLocked(err)
	h.mu.Unlock()

	closeStream(h.key, stream)
}

// destroyLocked closes the handle for good and returns the stream the
// caller must close once locks are released.
func (h *channelHandle) destroyLocked() Stream {
	h.destroyed = true
	h.gen++
	h.retry.cancel()
	h.cancelTeardownLocked()
	stream := h.stream
	h.stream = nil
	h.setStateLocked(StateClosed, nil)
	return stream
}

func (h *channelHandle) status() ChannelStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := ChannelStatus{
		Key:          h.key.String(),
		Resource:     h.key.Resource(),
		Event:        h.key.Event(),
		State:        h.state,
		Subscribers:  len(h.subscribers),
		Attempt:      h.attempt,
		RetryPending: h.retry.pending(),
		CreatedAt:    h.createdAt,
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

func closeStream(key ChannelKey, s Stream) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		log.Debug("realtime: stream close failed", "key", key.String(), "error", err.Error())
	}
}

// streamListener binds provider callbacks to one open attempt. Callbacks
// wait until the handle has processed the Open result, so a message can
// never overtake the Subscribed transition.
type streamListener struct {
	h     *channelHandle
	gen   uint64
	ready chan struct{}
}

func (l *streamListener) OnMessage(payload json.RawMessage) {
	<-l.ready
	l.h.dispatch(l.gen, payload)
}

func (l *streamListener) OnError(err error) {
	<-l.ready
	l.h.disconnected(l.gen, fmt.Errorf("%w: %w", ErrUnexpectedDisconnect, err))
}

func (l *streamListener) OnClose() {
	<-l.ready
	l.h.disconnected(l.gen, fmt.Errorf("%w: closed by backend", ErrUnexpectedDisconnect))
}
