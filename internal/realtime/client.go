// Package realtime multiplexes backend change-stream subscriptions.
//
// Many independent consumers subscribe through a Client. Subscriptions
// with structurally equal keys share one backend channel, which the
// Registry reference-counts, reconnects with capped exponential backoff,
// and tears down a short grace period after its last subscriber leaves.
// Every change is fanned out to each subscriber on its own goroutine.
package realtime

import (
	"sync"
)

// Client is the consumer entry point of the multiplexer.
type Client struct {
	registry *Registry
}

// NewClient wraps a registry.
func NewClient(registry *Registry) *Client {
	return &Client{registry: registry}
}

// SubscribeOptions are the optional parts of a subscription.
type SubscribeOptions struct {
	// Filter restricts the channel to rows whose fields equal these values.
	Filter map[string]any

	// Event is insert, update, delete or any. Empty means any.
	Event string

	// OnStateChange observes the channel's connection state.
	OnStateChange StateObserver
}

// Unsubscribe ends a subscription. It is safe to call from any goroutine,
// including from inside the subscription's own callback, and more than
// once; calls after the first do nothing. It never waits for a callback.
// Once it returns no further delivery is dequeued, but one the
// subscriber's goroutine had already dequeued may still run, and a
// callback already running is not interrupted.
type Unsubscribe func()

// Subscribe registers handler for changes to resource. Connection
// failures are never returned here; they surface through
// OnStateChange and the health snapshot.
func (c *Client) Subscribe(resource string, handler ChangeHandler, opts SubscribeOptions) (Unsubscribe, error) {
	ev, err := ParseEventClass(opts.Event)
	if err != nil {
		return nil, err
	}
	key, err := NewChannelKey(resource, opts.Filter, ev)
	if err != nil {
		return nil, err
	}
	return c.SubscribeKey(key, handler, opts.OnStateChange)
}

// SubscribeKey is Subscribe for a prebuilt key.
func (c *Client) SubscribeKey(key ChannelKey, handler ChangeHandler, onState StateObserver) (Unsubscribe, error) {
	token, err := c.registry.Acquire(key, handler, onState)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.registry.Release(key, token)
		})
	}, nil
}

// HealthStatus returns the current health snapshot.
func (c *Client) HealthStatus() HealthSnapshot {
	return c.registry.Snapshot()
}
