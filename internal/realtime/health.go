package realtime

import (
	"sort"
	"time"
)

// HealthSnapshot is a point-in-time projection of registry state for
// external health indicators.
type HealthSnapshot struct {
	ActiveChannels       int       `json:"active_channels"`
	TotalSubscriptions   int       `json:"total_subscriptions"`
	ReconnectionAttempts int64     `json:"reconnection_attempts"`
	ConnectionErrors     int64     `json:"connection_errors"`
	LastHealthCheck      time.Time `json:"last_health_check"`

	ConnectionsOpened int64           `json:"connections_opened"`
	CallbackFailures  int64           `json:"callback_failures"`
	DroppedDeliveries int64           `json:"dropped_deliveries"`
	Channels          []ChannelStatus `json:"channels"`
}

// ChannelStatus describes one channel.
type ChannelStatus struct {
	Key          string     `json:"key"`
	Resource     string     `json:"resource"`
	Event        EventClass `json:"event"`
	State        State      `json:"state"`
	Subscribers  int        `json:"subscribers"`
	Attempt      int        `json:"attempt"`
	RetryPending bool       `json:"retry_pending"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Healthy reports whether every channel is connecting or subscribed.
func (s HealthSnapshot) Healthy() bool {
	for _, ch := range s.Channels {
		if ch.State == StateError || ch.State == StateClosed {
			return false
		}
	}
	return true
}

// Snapshot computes a HealthSnapshot from live registry state. Channels
// still inside their teardown grace period are listed but not counted as
// active.
func (r *Registry) Snapshot() HealthSnapshot {
	r.mu.Lock()
	handles := make([]*channelHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	snap := HealthSnapshot{
		ReconnectionAttempts: r.reconnectionAttempts.Load(),
		ConnectionErrors:     r.connectionErrors.Load(),
		ConnectionsOpened:    r.connectionsOpened.Load(),
		CallbackFailures:     r.callbackFailures.Load(),
		DroppedDeliveries:    r.droppedDeliveries.Load(),
		LastHealthCheck:      r.clock.Now(),
		Channels:             make([]ChannelStatus, 0, len(handles)),
	}
	for _, h := range handles {
		st := h.status()
		if st.Subscribers > 0 {
			snap.ActiveChannels++
		}
		snap.TotalSubscriptions += st.Subscribers
		snap.Channels = append(snap.Channels, st)
	}
	sort.Slice(snap.Channels, func(i, j int) bool {
		return snap.Channels[i].Key < snap.Channels[j].Key
	})
	return snap
}
