package realtime

import (
	"context"
	"encoding/json"
)

// Provider opens change-stream channels on the backend.
//
// Open blocks until the backend acknowledges the subscription or ctx is
// done. After Open returns a Stream, the provider reports traffic through
// l; calls to l for one stream must be serialized, and must not be made
// from the goroutine running Open.
type Provider interface {
	Open(ctx context.Context, key ChannelKey, l Listener) (Stream, error)
}

// Stream is an open channel. Close releases it; the provider must not
// call the listener after Close returns.
type Stream interface {
	Close() error
}

// Listener receives a stream's traffic.
type Listener interface {
	// OnMessage forwards one change notification payload.
	OnMessage(payload json.RawMessage)

	// OnError reports that the live stream failed.
	OnError(err error)

	// OnClose reports that the backend closed the stream.
	OnClose()
}
