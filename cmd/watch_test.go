// cmd/watch_test.go
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markb/buildboard/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider hands out streams whose listeners the test drives.
type stubProvider struct {
	mu        sync.Mutex
	listeners map[string]realtime.Listener
}

func (p *stubProvider) Open(_ context.Context, key realtime.ChannelKey, l realtime.Listener) (realtime.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners == nil {
		p.listeners = make(map[string]realtime.Listener)
	}
	p.listeners[key.Resource()] = l
	return stubStream{}, nil
}

func (p *stubProvider) listener(resource string) realtime.Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners[resource]
}

type stubStream struct{}

func (stubStream) Close() error { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPrintsChanges(t *testing.T) {
	p := &stubProvider{}
	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())

	regCh := make(chan *realtime.Registry, 1)
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, watchOptions{
			provider:  p,
			config:    realtime.DefaultConfig(),
			resources: []string{"tasks", "equipment"},
			filter:    map[string]any{"project_id": "P1"},
			event:     "update",
			out:       out,
			ready:     func(r *realtime.Registry) { regCh <- r },
		})
	}()

	reg := <-regCh
	assert.Equal(t, realtime.DefaultConfig().MaxAttempts, reg.Config().MaxAttempts)
	require.Eventually(t, func() bool {
		snap := reg.Snapshot()
		if snap.ActiveChannels != 2 {
			return false
		}
		for _, ch := range snap.Channels {
			if ch.State != realtime.StateSubscribed {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	p.listener("tasks").OnMessage(json.RawMessage(`{"eventType":"UPDATE","table":"tasks","new":{"id":"T7","project_id":"P1"}}`))
	p.listener("equipment").OnMessage(json.RawMessage(`not json`))

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var lines []changeLine
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var line changeLine
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		lines = append(lines, line)
	}
	byChannel := map[string]changeLine{}
	for _, l := range lines {
		byChannel[strings.SplitN(l.Channel, "|", 2)[0]] = l
	}
	assert.Equal(t, "UPDATE", byChannel["tasks"].Type)
	assert.Equal(t, "T7", byChannel["tasks"].New["id"])
	assert.Equal(t, "not json", byChannel["equipment"].Raw)
	assert.Equal(t, "tasks|update|project_id=P1", byChannel["tasks"].Channel)
}

func TestWatchRejectsInvalidEvent(t *testing.T) {
	err := watch(context.Background(), watchOptions{
		provider:  &stubProvider{},
		config:    realtime.DefaultConfig(),
		resources: []string{"tasks"},
		event:     "upsert",
		out:       &bytes.Buffer{},
	})
	assert.ErrorIs(t, err, realtime.ErrInvalidKey)
}
