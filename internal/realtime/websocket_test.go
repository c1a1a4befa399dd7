// internal/realtime/websocket_test.go
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phoenixServer is a minimal Phoenix realtime endpoint. mode controls how
// joins are answered: "" replies ok, "reject" replies with an error and
// "silent" never replies.
type phoenixServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	joined   chan *phoenixConn

	mu    sync.Mutex
	mode  string
	conns []*phoenixConn
}

type phoenixConn struct {
	ws       *websocket.Conn
	query    url.Values
	path     string
	received chan *Message

	writeMu sync.Mutex
	mu      sync.Mutex
	topic   string
	join    *Message
}

func newPhoenixServer(t *testing.T, mode string) *phoenixServer {
	ps := &phoenixServer{
		mode:   mode,
		joined: make(chan *phoenixConn, 16),
	}
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *phoenixServer) url() string {
	return ps.srv.URL + "/realtime/v1"
}

func (ps *phoenixServer) connCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

func (ps *phoenixServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	c := &phoenixConn{ws: ws, query: r.URL.Query(), path: r.URL.Path, received: make(chan *Message, 64)}
	ps.mu.Lock()
	ps.conns = append(ps.conns, c)
	mode := ps.mode
	ps.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		select {
		case c.received <- msg:
		default:
		}
		if msg.Event != EventJoin {
			continue
		}

		c.mu.Lock()
		c.topic = msg.Topic
		c.join = msg
		c.mu.Unlock()

		switch mode {
		case "silent":
			continue
		case "reject":
			c.reply(msg, `{"status":"error","response":{"code":"unauthorized","message":"invalid token"}}`)
		default:
			c.reply(msg, `{"status":"ok","response":{"postgres_changes":[{"id":1}]}}`)
			ps.joined <- c
		}
	}
}

func (ps *phoenixServer) waitJoin(t *testing.T) *phoenixConn {
	t.Helper()
	select {
	case c := <-ps.joined:
		return c
	case <-time.After(waitFor):
		t.Fatal("no join received")
		return nil
	}
}

func (c *phoenixConn) write(msg Message) {
	data, _ := json.Marshal(msg)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *phoenixConn) reply(to *Message, payload string) {
	c.write(Message{Event: EventReply, Topic: to.Topic, Ref: to.Ref, JoinRef: to.Ref, Payload: json.RawMessage(payload)})
}

func (c *phoenixConn) push(event, payload string) {
	c.mu.Lock()
	topic := c.topic
	c.mu.Unlock()
	c.write(Message{Event: event, Topic: topic, Payload: json.RawMessage(payload)})
}

func (c *phoenixConn) pushChange(data string) {
	c.push(EventPostgres, `{"ids":[1],"data":`+data+`}`)
}

func (c *phoenixConn) joinPayload(t *testing.T) joinPayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.join)
	var p joinPayload
	require.NoError(t, json.Unmarshal(c.join.Payload, &p))
	return p
}

func (c *phoenixConn) waitEvent(t *testing.T, event string) *Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-c.received:
			if msg.Event == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("server never received %s", event)
			return nil
		}
	}
}

// chanListener records provider callbacks.
type chanListener struct {
	messages chan json.RawMessage
	errs     chan error
	closes   chan struct{}
}

func newChanListener() *chanListener {
	return &chanListener{
		messages: make(chan json.RawMessage, 16),
		errs:     make(chan error, 4),
		closes:   make(chan struct{}, 4),
	}
}

func (l *chanListener) OnMessage(p json.RawMessage) { l.messages <- p }
func (l *chanListener) OnError(err error)           { l.errs <- err }
func (l *chanListener) OnClose()                    { l.closes <- struct{}{} }

func openStream(t *testing.T, ps *phoenixServer, cfg WebSocketConfig, key ChannelKey, l Listener) Stream {
	t.Helper()
	cfg.URL = ps.url()
	p, err := NewWebSocketProvider(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := p.Open(ctx, key, l)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewWebSocketProviderURL(t *testing.T) {
	p, err := NewWebSocketProvider(WebSocketConfig{URL: "https://api.example.com/realtime/v1/", APIKey: "anon"})
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/realtime/v1/websocket?apikey=anon&vsn=1.0.0", p.endpoint)
	assert.Equal(t, "public", p.schema)
	assert.Equal(t, defaultHeartbeat, p.heartbeat)

	_, err = NewWebSocketProvider(WebSocketConfig{URL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestWebSocketJoinAndDeliver(t *testing.T) {
	ps := newPhoenixServer(t, "")
	key := mustKey(t, "tasks", map[string]any{"project_id": "P1"}, EventUpdate)
	l := newChanListener()

	openStream(t, ps, WebSocketConfig{APIKey: "anon"}, key, l)
	c := ps.waitJoin(t)

	assert.Equal(t, "/realtime/v1/websocket", c.path)
	assert.Equal(t, "anon", c.query.Get("apikey"))
	assert.Equal(t, "1.0.0", c.query.Get("vsn"))

	join := c.joinPayload(t)
	require.Len(t, join.Config.PostgresChanges, 1)
	assert.Equal(t, PostgresChangeSub{Event: "UPDATE", Schema: "public", Table: "tasks", Filter: "project_id=eq.P1"},
		join.Config.PostgresChanges[0])

	c.write(Message{Event: EventPostgres, Topic: "realtime:public:other", Payload: json.RawMessage(`{"data":{"x":1}}`)})
	c.pushChange(`{"eventType":"UPDATE","table":"tasks","new":{"id":"T7","project_id":"P1"}}`)

	select {
	case payload := <-l.messages:
		ev, err := DecodeChange(payload)
		require.NoError(t, err)
		assert.Equal(t, "UPDATE", ev.EventType)
		assert.Equal(t, "T7", ev.New["id"])
	case <-time.After(waitFor):
		t.Fatal("no message delivered")
	}
	assert.Empty(t, l.messages, "messages for other topics are ignored")
}

func TestWebSocketFiltersExtraPairsClientSide(t *testing.T) {
	ps := newPhoenixServer(t, "")
	key := mustKey(t, "tasks", map[string]any{"project_id": "P1", "status": "open"}, EventAny)
	l := newChanListener()

	openStream(t, ps, WebSocketConfig{}, key, l)
	c := ps.waitJoin(t)
	assert.Equal(t, "project_id=eq.P1", c.joinPayload(t).Config.PostgresChanges[0].Filter)

	c.pushChange(`{"eventType":"UPDATE","new":{"project_id":"P1","status":"done"}}`)
	c.pushChange(`{"eventType":"UPDATE","new":{"project_id":"P1","status":"open"}}`)

	select {
	case payload := <-l.messages:
		ev, err := DecodeChange(payload)
		require.NoError(t, err)
		assert.Equal(t, "open", ev.New["status"])
	case <-time.After(waitFor):
		t.Fatal("matching change not delivered")
	}
	assert.Empty(t, l.messages)
}

func TestWebSocketJoinRejected(t *testing.T) {
	ps := newPhoenixServer(t, "reject")
	p, err := NewWebSocketProvider(WebSocketConfig{URL: ps.url()})
	require.NoError(t, err)

	_, err = p.Open(context.Background(), mustKey(t, "tasks", nil, EventAny), newChanListener())
	assert.ErrorContains(t, err, "unauthorized")
}

func TestWebSocketOpenHonorsContext(t *testing.T) {
	ps := newPhoenixServer(t, "silent")
	p, err := NewWebSocketProvider(WebSocketConfig{URL: ps.url()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Open(ctx, mustKey(t, "tasks", nil, EventAny), newChanListener())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketOpenDeadlineIsNotASocketTimeout(t *testing.T) {
	ps := newPhoenixServer(t, "silent")
	p, err := NewWebSocketProvider(WebSocketConfig{URL: ps.url()})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err = p.Open(ctx, mustKey(t, "tasks", nil, EventAny), newChanListener())
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded, "attempt %d", i)
		assert.NotErrorIs(t, err, os.ErrDeadlineExceeded, "attempt %d", i)
	}
}

func TestWebSocketOpenCanceled(t *testing.T) {
	ps := newPhoenixServer(t, "silent")
	p, err := NewWebSocketProvider(WebSocketConfig{URL: ps.url()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = p.Open(ctx, mustKey(t, "tasks", nil, EventAny), newChanListener())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebSocketServerDropReportsError(t *testing.T) {
	ps := newPhoenixServer(t, "")
	l := newChanListener()
	openStream(t, ps, WebSocketConfig{}, mustKey(t, "tasks", nil, EventAny), l)
	c := ps.waitJoin(t)

	c.ws.Close()

	select {
	case err := <-l.errs:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("drop not reported")
	}
}

func TestWebSocketChannelCloseAndError(t *testing.T) {
	t.Run("phx_close", func(t *testing.T) {
		ps := newPhoenixServer(t, "")
		l := newChanListener()
		openStream(t, ps, WebSocketConfig{}, mustKey(t, "tasks", nil, EventAny), l)
		ps.waitJoin(t).push(EventClose, `{}`)

		select {
		case <-l.closes:
		case <-time.After(waitFor):
			t.Fatal("phx_close not reported")
		}
	})

	t.Run("phx_error", func(t *testing.T) {
		ps := newPhoenixServer(t, "")
		l := newChanListener()
		openStream(t, ps, WebSocketConfig{}, mustKey(t, "tasks", nil, EventAny), l)
		ps.waitJoin(t).push(EventError, `{}`)

		select {
		case err := <-l.errs:
			assert.ErrorContains(t, err, "channel error")
		case <-time.After(waitFor):
			t.Fatal("phx_error not reported")
		}
	})
}

func TestWebSocketCloseLeavesTopic(t *testing.T) {
	ps := newPhoenixServer(t, "")
	l := newChanListener()
	s := openStream(t, ps, WebSocketConfig{}, mustKey(t, "tasks", nil, EventAny), l)
	c := ps.waitJoin(t)

	require.NoError(t, s.Close())
	leave := c.waitEvent(t, EventLeave)
	assert.Equal(t, "realtime:public:tasks", leave.Topic)
	assert.NoError(t, s.Close(), "second close is a no-op")

	assert.Empty(t, l.errs, "a requested close is not an error")
	assert.Empty(t, l.closes)
}

func TestWebSocketHeartbeat(t *testing.T) {
	ps := newPhoenixServer(t, "")
	openStream(t, ps, WebSocketConfig{HeartbeatInterval: 20 * time.Millisecond},
		mustKey(t, "tasks", nil, EventAny), newChanListener())
	c := ps.waitJoin(t)

	hb := c.waitEvent(t, EventHeartbeat)
	assert.Equal(t, TopicPhoenix, hb.Topic)
}

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-1",
		"role": "authenticated",
		"exp":  exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestWebSocketAccessToken(t *testing.T) {
	ps := newPhoenixServer(t, "")
	token := signToken(t, time.Now().Add(time.Hour))

	openStream(t, ps, WebSocketConfig{AccessToken: token}, mustKey(t, "tasks", nil, EventAny), newChanListener())
	assert.Equal(t, token, ps.waitJoin(t).joinPayload(t).AccessToken)
}

func TestWebSocketExpiredTokenFailsBeforeDial(t *testing.T) {
	ps := newPhoenixServer(t, "")
	p, err := NewWebSocketProvider(WebSocketConfig{URL: ps.url(), AccessToken: signToken(t, time.Now().Add(-time.Minute))})
	require.NoError(t, err)

	_, err = p.Open(context.Background(), mustKey(t, "tasks", nil, EventAny), newChanListener())
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, 0, ps.connCount())

	p.SetAccessToken("not-a-jwt")
	_, err = p.Open(context.Background(), mustKey(t, "tasks", nil, EventAny), newChanListener())
	assert.ErrorContains(t, err, "parse access token")
}

func TestRegistryOverWebSocket(t *testing.T) {
	ps := newPhoenixServer(t, "")
	p, err := NewWebSocketProvider(WebSocketConfig{URL: ps.url(), APIKey: "anon"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.GracePeriod = 10 * time.Millisecond
	reg, err := NewRegistry(p, cfg)
	require.NoError(t, err)
	defer reg.Close()
	client := NewClient(reg)

	a, b := &recorder{}, &recorder{}
	opts := SubscribeOptions{Filter: map[string]any{"project_id": "P1"}}
	unsubA, err := client.Subscribe("tasks", a.handle, opts)
	require.NoError(t, err)
	unsubB, err := client.Subscribe("tasks", b.handle, opts)
	require.NoError(t, err)

	c := ps.waitJoin(t)
	key := mustKey(t, "tasks", opts.Filter, EventAny)
	waitState(t, reg, key, StateSubscribed)
	assert.Equal(t, 1, ps.connCount(), "equal keys share one socket")

	c.pushChange(`{"eventType":"INSERT","new":{"id":"T1","project_id":"P1"}}`)
	require.Eventually(t, func() bool { return a.eventCount() == 1 && b.eventCount() == 1 }, waitFor, tick)

	unsubA()
	unsubB()
	c.waitEvent(t, EventLeave)
	require.Eventually(t, func() bool { return reg.handle(key) == nil }, waitFor, tick)
}
