package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/markb/buildboard/internal/log"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 16

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed between inbound frames before the stream is considered dead
	pongWait = 60 * time.Second

	// Default heartbeat period (must be less than pongWait)
	defaultHeartbeat = 25 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB

	// Time Close waits for the write pump to flush phx_leave
	closeWait = time.Second
)

// WebSocketConfig configures a WebSocketProvider.
type WebSocketConfig struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8080/realtime/v1.
	// "/websocket" is appended when missing.
	URL string

	// APIKey is sent as the apikey query parameter.
	APIKey string

	// AccessToken is sent with every join. An expired token fails the
	// open with ErrTokenExpired instead of being sent.
	AccessToken string

	// Schema defaults to "public".
	Schema string

	// HeartbeatInterval defaults to 25s.
	HeartbeatInterval time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// WebSocketProvider opens one Phoenix realtime websocket per channel and
// joins a postgres_changes topic on it.
type WebSocketProvider struct {
	endpoint  string
	apiKey    string
	schema    string
	heartbeat time.Duration
	dialer    *websocket.Dialer
	now       func() time.Time

	mu    sync.RWMutex
	token string

	refs atomic.Uint64
}

// NewWebSocketProvider validates cfg and creates a provider.
func NewWebSocketProvider(cfg WebSocketConfig) (*WebSocketProvider, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid realtime URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	if cfg.APIKey != "" {
		q.Set("apikey", cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	p := &WebSocketProvider{
		endpoint:  u.String(),
		apiKey:    cfg.APIKey,
		schema:    cfg.Schema,
		heartbeat: cfg.HeartbeatInterval,
		dialer:    cfg.Dialer,
		now:       time.Now,
		token:     cfg.AccessToken,
	}
	if p.schema == "" {
		p.schema = "public"
	}
	if p.heartbeat <= 0 {
		p.heartbeat = defaultHeartbeat
	}
	if p.dialer == nil {
		p.dialer = websocket.DefaultDialer
	}
	return p, nil
}

// SetAccessToken replaces the token used by subsequent opens.
func (p *WebSocketProvider) SetAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

func (p *WebSocketProvider) accessToken() (string, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return "", nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	if exp != nil && !exp.After(p.now()) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return token, nil
}

func (p *WebSocketProvider) nextRef() string {
	return strconv.FormatUint(p.refs.Add(1), 10)
}

// Open dials the endpoint, joins the topic for key and waits for the
// join reply.
func (p *WebSocketProvider) Open(ctx context.Context, key ChannelKey, l Listener) (Stream, error) {
	token, err := p.accessToken()
	if err != nil {
		return nil, err
	}

	ws, _, err := p.dialer.DialContext(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// Unblock the handshake reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		ws.SetReadDeadline(time.Now())
		ws.SetWriteDeadline(time.Now())
	})
	defer stop()

	s := &wsStream{
		ws:        ws,
		key:       key,
		topic:     Topic(p.schema, key),
		joinRef:   p.nextRef(),
		provider:  p,
		listener:  l,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		writerEnd: make(chan struct{}),
	}
	if err := s.join(ctx, token); err != nil {
		ws.Close()
		return nil, err
	}
	if !stop() {
		// ctx ended while the reply was in flight.
		ws.Close()
		return nil, ctx.Err()
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetWriteDeadline(time.Time{})
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go s.writePump()
	go s.readPump()
	log.Debug("realtime: websocket joined", "topic", s.topic, "join_ref", s.joinRef)
	return s, nil
}

// wsStream is one joined topic on its own websocket.
type wsStream struct {
	ws       *websocket.Conn
	key      ChannelKey
	topic    string
	joinRef  string
	provider *WebSocketProvider
	listener Listener

	send      chan []byte   // outbound message queue
	done      chan struct{} // closed by Close
	writerEnd chan struct{} // closed when writePump returns
	closing   atomic.Bool
	closeOnce sync.Once
}

func (s *wsStream) join(ctx context.Context, token string) error {
	sub := PostgresChangeSub{
		Event:  s.key.Event().wire(),
		Schema: s.provider.schema,
		Table:  s.key.Resource(),
		Filter: serverFilter(s.key),
	}
	msg, err := NewJoinMessage(s.topic, s.joinRef, JoinConfig{PostgresChanges: []PostgresChangeSub{sub}}, token)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	// ctx bounds the handshake through the AfterFunc set up in Open.
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await join reply: %w", err)
		}
		reply, err := DecodeMessage(raw)
		if err != nil {
			log.Debug("realtime: invalid message during join", "topic", s.topic, "error", err.Error())
			continue
		}
		if reply.Topic != s.topic || reply.Event != EventReply || reply.Ref != s.joinRef {
			continue
		}
		return decodeReply(reply)
	}
}

// Close leaves the topic and closes the socket. Safe to call more than
// once.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if leave, lerr := NewLeaveMessage(s.topic, s.provider.nextRef(), s.joinRef); lerr == nil {
			if data, eerr := leave.Encode(); eerr == nil {
				select {
				case s.send <- data:
				default:
				}
			}
		}
		close(s.done)

		select {
		case <-s.writerEnd:
			s.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		case <-time.After(closeWait):
		}
		err = s.ws.Close()
	})
	return err
}

// readPump is the only caller of the listener, which keeps listener calls
// serialized.
func (s *wsStream) readPump() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.ws.Close()
			s.listener.OnError(fmt.Errorf("read: %w", err))
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := DecodeMessage(data)
		if err != nil {
			log.Debug("realtime: invalid message", "topic", s.topic, "error", err.Error())
			continue
		}
		if msg.Topic != s.topic {
			continue
		}

		switch msg.Event {
		case EventPostgres:
			s.handleChange(msg)
		case EventError:
			if s.closing.Load() {
				return
			}
			s.ws.Close()
			s.listener.OnError(errors.New("channel error from backend"))
			return
		case EventClose:
			if s.closing.Load() {
				return
			}
			s.ws.Close()
			s.listener.OnClose()
			return
		case EventSystem:
			log.Debug("realtime: system message", "topic", s.topic, "payload", string(msg.Payload))
		}
	}
}

func (s *wsStream) handleChange(msg *Message) {
	var p postgresPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.Data) == 0 {
		log.Debug("realtime: invalid postgres_changes payload", "topic", s.topic)
		return
	}
	if len(s.key.filter) > 1 {
		ev, err := DecodeChange(p.Data)
		if err != nil || !matchesKey(s.key, ev.New, ev.Old) {
			return
		}
	}
	s.listener.OnMessage(p.Data)
}

// writePump sends queued messages and heartbeats. On a write failure it
// closes the socket so readPump reports the loss.
func (s *wsStream) writePump() {
	ticker := time.NewTicker(s.provider.heartbeat)
	defer func() {
		ticker.Stop()
		close(s.writerEnd)
	}()

	write := func(data []byte) bool {
		s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			if !s.closing.Load() {
				log.Debug("realtime: write failed", "topic", s.topic, "error", err.Error())
				s.ws.Close()
			}
			return false
		}
		return true
	}

	for {
		select {
		case data := <-s.send:
			if !write(data) {
				return
			}

		case <-ticker.C:
			hb, err := NewHeartbeatMessage(s.provider.nextRef())
			if err != nil {
				continue
			}
			data, err := hb.Encode()
			if err != nil {
				continue
			}
			if !write(data) {
				return
			}

		case <-s.done:
			for {
				select {
				case data := <-s.send:
					if !write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
