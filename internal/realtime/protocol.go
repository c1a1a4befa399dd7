package realtime

import (
	"encoding/json"
	"fmt"
)

// Message is the Phoenix Protocol v1.0.0 envelope.
type Message struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
)

// Server events
const (
	EventReply    = "phx_reply"
	EventClose    = "phx_close"
	EventError    = "phx_error"
	EventSystem   = "system"
	EventPostgres = "postgres_changes"
)

// Phoenix topic for heartbeats
const TopicPhoenix = "phoenix"

// JoinConfig is the config object of a phx_join payload.
type JoinConfig struct {
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// PostgresChangeSub is one postgres_changes subscription request.
type PostgresChangeSub struct {
	Event  string `json:"event"`            // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`           // "public"
	Table  string `json:"table"`            // table name
	Filter string `json:"filter,omitempty"` // e.g., "project_id=eq.P1"
}

type joinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// ReplyPayload is the payload of a phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ReplyError is the response body of an error reply.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// postgresPayload is the payload of a postgres_changes message.
type postgresPayload struct {
	IDs  []int           `json:"ids"`
	Data json.RawMessage `json:"data"`
}

// ChangeEvent is a database change as sent by the backend.
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// DecodeChange decodes an Event payload produced by the websocket
// provider.
func DecodeChange(payload json.RawMessage) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("invalid change payload: %w", err)
	}
	return ev, nil
}

func newMessage(event, topic, ref, joinRef string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Message{Event: event, Topic: topic, Payload: raw, Ref: ref, JoinRef: joinRef}, nil
}

// NewJoinMessage creates a phx_join message.
func NewJoinMessage(topic, ref string, cfg JoinConfig, accessToken string) (*Message, error) {
	return newMessage(EventJoin, topic, ref, ref, joinPayload{Config: cfg, AccessToken: accessToken})
}

// NewLeaveMessage creates a phx_leave message.
func NewLeaveMessage(topic, ref, joinRef string) (*Message, error) {
	return newMessage(EventLeave, topic, ref, joinRef, struct{}{})
}

// NewHeartbeatMessage creates a heartbeat on the phoenix topic.
func NewHeartbeatMessage(ref string) (*Message, error) {
	return newMessage(EventHeartbeat, TopicPhoenix, ref, "", struct{}{})
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}

// decodeReply parses a phx_reply payload and turns an error status into
// an error.
func decodeReply(msg *Message) error {
	var reply ReplyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return fmt.Errorf("invalid reply payload: %w", err)
	}
	if reply.Status == "ok" {
		return nil
	}
	var rerr ReplyError
	_ = json.Unmarshal(reply.Response, &rerr)
	if rerr.Code == "" && rerr.Message == "" {
		return fmt.Errorf("join rejected with status %q", reply.Status)
	}
	return fmt.Errorf("join rejected: %s: %s", rerr.Code, rerr.Message)
}
