// Package protocol defines the wire format of the sync channel: a JSON
// envelope carrying a closed set of typed messages, plus the decoder that
// turns raw frames into them.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of message on the sync channel.
type MessageType string

const (
	// TypeEntityUpdate carries the current state of one job record.
	TypeEntityUpdate MessageType = "entity_update"
	// TypePoolStatus carries a point-in-time snapshot of the worker pool.
	TypePoolStatus MessageType = "pool_status"
	// TypeReconnectDirective instructs the client to proactively close and
	// re-establish its channel outside the normal backoff schedule.
	TypeReconnectDirective MessageType = "reconnect_directive"
	// TypeSideNotification carries an out-of-band notice for display.
	TypeSideNotification MessageType = "side_notification"
	// TypeHeartbeat is a liveness frame with no payload.
	TypeHeartbeat MessageType = "heartbeat"
)

// Message is the envelope for all channel messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// EntityUpdate is one job record as delivered on the wire. Every key in the
// payload besides id and status is preserved in Fields, so display data
// survives round trips without the client enumerating it.
type EntityUpdate struct {
	ID     string
	Status string
	Fields map[string]interface{}
}

// UnmarshalJSON splits the flat payload object into identity, status, and
// the remaining display fields.
func (u *EntityUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if id, ok := raw["id"].(string); ok {
		u.ID = id
	}
	if status, ok := raw["status"].(string); ok {
		u.Status = status
	}
	delete(raw, "id")
	delete(raw, "status")
	u.Fields = raw
	return nil
}

// MarshalJSON re-flattens the update into a single payload object.
func (u EntityUpdate) MarshalJSON() ([]byte, error) {
	raw := make(map[string]interface{}, len(u.Fields)+2)
	for k, v := range u.Fields {
		raw[k] = v
	}
	raw["id"] = u.ID
	raw["status"] = u.Status
	return json.Marshal(raw)
}

// WorkerStatus describes one connected worker in the pool snapshot.
type WorkerStatus struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname,omitempty"`
	Status     string    `json:"status"`
	ActiveJobs int       `json:"active_jobs,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// PoolStatus is a snapshot of the connected worker pool.
type PoolStatus struct {
	Workers   []WorkerStatus `json:"workers"`
	Capacity  int            `json:"capacity,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Decoded is the result of decoding one inbound frame. The payload field
// matching Type is set; the others are zero.
type Decoded struct {
	Type   MessageType
	Entity *EntityUpdate
	Pool   *PoolStatus
	Side   json.RawMessage
}

// Decode parses a raw channel frame into a typed message. It returns nil for
// anything that is not a well-formed envelope with a recognized type: opaque
// heartbeat frames, unknown message kinds, and malformed payloads all decode
// to nil and are dropped by the caller, never treated as errors.
func Decode(raw []byte) *Decoded {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case TypeEntityUpdate:
		var u EntityUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil || u.ID == "" {
			return nil
		}
		return &Decoded{Type: msg.Type, Entity: &u}
	case TypePoolStatus:
		var p PoolStatus
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil
		}
		return &Decoded{Type: msg.Type, Pool: &p}
	case TypeReconnectDirective:
		return &Decoded{Type: msg.Type}
	case TypeSideNotification:
		return &Decoded{Type: msg.Type, Side: msg.Payload}
	case TypeHeartbeat:
		return &Decoded{Type: msg.Type}
	default:
		return nil
	}
}

// Encode wraps a payload in the envelope for transmission. Used by tests and
// tooling; the client itself only sends ping control frames.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Message{Type: t, Payload: raw, Timestamp: time.Now()})
}
