// Package events defines the transport lifecycle events and the bus they are
// published on.
package events

import "time"

// EventType identifies an event published on the Bus.
type EventType string

const (
	// Downstream connection events
	EventConnectionInitialized EventType = "connection_initialized"
	EventConnectionComplete    EventType = "connection_complete"
	EventPoolConnectionOpened  EventType = "pool_connection_opened"
	EventPoolConnectionClosed  EventType = "pool_connection_closed"

	// Session lifecycle events
	EventDownstreamInitialized  EventType = "downstream_initialized"
	EventInitialServerConnected EventType = "initial_server_connected"
	EventTransferStarted        EventType = "transfer_started"
	EventTransferCompleted      EventType = "transfer_completed"
	EventSessionClosed          EventType = "session_closed"

	// Failure events
	EventDownstreamException EventType = "downstream_exception"
	EventFloodDetected       EventType = "flood_detected"

	// Measurement events
	EventLatencySampled EventType = "latency_sampled"
	EventLatencyAlert   EventType = "latency_alert"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// New stamps an event with the current time.
func New(t EventType, source string, payload interface{}) Event {
	return Event{Type: t, Source: source, Time: time.Now(), Payload: payload}
}

// ConnectionPayload describes a downstream connect attempt. Err is empty on
// success.
type ConnectionPayload struct {
	SessionID string        `json:"session_id,omitempty"`
	Server    string        `json:"server"`
	Address   string        `json:"address"`
	Kind      string        `json:"kind"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// PoolPayload describes a pooled multiplexed connection opening or closing.
type PoolPayload struct {
	Address string `json:"address"`
	Err     string `json:"error,omitempty"`
}

// SessionPayload describes a session state change.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Server    string `json:"server"`
	Host      string `json:"host"`
	State     string `json:"state"`
	Initial   bool   `json:"initial,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ExceptionPayload is published when a downstream batch cannot be decoded.
// Dump holds the offending bytes when they were still available.
type ExceptionPayload struct {
	SessionID string `json:"session_id"`
	Server    string `json:"server"`
	Host      string `json:"host"`
	State     string `json:"state"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
	Latency   int64  `json:"latency_ms"`
	Dump      []byte `json:"-"`
}

// FloodPayload is published once per session when the upstream exceeds the
// packet ceiling.
type FloodPayload struct {
	SessionID string `json:"session_id"`
	Server    string `json:"server"`
	Host      string `json:"host"`
	Count     int    `json:"count"`
	Ceiling   int    `json:"ceiling"`
}

// LatencyPayload carries one latency sample. Loss is only meaningful when
// HasLoss is set.
type LatencyPayload struct {
	SessionID string        `json:"session_id"`
	Server    string        `json:"server"`
	Host      string        `json:"host"`
	Latency   time.Duration `json:"latency_ns"`
	Loss      float64       `json:"loss,omitempty"`
	HasLoss   bool          `json:"has_loss"`
	Native    bool          `json:"native"`
}

// LatencyAlertPayload is published by the latency monitor when a server's
// average crosses a threshold.
type LatencyAlertPayload struct {
	Server    string        `json:"server"`
	Average   time.Duration `json:"average_ns"`
	Threshold time.Duration `json:"threshold_ns"`
	Loss      float64       `json:"loss"`
	Samples   int           `json:"samples"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
