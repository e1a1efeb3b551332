// Package client provides the WebSocket transport and the REST client for the
// fall-detection backend. Types mirror the backend wire protocol.
package client

import (
	"encoding/json"
	"time"
)

// MessageType is the optional discriminator carried by inbound frames.
type MessageType string

const (
	MsgFallAlert                  MessageType = "fall_alert"
	MsgEmergencyDeclared          MessageType = "emergency_declared"
	MsgEmergencyResolved          MessageType = "emergency_resolved"
	MsgEmergencyConfirmedCritical MessageType = "emergency_confirmed_critical"
	MsgHealthCheckResponse        MessageType = "health_check_response"
	MsgIMUDataReceived            MessageType = "imu_data_received"
	MsgConnectionEstablished      MessageType = "connection_established"

	// MsgHealthCheck is sent by the client; the backend answers with
	// MsgHealthCheckResponse.
	MsgHealthCheck MessageType = "health_check"
)

// Vector3 is one three-axis sensor sample.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// TelemetryFrame is the outbound raw motion sample. Timestamp is in
// fractional Unix seconds.
type TelemetryFrame struct {
	Timestamp float64 `json:"timestamp"`
	Accel     Vector3 `json:"accel"`
	Gyro      Vector3 `json:"gyro"`
}

// HealthCheckFrame asks the backend to confirm the link is alive.
type HealthCheckFrame struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
}

// Envelope is the common shape of backend-originated frames.
type Envelope struct {
	Type MessageType     `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AlertPayload is the data object of fall and emergency frames.
type AlertPayload struct {
	UserID          string  `json:"user_id"`
	Message         string  `json:"message,omitempty"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	EmergencyLevel  string  `json:"emergency_level,omitempty"`
	DurationSeconds int     `json:"duration_seconds,omitempty"`
	ResolutionType  string  `json:"resolution_type,omitempty"`
	ConfirmedBy     string  `json:"confirmed_by,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
}

// UserStatePayload is the user_state object attached to telemetry replies.
type UserStatePayload struct {
	CurrentState    string  `json:"current_state"`
	StateDuration   float64 `json:"state_duration,omitempty"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	LastUpdate      string  `json:"last_update,omitempty"`
}

// --- REST types ---

// ResolveRequest is the body of the resolve-emergency call.
type ResolveRequest struct {
	ResolutionType string `json:"resolution_type"`
	SessionID      string `json:"session_id,omitempty"`
	RespondedAt    string `json:"responded_at,omitempty"`
}

// HelpRequest is the body of the confirm-help-needed call.
type HelpRequest struct {
	HelpType    string `json:"help_type"`
	SessionID   string `json:"session_id,omitempty"`
	Automatic   bool   `json:"automatic"`
	RespondedAt string `json:"responded_at,omitempty"`
}

// APIResponse is the envelope every backend REST endpoint returns.
type APIResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EmergencyStatus is the data of the current-emergency endpoint.
type EmergencyStatus struct {
	UserID            string  `json:"user_id"`
	HasEmergency      bool    `json:"has_emergency"`
	FallTime          float64 `json:"fall_time,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	EmergencyLevel    string  `json:"emergency_level,omitempty"`
	TimeUntilCritical float64 `json:"time_until_critical,omitempty"`
	Message           string  `json:"message,omitempty"`
}

// ConnectionDiagnostic is the payload of connection-error events.
type ConnectionDiagnostic struct {
	URL        string `json:"url"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Err        string `json:"error,omitempty"`
}

// ConnectionStatus is the payload of connection-opened and connection-closed
// events.
type ConnectionStatus struct {
	UserID           string        `json:"userId"`
	URL              string        `json:"url"`
	CloseCode        int           `json:"closeCode,omitempty"`
	ReconnectAttempt int           `json:"reconnectAttempt"`
	WillReconnect    bool          `json:"willReconnect"`
	RetryIn          time.Duration `json:"retryIn,omitempty"`
}

// unixSeconds converts t to the fractional-seconds timestamps the backend
// expects.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
