// Package events defines the canonical event record and the in-process bus
// that fans classified events out to the dispatcher, the confirmation
// workflow and any display consumers.
package events

import "time"

// Name identifies an event kind.
type Name string

// Events produced by the classifier and the transport.
const (
	TelemetryReceived   Name = "telemetry-received"
	StateUpdate         Name = "state-update"
	FallDetected        Name = "fall-detected"
	EmergencyDeclared   Name = "emergency-declared"
	EmergencyResolved   Name = "emergency-resolved"
	EmergencyConfirmed  Name = "emergency-confirmed"
	ConnectionOpened    Name = "connection-opened"
	ConnectionClosed    Name = "connection-closed"
	ConnectionError     Name = "connection-error"
	HealthCheckResponse Name = "health-check-response"
	Message             Name = "message"
)

// Events produced by the fall-confirmation workflow.
const (
	ConfirmationOpened Name = "confirmation-opened"
	ConfirmationTick   Name = "confirmation-tick"
	ConfirmationClosed Name = "confirmation-closed"
	WorkflowWarning    Name = "workflow-warning"
	EmergencyStatus    Name = "emergency-status"
)

// Event is the canonical record delivered to subscribers. Data holds a typed
// payload for events the core produces (see the payload types in the
// classify, client and confirm packages) and a map[string]any for raw frame
// content.
type Event struct {
	Name      Name      `json:"name"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(name Name, data any) Event {
	return Event{Name: name, Data: data, Timestamp: time.Now()}
}

// Fields returns Data as a map when the event carries raw frame content.
func (e Event) Fields() map[string]any {
	m, _ := e.Data.(map[string]any)
	return m
}
