// Package classify turns raw backend frames into canonical events. Frames
// are inspected with gjson so that partially known payloads never fail a
// whole decode.
package classify

import (
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/state"
)

// Alert is the payload of fall-detected, emergency-declared,
// emergency-resolved and emergency-confirmed events.
type Alert struct {
	Type            client.MessageType `json:"type"`
	UserID          string             `json:"userId,omitempty"`
	Message         string             `json:"message,omitempty"`
	Confidence      *float64           `json:"confidence,omitempty"`
	EmergencyLevel  string             `json:"emergencyLevel,omitempty"`
	DurationSeconds float64            `json:"durationSeconds,omitempty"`
	ResolutionType  string             `json:"resolutionType,omitempty"`
	ConfirmedBy     string             `json:"confirmedBy,omitempty"`
	// Timestamp is the backend's own timestamp string, passed through.
	Timestamp string         `json:"timestamp,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Critical reports whether the alert belongs to the critical path.
func (a Alert) Critical() bool {
	return a.Type == client.MsgEmergencyDeclared ||
		a.Type == client.MsgEmergencyConfirmedCritical ||
		strings.EqualFold(a.EmergencyLevel, "critical")
}

var typedEvents = map[client.MessageType]events.Name{
	client.MsgFallAlert:                  events.FallDetected,
	client.MsgEmergencyDeclared:          events.EmergencyDeclared,
	client.MsgEmergencyResolved:          events.EmergencyResolved,
	client.MsgEmergencyConfirmedCritical: events.EmergencyConfirmed,
	client.MsgHealthCheckResponse:        events.HealthCheckResponse,
	client.MsgIMUDataReceived:            events.TelemetryReceived,
}

// Classifier maps frames to events and keeps the state tracker current.
type Classifier struct {
	tracker *state.Tracker
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a classifier that records state readings on tracker.
func New(tracker *state.Tracker, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = state.NewTracker()
	}
	return &Classifier{
		tracker: tracker,
		logger:  logger.With("component", "classifier"),
		now:     time.Now,
	}
}

// Classify returns the primary event for frame followed by any derived
// state-update. Malformed frames are logged and yield no events.
func (c *Classifier) Classify(frame []byte) []events.Event {
	if !gjson.ValidBytes(frame) {
		c.logger.Warn("discarding malformed frame", "bytes", len(frame))
		return nil
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		c.logger.Warn("discarding non-object frame", "kind", root.Type.String())
		return nil
	}

	at := c.now()
	out := []events.Event{c.primary(root, at)}
	if ev, ok := c.stateUpdate(root, at); ok {
		out = append(out, ev)
	}
	return out
}

func (c *Classifier) primary(root gjson.Result, at time.Time) events.Event {
	typ := client.MessageType(root.Get("type").String())
	raw, _ := root.Value().(map[string]any)

	if name, ok := typedEvents[typ]; ok {
		switch name {
		case events.FallDetected, events.EmergencyDeclared,
			events.EmergencyResolved, events.EmergencyConfirmed:
			return events.Event{Name: name, Data: alertFrom(typ, root, raw), Timestamp: at}
		}
		return events.Event{Name: name, Data: raw, Timestamp: at}
	}

	if typ == "" && hasIMU(root) {
		return events.Event{Name: events.TelemetryReceived, Data: raw, Timestamp: at}
	}
	if typ != "" {
		c.logger.Debug("unhandled frame type", "type", string(typ))
	}
	return events.Event{Name: events.Message, Data: raw, Timestamp: at}
}

func alertFrom(typ client.MessageType, root gjson.Result, raw map[string]any) Alert {
	body := root.Get("data")
	if !body.IsObject() {
		body = root
	}
	a := Alert{
		Type:            typ,
		UserID:          body.Get("user_id").String(),
		Message:         body.Get("message").String(),
		EmergencyLevel:  body.Get("emergency_level").String(),
		DurationSeconds: body.Get("duration_seconds").Float(),
		ResolutionType:  body.Get("resolution_type").String(),
		ConfirmedBy:     body.Get("confirmed_by").String(),
		Timestamp:       body.Get("timestamp").String(),
		Raw:             raw,
	}
	a.Confidence = optionalFloat(body, "confidence_score", "confidence")
	return a
}

// hasIMU reports whether the frame carries motion samples, either as
// accel/gyro vectors or flat acc_x style keys, at the top level or under
// data.
func hasIMU(root gjson.Result) bool {
	for _, r := range []gjson.Result{root, root.Get("data")} {
		if !r.IsObject() {
			continue
		}
		if r.Get("accel").Exists() && r.Get("gyro").Exists() {
			return true
		}
		if r.Get("acc_x").Exists() {
			return true
		}
	}
	return false
}

// stateUpdate derives a state reading from user_state, then roc_analysis or
// analysis_result, then a bare current_state, first match wins.
func (c *Classifier) stateUpdate(root gjson.Result, at time.Time) (events.Event, bool) {
	var (
		raw     string
		reading state.Reading
	)

	switch us := root.Get("user_state"); {
	case us.IsObject():
		raw = us.Get("current_state").String()
		reading.Confidence = optionalFloat(us, "confidence_score", "confidence")
		reading.Duration = us.Get("state_duration").Float()
		if ts, ok := parseTimestamp(us.Get("last_update").String()); ok {
			at = ts
		}
	case root.Get("roc_analysis").IsObject() || root.Get("analysis_result").IsObject():
		an := root.Get("roc_analysis")
		if !an.IsObject() {
			an = root.Get("analysis_result")
		}
		walking := an.Get("walking")
		if !walking.Exists() {
			walking = an.Get("is_walking")
		}
		raw = "Idle"
		if walking.Bool() {
			raw = "Walking"
		}
		reading.Confidence = optionalFloat(an, "confidence", "confidence_score")
	case root.Get("current_state").Exists():
		raw = root.Get("current_state").String()
	default:
		return events.Event{}, false
	}

	s, recognized := state.Normalize(raw)
	if !recognized {
		c.logger.Warn("unrecognized state label, using idle/daily", "raw", raw)
	}
	reading.State = s
	reading.At = at

	change := c.tracker.Apply(reading)
	change.Raw = raw
	return events.Event{Name: events.StateUpdate, Data: change, Timestamp: at}, true
}

// The backend emits ISO-8601 with or without a zone offset.
var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func optionalFloat(r gjson.Result, keys ...string) *float64 {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type == gjson.Number {
			f := v.Float()
			return &f
		}
	}
	return nil
}
