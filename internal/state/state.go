// Package state holds the monitored person's latest behavioural state and the
// rules that map free-form device labels onto it.
package state

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// State is the closed set of behavioural classifications.
type State int

const (
	Unknown State = iota
	Walking
	Daily // idle or everyday activity
	Fall
	Emergency
)

var stateNames = map[State]string{
	Unknown:   "unknown",
	Walking:   "walking",
	Daily:     "daily",
	Fall:      "fall",
	Emergency: "emergency",
}

var stateFromName = map[string]State{
	"unknown":   Unknown,
	"walking":   Walking,
	"daily":     Daily,
	"fall":      Fall,
	"emergency": Emergency,
}

// Labels the device and the mobile app already send in canonical form.
var localizedLabels = map[string]State{
	"보행": Walking,
	"걷기": Walking,
	"일상": Daily,
	"낙상": Fall,
	"응급": Emergency,
}

var stateLabels = map[State]string{
	Unknown:   "Unknown",
	Walking:   "Walking",
	Daily:     "Idle/Daily",
	Fall:      "Fall",
	Emergency: "Emergency",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Label returns the human-readable name shown in the console.
func (s State) Label() string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return "Unknown"
}

// Critical reports whether the state belongs to the emergency alert path.
func (s State) Critical() bool {
	return s == Fall || s == Emergency
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if v, ok := stateFromName[str]; ok {
		*s = v
	}
	return nil
}

// Normalize maps a raw label onto the closed State set. Matching is a
// case-insensitive substring test applied in the order walk, idle/daily,
// fall, emergency. The canonical localized labels pass through unchanged.
// Anything else falls back to Daily with recognized=false so the caller can
// log it. An empty label is the documented default and counts as recognized.
func Normalize(raw string) (s State, recognized bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Daily, true
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.Contains(lower, "walk"):
		return Walking, true
	case strings.Contains(lower, "idle"), strings.Contains(lower, "daily"):
		return Daily, true
	case strings.Contains(lower, "fall"):
		return Fall, true
	case strings.Contains(lower, "emergency"):
		return Emergency, true
	}
	if v, ok := localizedLabels[trimmed]; ok {
		return v, true
	}
	return Daily, false
}

// UserState is the latest known state of the monitored person.
type UserState struct {
	CurrentState  State     `json:"currentState"`
	Confidence    *float64  `json:"confidence,omitempty"`
	StateDuration float64   `json:"stateDuration,omitempty"`
	LastUpdate    time.Time `json:"lastUpdate"`
	IsConnected   bool      `json:"isConnected"`
}

// Change is the payload of a state-update event.
type Change struct {
	Previous UserState `json:"previous"`
	Current  UserState `json:"current"`
	// Initial is true for the first state observed in the session; display
	// consumers use it but tones are suppressed for it.
	Initial bool   `json:"initial"`
	Raw     string `json:"raw,omitempty"`
}

// Changed reports whether the classification differs from the previous one.
func (c Change) Changed() bool {
	return c.Previous.CurrentState != c.Current.CurrentState
}

// Reading is one normalized observation applied to a Tracker.
type Reading struct {
	State      State
	Confidence *float64
	Duration   float64
	At         time.Time
}

// Tracker owns the single UserState record. It is overwritten in place and
// never historized.
type Tracker struct {
	mu       sync.Mutex
	current  UserState
	observed bool
}

// NewTracker returns a tracker in the Unknown state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() UserState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.clone()
}

// Apply records a reading and returns the resulting change.
func (t *Tracker) Apply(r Reading) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.current.clone()
	initial := !t.observed
	t.observed = true

	t.current.CurrentState = r.State
	if r.Confidence != nil {
		c := *r.Confidence
		t.current.Confidence = &c
	}
	t.current.StateDuration = r.Duration
	t.current.LastUpdate = r.At
	// A state reading can only arrive over an open connection.
	t.current.IsConnected = true

	return Change{Previous: prev, Current: t.current.clone(), Initial: initial}
}

// Override forces the classification, as when the user reports they are
// fine after a fall. Confidence is cleared and the connection flag is left
// alone.
func (t *Tracker) Override(s State, at time.Time) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.current.clone()
	initial := !t.observed
	t.observed = true

	t.current.CurrentState = s
	t.current.Confidence = nil
	t.current.StateDuration = 0
	t.current.LastUpdate = at

	return Change{Previous: prev, Current: t.current.clone(), Initial: initial}
}

// SetConnected records the transport's connection status.
func (t *Tracker) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.IsConnected = connected
}

func (u UserState) clone() UserState {
	if u.Confidence != nil {
		c := *u.Confidence
		u.Confidence = &c
	}
	return u
}
