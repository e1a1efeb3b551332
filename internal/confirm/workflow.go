// Package confirm runs the time-boxed "are you OK?" exchange that follows a
// detected fall. A session opens on fall-detected, ticks once per second,
// and closes when the user answers or the countdown runs out. Closing a
// session always completes locally; backend notification happens in the
// background and failures surface as workflow-warning events.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/clock"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/state"
)

const (
	DefaultCountdown      = 15
	defaultRequestTimeout = 10 * time.Second
	tickInterval          = time.Second
)

// ErrNoSession is returned when an answer arrives with no pending session.
var ErrNoSession = errors.New("no pending fall confirmation")

// Status is the lifecycle phase of a session.
type Status int

const (
	Pending Status = iota
	ConfirmedOK
	ConfirmedHelpNeeded
	TimedOut
)

var statusNames = map[Status]string{
	Pending:             "pending",
	ConfirmedOK:         "confirmed_ok",
	ConfirmedHelpNeeded: "confirmed_help_needed",
	TimedOut:            "timed_out",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Who closed a session.
const (
	ByUser   = "user"
	ByAuto   = "auto"
	ByRemote = "remote" // the backend resolved it first
)

// Session is one fall confirmation. Values handed out are copies.
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Alert     classify.Alert `json:"alert"`
	Countdown int            `json:"countdown"`
	Remaining int            `json:"remaining"`
	Status    Status         `json:"status"`
	ClosedBy  string         `json:"closedBy,omitempty"`
	OpenedAt  time.Time      `json:"openedAt"`
	ClosedAt  time.Time      `json:"closedAt,omitempty"`
}

// Outcome is the short journal tag of a closed session: ok, help or auto.
func (s Session) Outcome() string {
	switch s.Status {
	case ConfirmedOK:
		return "ok"
	case ConfirmedHelpNeeded:
		return "help"
	case TimedOut:
		return "auto"
	}
	return ""
}

// Warning is the payload of workflow-warning events: a backend call that
// failed after the local transition already happened.
type Warning struct {
	Op        string `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
	Err       error  `json:"-"`
}

func (w *Warning) Error() string {
	return fmt.Sprintf("%s (session %s): %v", w.Op, w.SessionID, w.Err)
}

func (w *Warning) Unwrap() error { return w.Err }

// Backend is the subset of the REST API the workflow calls.
type Backend interface {
	ResolveEmergency(ctx context.Context, userID string, req client.ResolveRequest) (*client.APIResponse, error)
	ConfirmHelpNeeded(ctx context.Context, userID string, req client.HelpRequest) (*client.APIResponse, error)
	CurrentEmergency(ctx context.Context, userID string) (*client.EmergencyStatus, error)
}

// Options configures a Workflow.
type Options struct {
	UserID         string
	Countdown      int // seconds; DefaultCountdown when zero
	RequestTimeout time.Duration
	Scheduler      clock.Scheduler
	Backend        Backend
	Tracker        *state.Tracker
	Logger         *slog.Logger
}

// Workflow owns at most one pending Session.
type Workflow struct {
	bus    *events.Bus
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
	timer   clock.Timer
	subs    []*events.Subscription

	inflight sync.WaitGroup
}

// New creates a workflow. Call Start to subscribe to the bus.
func New(bus *events.Bus, opts Options) *Workflow {
	if opts.Countdown <= 0 {
		opts.Countdown = DefaultCountdown
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.Real{}
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewTracker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Workflow{
		bus:    bus,
		opts:   opts,
		logger: opts.Logger.With("component", "confirm"),
	}
}

// Start subscribes to fall-detected and emergency-resolved.
func (w *Workflow) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs != nil {
		return
	}
	w.subs = []*events.Subscription{
		w.bus.Subscribe(events.FallDetected, w.onFall),
		w.bus.Subscribe(events.EmergencyResolved, w.onResolved),
	}
}

// Close cancels the countdown, unsubscribes and waits for backend calls in
// flight. A pending session is abandoned without escalation.
func (w *Workflow) Close() error {
	w.mu.Lock()
	w.stopTimerLocked()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	for _, s := range subs {
		w.bus.Unsubscribe(s)
	}
	w.inflight.Wait()
	return nil
}

// Snapshot returns the pending session, if any.
func (w *Workflow) Snapshot() (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return Session{}, false
	}
	return *w.session, true
}

// ConfirmOK closes the pending session as "I'm OK".
func (w *Workflow) ConfirmOK() error {
	s, err := w.close("", ConfirmedOK, ByUser)
	if err != nil {
		return err
	}
	w.revertState()
	w.call("resolve", s.ID, func(ctx context.Context) error {
		_, err := w.opts.Backend.ResolveEmergency(ctx, s.UserID, client.ResolveRequest{
			ResolutionType: "user_ok",
			SessionID:      s.ID,
			RespondedAt:    s.ClosedAt.UTC().Format(time.RFC3339),
		})
		return err
	})
	return nil
}

// RequestHelp closes the pending session as "I need help" and escalates.
func (w *Workflow) RequestHelp() error {
	s, err := w.close("", ConfirmedHelpNeeded, ByUser)
	if err != nil {
		return err
	}
	w.escalate(s)
	return nil
}

// CheckOutstanding asks the backend whether an emergency is already open
// for the user and publishes the answer as emergency-status.
func (w *Workflow) CheckOutstanding(ctx context.Context) (*client.EmergencyStatus, error) {
	if w.opts.Backend == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()
	st, err := w.opts.Backend.CurrentEmergency(ctx, w.opts.UserID)
	if err != nil {
		warn := &Warning{Op: "current-emergency", Err: err}
		w.logger.Warn("emergency status check failed", "error", err)
		w.bus.Publish(events.WorkflowWarning, warn)
		return nil, warn
	}
	w.bus.Publish(events.EmergencyStatus, *st)
	return st, nil
}

func (w *Workflow) onFall(ev events.Event) {
	alert, _ := ev.Data.(classify.Alert)

	w.mu.Lock()
	if w.session != nil {
		id := w.session.ID
		w.mu.Unlock()
		w.logger.Info("fall alert coalesced into pending session", "session", id)
		return
	}
	userID := alert.UserID
	if userID == "" {
		userID = w.opts.UserID
	}
	w.session = &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Alert:     alert,
		Countdown: w.opts.Countdown,
		Remaining: w.opts.Countdown,
		Status:    Pending,
		OpenedAt:  w.opts.Scheduler.Now(),
	}
	snap := *w.session
	w.scheduleTickLocked(snap.ID)
	w.mu.Unlock()

	w.logger.Info("fall confirmation opened", "session", snap.ID, "countdown", snap.Countdown)
	w.bus.Publish(events.ConfirmationOpened, snap)
}

func (w *Workflow) onResolved(events.Event) {
	if _, err := w.close("", ConfirmedOK, ByRemote); err != nil {
		return
	}
	w.revertState()
}

func (w *Workflow) scheduleTickLocked(id string) {
	w.timer = w.opts.Scheduler.AfterFunc(tickInterval, func() { w.tick(id) })
}

func (w *Workflow) tick(id string) {
	w.mu.Lock()
	if w.session == nil || w.session.ID != id {
		w.mu.Unlock()
		return
	}
	w.session.Remaining--
	snap := *w.session
	if snap.Remaining > 0 {
		w.scheduleTickLocked(id)
	} else {
		w.timer = nil
	}
	w.mu.Unlock()

	w.bus.Publish(events.ConfirmationTick, snap)
	if snap.Remaining > 0 {
		return
	}

	// Only the session that ran out may time out. Handlers of the last tick
	// can answer it and open a new one before this point.
	s, err := w.close(id, TimedOut, ByAuto)
	if err != nil {
		return
	}
	w.logger.Warn("no response to fall confirmation, escalating", "session", s.ID)
	w.escalate(s)
}

// close ends the pending session and publishes confirmation-closed. A
// non-empty id restricts it to that session.
func (w *Workflow) close(id string, status Status, by string) (Session, error) {
	w.mu.Lock()
	if w.session == nil || (id != "" && w.session.ID != id) {
		w.mu.Unlock()
		return Session{}, ErrNoSession
	}
	w.stopTimerLocked()
	s := *w.session
	w.session = nil
	w.mu.Unlock()

	s.Status = status
	s.ClosedBy = by
	s.ClosedAt = w.opts.Scheduler.Now()

	w.logger.Info("fall confirmation closed", "session", s.ID, "status", status.String(), "by", by)
	w.bus.Publish(events.ConfirmationClosed, s)
	return s, nil
}

func (w *Workflow) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Workflow) revertState() {
	ch := w.opts.Tracker.Override(state.Daily, w.opts.Scheduler.Now())
	ch.Raw = "confirmed_ok"
	w.bus.Publish(events.StateUpdate, ch)
}

// escalate raises the critical emergency and tells the backend.
func (w *Workflow) escalate(s Session) {
	auto := s.Status == TimedOut
	msg := "The user asked for help after a fall."
	if auto {
		msg = "No response within the confirmation window after a fall."
	}
	w.bus.Publish(events.EmergencyConfirmed, classify.Alert{
		Type:           client.MsgEmergencyConfirmedCritical,
		UserID:         s.UserID,
		Message:        msg,
		EmergencyLevel: "CRITICAL",
		ConfirmedBy:    s.ClosedBy,
		Timestamp:      s.ClosedAt.UTC().Format(time.RFC3339),
	})

	helpType := "general_help"
	if auto {
		helpType = "no_response"
	}
	w.call("confirm-help-needed", s.ID, func(ctx context.Context) error {
		_, err := w.opts.Backend.ConfirmHelpNeeded(ctx, s.UserID, client.HelpRequest{
			HelpType:    helpType,
			SessionID:   s.ID,
			Automatic:   auto,
			RespondedAt: s.ClosedAt.UTC().Format(time.RFC3339),
		})
		return err
	})
}

// call runs a backend request in the background. Failures become
// workflow-warning events.
func (w *Workflow) call(op, sessionID string, fn func(ctx context.Context) error) {
	if w.opts.Backend == nil {
		return
	}
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.RequestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			warn := &Warning{Op: op, SessionID: sessionID, Err: err}
			w.logger.Warn("backend notification failed", "op", op, "session", sessionID, "error", err)
			w.bus.Publish(events.WorkflowWarning, warn)
		}
	}()
}
