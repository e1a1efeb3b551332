package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/clock"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/state"
)

type fakeBackend struct {
	mu       sync.Mutex
	resolves []client.ResolveRequest
	helps    []client.HelpRequest
	status   *client.EmergencyStatus
	err      error
}

func (f *fakeBackend) ResolveEmergency(_ context.Context, _ string, req client.ResolveRequest) (*client.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, req)
	if f.err != nil {
		return nil, f.err
	}
	return &client.APIResponse{Status: "success"}, nil
}

func (f *fakeBackend) ConfirmHelpNeeded(_ context.Context, _ string, req client.HelpRequest) (*client.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helps = append(f.helps, req)
	if f.err != nil {
		return nil, f.err
	}
	return &client.APIResponse{Status: "success"}, nil
}

func (f *fakeBackend) CurrentEmergency(_ context.Context, userID string) (*client.EmergencyStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.status != nil {
		return f.status, nil
	}
	return &client.EmergencyStatus{UserID: userID}, nil
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) add(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) byName(name events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	bus     *events.Bus
	sched   *clock.Fake
	backend *fakeBackend
	tracker *state.Tracker
	wf      *Workflow
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:     events.NewBus(nil),
		sched:   clock.NewFake(),
		backend: &fakeBackend{},
		tracker: state.NewTracker(),
		rec:     &recorder{},
	}
	for _, n := range []events.Name{
		events.ConfirmationOpened, events.ConfirmationTick, events.ConfirmationClosed,
		events.EmergencyConfirmed, events.StateUpdate, events.WorkflowWarning, events.EmergencyStatus,
	} {
		h.bus.Subscribe(n, h.rec.add)
	}
	h.wf = New(h.bus, Options{
		UserID:    "demo_user",
		Scheduler: h.sched,
		Backend:   h.backend,
		Tracker:   h.tracker,
	})
	h.wf.Start()
	t.Cleanup(func() { h.wf.Close() })
	return h
}

func (h *harness) fall() {
	h.bus.Publish(events.FallDetected, classify.Alert{Type: client.MsgFallAlert, UserID: "demo_user", Message: "Fall detected"})
}

func TestFallOpensPendingSession(t *testing.T) {
	h := newHarness(t)
	h.fall()

	s, ok := h.wf.Snapshot()
	require.True(t, ok)
	assert.Equal(t, Pending, s.Status)
	assert.Equal(t, 15, s.Countdown)
	assert.Equal(t, 15, s.Remaining)
	assert.Equal(t, "demo_user", s.UserID)
	assert.NotEmpty(t, s.ID)
	assert.Len(t, h.rec.byName(events.ConfirmationOpened), 1)
}

func TestSecondFallWhilePendingIsCoalesced(t *testing.T) {
	h := newHarness(t)
	h.fall()
	first, _ := h.wf.Snapshot()

	h.sched.Advance(3 * time.Second)
	h.fall()

	s, ok := h.wf.Snapshot()
	require.True(t, ok)
	assert.Equal(t, first.ID, s.ID)
	assert.Equal(t, 12, s.Remaining, "countdown must not restart")
	assert.Len(t, h.rec.byName(events.ConfirmationOpened), 1)
	assert.Equal(t, 1, h.sched.Pending())
}

func TestCountdownTicksOncePerSecond(t *testing.T) {
	h := newHarness(t)
	h.fall()

	h.sched.Advance(999 * time.Millisecond)
	assert.Empty(t, h.rec.byName(events.ConfirmationTick))

	h.sched.Advance(time.Millisecond)
	ticks := h.rec.byName(events.ConfirmationTick)
	require.Len(t, ticks, 1)
	assert.Equal(t, 14, ticks[0].Data.(Session).Remaining)

	h.sched.Advance(4 * time.Second)
	ticks = h.rec.byName(events.ConfirmationTick)
	require.Len(t, ticks, 5)
	assert.Equal(t, 10, ticks[4].Data.(Session).Remaining)
}

func TestTimeoutEscalatesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.fall()

	h.sched.Advance(15 * time.Second)
	h.wf.inflight.Wait()

	closed := h.rec.byName(events.ConfirmationClosed)
	require.Len(t, closed, 1)
	s := closed[0].Data.(Session)
	assert.Equal(t, TimedOut, s.Status)
	assert.Equal(t, ByAuto, s.ClosedBy)
	assert.Equal(t, "auto", s.Outcome())
	assert.Equal(t, 0, s.Remaining)

	confirmed := h.rec.byName(events.EmergencyConfirmed)
	require.Len(t, confirmed, 1)
	a := confirmed[0].Data.(classify.Alert)
	assert.Equal(t, ByAuto, a.ConfirmedBy)
	assert.True(t, a.Critical())

	require.Len(t, h.backend.helps, 1)
	assert.True(t, h.backend.helps[0].Automatic)
	assert.Equal(t, s.ID, h.backend.helps[0].SessionID)

	// Nothing left to fire.
	h.sched.Advance(time.Minute)
	assert.Len(t, h.rec.byName(events.EmergencyConfirmed), 1)
	assert.Len(t, h.rec.byName(events.ConfirmationTick), 15)
	_, ok := h.wf.Snapshot()
	assert.False(t, ok)
}

func TestAnswerOnLastTickKeepsNextSession(t *testing.T) {
	h := newHarness(t)
	answered := false
	h.bus.Subscribe(events.ConfirmationTick, func(ev events.Event) {
		if ev.Data.(Session).Remaining > 0 || answered {
			return
		}
		answered = true
		require.NoError(t, h.wf.ConfirmOK())
		h.fall()
	})
	h.fall()
	first, _ := h.wf.Snapshot()

	h.sched.Advance(15 * time.Second)
	h.wf.inflight.Wait()

	require.True(t, answered)
	closed := h.rec.byName(events.ConfirmationClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, first.ID, closed[0].Data.(Session).ID)
	assert.Equal(t, ConfirmedOK, closed[0].Data.(Session).Status)

	next, ok := h.wf.Snapshot()
	require.True(t, ok, "the new session must survive the old countdown")
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, Pending, next.Status)
	assert.Equal(t, 15, next.Remaining)
	assert.Empty(t, h.rec.byName(events.EmergencyConfirmed))
	assert.Empty(t, h.backend.helps)
	assert.Len(t, h.rec.byName(events.ConfirmationOpened), 2)
}

func TestConfirmOKAtTenSeconds(t *testing.T) {
	h := newHarness(t)
	conf := 0.9
	h.tracker.Apply(state.Reading{State: state.Fall, Confidence: &conf})
	h.fall()

	h.sched.Advance(5 * time.Second)
	s, _ := h.wf.Snapshot()
	require.Equal(t, 10, s.Remaining)

	require.NoError(t, h.wf.ConfirmOK())
	h.wf.inflight.Wait()

	closed := h.rec.byName(events.ConfirmationClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ConfirmedOK, closed[0].Data.(Session).Status)
	assert.Equal(t, "ok", closed[0].Data.(Session).Outcome())

	assert.Equal(t, state.Daily, h.tracker.Snapshot().CurrentState)
	updates := h.rec.byName(events.StateUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, state.Daily, updates[0].Data.(state.Change).Current.CurrentState)

	assert.Empty(t, h.rec.byName(events.EmergencyConfirmed))
	require.Len(t, h.backend.resolves, 1)
	assert.Equal(t, "user_ok", h.backend.resolves[0].ResolutionType)

	// Ticks stop once answered.
	h.sched.Advance(time.Minute)
	assert.Len(t, h.rec.byName(events.ConfirmationTick), 5)
	assert.Empty(t, h.rec.byName(events.EmergencyConfirmed))
	assert.Equal(t, 0, h.sched.Pending())
}

func TestRequestHelpEscalates(t *testing.T) {
	h := newHarness(t)
	h.fall()
	h.sched.Advance(2 * time.Second)

	require.NoError(t, h.wf.RequestHelp())
	h.wf.inflight.Wait()

	closed := h.rec.byName(events.ConfirmationClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ConfirmedHelpNeeded, closed[0].Data.(Session).Status)
	assert.Equal(t, "help", closed[0].Data.(Session).Outcome())

	confirmed := h.rec.byName(events.EmergencyConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, ByUser, confirmed[0].Data.(classify.Alert).ConfirmedBy)

	require.Len(t, h.backend.helps, 1)
	assert.False(t, h.backend.helps[0].Automatic)
	assert.Equal(t, "general_help", h.backend.helps[0].HelpType)

	h.sched.Advance(time.Minute)
	assert.Len(t, h.rec.byName(events.EmergencyConfirmed), 1)
}

func TestAnswersWithoutSession(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.wf.ConfirmOK(), ErrNoSession)
	assert.ErrorIs(t, h.wf.RequestHelp(), ErrNoSession)

	h.fall()
	require.NoError(t, h.wf.ConfirmOK())
	assert.ErrorIs(t, h.wf.RequestHelp(), ErrNoSession)
}

func TestBackendFailureIsAWarning(t *testing.T) {
	h := newHarness(t)
	h.backend.err = errors.New("connection refused")
	h.fall()

	require.NoError(t, h.wf.RequestHelp())
	h.wf.inflight.Wait()

	// The transition completed regardless.
	assert.Len(t, h.rec.byName(events.ConfirmationClosed), 1)
	assert.Len(t, h.rec.byName(events.EmergencyConfirmed), 1)

	warnings := h.rec.byName(events.WorkflowWarning)
	require.Len(t, warnings, 1)
	w := warnings[0].Data.(*Warning)
	assert.Equal(t, "confirm-help-needed", w.Op)
	assert.ErrorIs(t, w, h.backend.err)
}

func TestNewSessionAfterClose(t *testing.T) {
	h := newHarness(t)
	h.fall()
	first, _ := h.wf.Snapshot()
	require.NoError(t, h.wf.ConfirmOK())

	h.fall()
	second, ok := h.wf.Snapshot()
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 15, second.Remaining)
}

func TestRemoteResolutionClosesSession(t *testing.T) {
	h := newHarness(t)
	h.fall()

	h.bus.Publish(events.EmergencyResolved, classify.Alert{Type: client.MsgEmergencyResolved})
	h.wf.inflight.Wait()

	closed := h.rec.byName(events.ConfirmationClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ByRemote, closed[0].Data.(Session).ClosedBy)
	assert.Empty(t, h.backend.resolves, "already resolved on the backend")
	assert.Equal(t, state.Daily, h.tracker.Snapshot().CurrentState)

	// A resolution with nothing pending is ignored.
	h.bus.Publish(events.EmergencyResolved, classify.Alert{})
	assert.Len(t, h.rec.byName(events.ConfirmationClosed), 1)
}

func TestCustomCountdown(t *testing.T) {
	bus := events.NewBus(nil)
	sched := clock.NewFake()
	wf := New(bus, Options{Countdown: 3, Scheduler: sched})
	wf.Start()
	defer wf.Close()

	var closed []Session
	bus.Subscribe(events.ConfirmationClosed, func(ev events.Event) { closed = append(closed, ev.Data.(Session)) })

	bus.Publish(events.FallDetected, classify.Alert{})
	sched.Advance(3 * time.Second)

	require.Len(t, closed, 1)
	assert.Equal(t, TimedOut, closed[0].Status)
}

func TestCloseAbandonsPendingSession(t *testing.T) {
	h := newHarness(t)
	h.fall()
	require.NoError(t, h.wf.Close())

	h.sched.Advance(time.Minute)
	assert.Empty(t, h.rec.byName(events.EmergencyConfirmed))
	assert.Equal(t, 0, h.bus.HandlerCount(events.FallDetected))
}

func TestCheckOutstanding(t *testing.T) {
	h := newHarness(t)
	h.backend.status = &client.EmergencyStatus{UserID: "demo_user", HasEmergency: true, EmergencyLevel: "MONITORING"}

	st, err := h.wf.CheckOutstanding(context.Background())
	require.NoError(t, err)
	assert.True(t, st.HasEmergency)

	got := h.rec.byName(events.EmergencyStatus)
	require.Len(t, got, 1)
	assert.True(t, got[0].Data.(client.EmergencyStatus).HasEmergency)
}

func TestCheckOutstandingFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.err = errors.New("timeout")

	_, err := h.wf.CheckOutstanding(context.Background())
	var w *Warning
	require.ErrorAs(t, err, &w)
	assert.Equal(t, "current-emergency", w.Op)
	assert.Len(t, h.rec.byName(events.WorkflowWarning), 1)
	assert.Empty(t, h.rec.byName(events.EmergencyStatus))
}
