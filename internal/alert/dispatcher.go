// Package alert decides whether and how to tell the user about an event:
// system notifications, procedurally synthesised tones and window focus.
// Platform capabilities sit behind small interfaces with no-op versions so
// the policy runs the same headless, in a terminal, or under test.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/prefs"
	"github.com/walkerholic/fallwatch/internal/state"
)

// DispatchError records which alert primitive failed.
type DispatchError struct {
	Op  string // "tone", "fallback", "notify", "focus"
	Cue ToneName
	Err error
}

func (e *DispatchError) Error() string {
	if e.Cue != "" {
		return fmt.Sprintf("alert %s %s: %v", e.Op, e.Cue, e.Err)
	}
	return fmt.Sprintf("alert %s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// PreferenceSource supplies the preferences in force right now.
type PreferenceSource interface {
	Current() prefs.Preferences
}

// StaticPrefs is a PreferenceSource that never changes.
type StaticPrefs prefs.Preferences

func (s StaticPrefs) Current() prefs.Preferences { return prefs.Preferences(s) }

// Options wires the dispatcher's capabilities. Nil fields get silent
// implementations and default preferences.
type Options struct {
	Tones    ToneSynthesizer
	Fallback ToneSynthesizer
	Notifier NotificationSink
	Focuser  WindowFocuser
	Prefs    PreferenceSource
	Logger   *slog.Logger
}

// Dispatcher subscribes to the bus and applies the alert policy.
type Dispatcher struct {
	bus    *events.Bus
	opts   Options
	logger *slog.Logger

	mu              sync.Mutex
	permissionAsked bool
	subs            []*events.Subscription
}

// NewDispatcher creates a dispatcher. Call Start to subscribe.
func NewDispatcher(bus *events.Bus, opts Options) *Dispatcher {
	if opts.Tones == nil {
		opts.Tones = Silent{}
	}
	if opts.Fallback == nil {
		opts.Fallback = Silent{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Focuser == nil {
		opts.Focuser = NopFocuser{}
	}
	if opts.Prefs == nil {
		opts.Prefs = StaticPrefs(prefs.Defaults())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:    bus,
		opts:   opts,
		logger: opts.Logger.With("component", "dispatcher"),
	}
}

// Start subscribes the dispatcher's handlers. It is safe to call once.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs != nil {
		return
	}
	handlers := map[events.Name]events.Handler{
		events.StateUpdate:        d.onStateUpdate,
		events.ConnectionOpened:   d.onConnection(ToneConnection),
		events.ConnectionClosed:   d.onConnection(ToneWarning),
		events.ConnectionError:    d.onConnection(ToneError),
		events.FallDetected:       d.onFall,
		events.EmergencyDeclared:  d.onCritical,
		events.EmergencyConfirmed: d.onCritical,
	}
	// Subscribe in a fixed order so delivery order is reproducible.
	for _, name := range []events.Name{
		events.StateUpdate,
		events.ConnectionOpened, events.ConnectionClosed, events.ConnectionError,
		events.FallDetected, events.EmergencyDeclared, events.EmergencyConfirmed,
	} {
		d.subs = append(d.subs, d.bus.Subscribe(name, handlers[name]))
	}
}

// Close unsubscribes every handler.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, s := range subs {
		d.bus.Unsubscribe(s)
	}
	return nil
}

// Preview plays a tone at the volume its category would use, ignoring the
// enable flags.
func (d *Dispatcher) Preview(name ToneName) error {
	p := d.opts.Prefs.Current()
	var cue Cue
	switch name {
	case ToneEmergency:
		cue = EmergencyCue(false, p.EffectiveVolume(prefs.Emergency))
	case ToneCritical:
		cue = EmergencyCue(true, p.EffectiveVolume(prefs.Emergency))
	case ToneWalkingStart, ToneWalkingStop:
		cue = ToneCue(name, p.EffectiveVolume(prefs.StateChange))
	default:
		cue = ToneCue(name, p.EffectiveVolume(prefs.Connection))
	}
	if err := d.opts.Tones.Play(cue); err != nil {
		return &DispatchError{Op: "tone", Cue: cue.Name, Err: err}
	}
	return nil
}

func (d *Dispatcher) onStateUpdate(ev events.Event) {
	ch, ok := ev.Data.(state.Change)
	if !ok || ch.Initial || !ch.Changed() {
		return
	}
	p := d.opts.Prefs.Current()
	if !p.Enabled(prefs.StateChange) {
		return
	}
	prev, cur := ch.Previous.CurrentState, ch.Current.CurrentState
	switch {
	case cur == state.Walking:
		d.play(ToneCue(ToneWalkingStart, p.EffectiveVolume(prefs.StateChange)))
	case prev == state.Walking && cur == state.Daily:
		d.play(ToneCue(ToneWalkingStop, p.EffectiveVolume(prefs.StateChange)))
	}
}

func (d *Dispatcher) onConnection(tone ToneName) events.Handler {
	return func(events.Event) {
		p := d.opts.Prefs.Current()
		if !p.Enabled(prefs.Connection) {
			return
		}
		d.play(ToneCue(tone, p.EffectiveVolume(prefs.Connection)))
	}
}

func (d *Dispatcher) onFall(ev events.Event) {
	a, _ := ev.Data.(classify.Alert)
	body := a.Message
	if body == "" {
		body = "A fall was detected. Are you OK?"
	}
	d.notify(Notification{Title: "Fall detected", Body: body, Tag: "emergency"})

	p := d.opts.Prefs.Current()
	if p.Enabled(prefs.Emergency) {
		d.play(EmergencyCue(false, p.EffectiveVolume(prefs.Emergency)))
	}
}

func (d *Dispatcher) onCritical(ev events.Event) {
	a, _ := ev.Data.(classify.Alert)
	title, body := "Emergency", a.Message
	if ev.Name == events.EmergencyConfirmed {
		title = "Emergency confirmed"
	}
	if body == "" {
		body = "An emergency has been declared. Help is being requested."
		if a.ConfirmedBy == "auto" {
			body = "No response before the countdown ended. Help is being requested."
		}
	}
	d.notify(Notification{Title: title, Body: body, Tag: "critical", Persistent: true})

	p := d.opts.Prefs.Current()
	if p.Enabled(prefs.Emergency) {
		d.play(EmergencyCue(true, p.EffectiveVolume(prefs.Emergency)))
	}
	if err := d.opts.Focuser.Focus(); err != nil {
		d.logger.Debug("focus attempt failed", "error", &DispatchError{Op: "focus", Err: err})
	}
}

// play sends cue to the synthesizer and falls back on failure.
func (d *Dispatcher) play(cue Cue) {
	err := d.opts.Tones.Play(cue)
	if err == nil {
		return
	}
	d.logger.Warn("tone failed, using fallback", "error", &DispatchError{Op: "tone", Cue: cue.Name, Err: err})
	if err := d.opts.Fallback.Play(cue); err != nil {
		d.logger.Error("fallback tone failed", "error", &DispatchError{Op: "fallback", Cue: cue.Name, Err: err})
	}
}

// notify delivers n, asking for permission at most once per session.
func (d *Dispatcher) notify(n Notification) {
	ctx := context.Background()
	sink := d.opts.Notifier

	perm := sink.Permission()
	if perm == PermissionDefault {
		d.mu.Lock()
		asked := d.permissionAsked
		d.permissionAsked = true
		d.mu.Unlock()
		if !asked {
			var err error
			perm, err = sink.RequestPermission(ctx)
			if err != nil {
				d.logger.Info("notification permission not granted", "error", err)
			}
		}
	}
	if perm != PermissionGranted {
		d.logger.Debug("skipping notification", "title", n.Title, "permission", perm.String())
		return
	}
	if err := sink.Notify(ctx, n); err != nil {
		d.logger.Warn("notification failed", "error", &DispatchError{Op: "notify", Err: err})
	}
}
