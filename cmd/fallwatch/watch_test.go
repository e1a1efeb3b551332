package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/journal"
)

type countingResponder struct {
	oks, helps int
}

func (c *countingResponder) ConfirmOK() error   { c.oks++; return nil }
func (c *countingResponder) RequestHelp() error { c.helps++; return nil }

func newTestWatcher() (*watcher, *countingResponder, *bytes.Buffer) {
	r := &countingResponder{}
	var out bytes.Buffer
	return newWatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), &out, r), r, &out
}

func TestWatcherAnswers(t *testing.T) {
	tests := []struct {
		line      string
		oks, help int
		wantErr   bool
	}{
		{"ok", 1, 0, false},
		{" O \n", 1, 0, false},
		{"yes", 1, 0, false},
		{"help", 0, 1, false},
		{"h", 0, 1, false},
		{"", 0, 0, false},
		{"maybe", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			w, r, _ := newTestWatcher()
			err := w.answer(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.oks, r.oks)
			assert.Equal(t, tt.help, r.helps)
		})
	}
}

func TestWatcherReadAnswers(t *testing.T) {
	w, r, out := newTestWatcher()
	w.readAnswers(t.Context(), bytes.NewBufferString("ok\nnope\nhelp\n"))
	assert.Equal(t, 1, r.oks)
	assert.Equal(t, 1, r.helps)
	assert.Contains(t, out.String(), `unknown answer "nope"`)
}

func TestWatcherCountdownBar(t *testing.T) {
	w, _, out := newTestWatcher()
	bus := events.NewBus(nil)
	subs := w.attach(bus)
	require.NotEmpty(t, subs)

	s := confirm.Session{ID: "s1", Countdown: 15, Remaining: 15}
	bus.Publish(events.ConfirmationOpened, s)
	require.NotNil(t, w.bar)
	assert.Contains(t, out.String(), "Fall detected.")

	s.Remaining = 10
	bus.Publish(events.ConfirmationTick, s)
	assert.Contains(t, out.String(), "10s to answer")

	// Ticks of another session are ignored.
	bus.Publish(events.ConfirmationTick, confirm.Session{ID: "other", Countdown: 15, Remaining: 3})
	assert.NotContains(t, out.String(), " 3s to answer")

	s.Status = confirm.ConfirmedOK
	bus.Publish(events.ConfirmationClosed, s)
	assert.Nil(t, w.bar)
	assert.Empty(t, w.session)

	for _, sub := range subs {
		bus.Unsubscribe(sub)
	}
	assert.Zero(t, bus.HandlerCount(events.ConfirmationOpened))
}

func TestWatcherHandlesEveryPayload(t *testing.T) {
	w, _, _ := newTestWatcher()
	bus := events.NewBus(nil)
	w.attach(bus)

	assert.NotPanics(t, func() {
		bus.Publish(events.WorkflowWarning, &confirm.Warning{Op: "resolve", Err: errors.New("refused")})
		bus.Publish(events.Message, map[string]any{"message": "hello"})
		bus.Publish(events.HealthCheckResponse, nil)
	})
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHistory(&out, nil, nil))
	assert.Equal(t, "No journal entries yet.\n", out.String())

	out.Reset()
	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	entries := []journal.Entry{
		{Kind: journal.KindConfirmation, UserID: "demo_user", Outcome: "ok", At: at},
		{Kind: journal.KindDeclared, UserID: "demo_user", Outcome: "CRITICAL", Detail: "no movement", At: at},
	}
	require.NoError(t, printHistory(&out, entries, map[string]int{"ok": 1, "auto": 2}))
	text := out.String()
	assert.Contains(t, text, "KIND")
	assert.Contains(t, text, "emergency_declared")
	assert.Contains(t, text, "no movement")
	assert.Contains(t, text, "Confirmations: auto=2 ok=1")
}
