package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, outcome := range []string{"ok", "help", "auto"} {
		_, err := j.Record(ctx, Entry{
			Kind:      KindConfirmation,
			UserID:    "demo_user",
			SessionID: "s" + outcome,
			Outcome:   outcome,
			At:        base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	got, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "auto", got[0].Outcome)
	assert.Equal(t, "help", got[1].Outcome)
	assert.True(t, got[0].At.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, KindConfirmation, got[0].Kind)
	assert.Equal(t, "sauto", got[0].SessionID)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(ctx, path, nil)
	require.NoError(t, err)
	_, err = j.Record(ctx, Entry{Kind: KindDeclared, UserID: "u", Outcome: "CRITICAL"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer j.Close()

	got, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindDeclared, got[0].Kind)
	assert.False(t, got[0].At.IsZero())
}

// flush waits for the writer to catch up with the queue.
func (j *Journal) flush() { j.pending.Wait() }

func TestAttachRecordsBusEvents(t *testing.T) {
	j := openTestJournal(t)
	bus := events.NewBus(nil)
	j.Attach(bus)

	closedAt := time.Date(2025, 3, 1, 12, 0, 15, 0, time.UTC)
	bus.Publish(events.ConfirmationClosed, confirm.Session{
		ID: "abc", UserID: "demo_user", Status: confirm.TimedOut, ClosedBy: confirm.ByAuto, ClosedAt: closedAt,
	})
	bus.Publish(events.EmergencyConfirmed, classify.Alert{
		Type: client.MsgEmergencyConfirmedCritical, UserID: "demo_user", ConfirmedBy: "auto", Message: "no response",
	})
	bus.Publish(events.EmergencyDeclared, classify.Alert{UserID: "demo_user", EmergencyLevel: "CRITICAL"})
	bus.Publish(events.EmergencyResolved, classify.Alert{UserID: "demo_user", ResolutionType: "user_ok"})
	// Wrong payload types are ignored.
	bus.Publish(events.ConfirmationClosed, "junk")
	j.flush()

	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 4)

	tests := []struct {
		kind    Kind
		outcome string
	}{
		{KindResolved, "user_ok"},
		{KindDeclared, "CRITICAL"},
		{KindConfirmed, "auto"},
		{KindConfirmation, "auto"},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.kind, got[i].Kind, "row %d", i)
		assert.Equal(t, tt.outcome, got[i].Outcome, "row %d", i)
	}
	assert.Equal(t, "abc", got[3].SessionID)
	assert.True(t, got[3].At.Equal(closedAt))
	assert.Equal(t, "no response", got[2].Detail)
}

func TestCounts(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	for _, o := range []string{"ok", "ok", "help", "auto"} {
		_, err := j.Record(ctx, Entry{Kind: KindConfirmation, UserID: "u", Outcome: o})
		require.NoError(t, err)
	}
	_, err := j.Record(ctx, Entry{Kind: KindConfirmed, UserID: "u", Outcome: "auto"})
	require.NoError(t, err)

	counts, err := j.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ok": 2, "help": 1, "auto": 1}, counts)
}

func TestCloseDetaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), path, nil)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	j.Attach(bus)
	assert.Equal(t, 1, bus.HandlerCount(events.ConfirmationClosed))
	require.NoError(t, j.Close())
	assert.Equal(t, 0, bus.HandlerCount(events.ConfirmationClosed))
}

func TestBusHandlersDoNotWaitOnDatabase(t *testing.T) {
	j := openTestJournal(t)
	bus := events.NewBus(nil)
	j.Attach(bus)

	// The only connection is held by this transaction, so inserts block.
	tx, err := j.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	published := make(chan struct{})
	go func() {
		defer close(published)
		bus.Publish(events.EmergencyConfirmed, classify.Alert{UserID: "demo_user", ConfirmedBy: "auto"})
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on the journal write")
	}

	require.NoError(t, tx.Rollback())
	j.flush()
	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindConfirmed, got[0].Kind)
}

func TestCloseWritesQueuedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	bus := events.NewBus(nil)
	j.Attach(bus)
	for i := 0; i < 5; i++ {
		bus.Publish(events.EmergencyDeclared, classify.Alert{UserID: "demo_user", EmergencyLevel: "CRITICAL"})
	}
	require.NoError(t, j.Close())

	j, err = Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
