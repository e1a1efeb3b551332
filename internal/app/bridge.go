package app

import (
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/walkerholic/fallwatch/internal/events"
)

// ConsoleEvents are the bus events the console displays. Raw telemetry is
// left out.
var ConsoleEvents = []events.Name{
	events.StateUpdate,
	events.FallDetected,
	events.EmergencyDeclared,
	events.EmergencyResolved,
	events.EmergencyConfirmed,
	events.ConnectionOpened,
	events.ConnectionClosed,
	events.ConnectionError,
	events.HealthCheckResponse,
	events.Message,
	events.ConfirmationOpened,
	events.ConfirmationTick,
	events.ConfirmationClosed,
	events.WorkflowWarning,
	events.EmergencyStatus,
}

// EventMsg carries a bus event into the Update loop.
type EventMsg struct {
	events.Event
}

// Bridge forwards bus events to the Bubble Tea program. Bus handlers never
// block on it: when the buffer is full the event is dropped and counted.
type Bridge struct {
	bus  *events.Bus
	ch   chan events.Event
	done chan struct{}

	once    sync.Once
	subs    []*events.Subscription
	dropped atomic.Int64
}

// NewBridge subscribes to names (ConsoleEvents when empty).
func NewBridge(bus *events.Bus, buffer int, names ...events.Name) *Bridge {
	if buffer <= 0 {
		buffer = 256
	}
	if len(names) == 0 {
		names = ConsoleEvents
	}
	b := &Bridge{
		bus:  bus,
		ch:   make(chan events.Event, buffer),
		done: make(chan struct{}),
	}
	for _, n := range names {
		b.subs = append(b.subs, bus.Subscribe(n, b.forward))
	}
	return b
}

func (b *Bridge) forward(ev events.Event) {
	select {
	case <-b.done:
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Listen waits for the next event. Re-issue it after every EventMsg, the
// way a read loop is re-armed.
func (b *Bridge) Listen() tea.Cmd {
	if b == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case ev := <-b.ch:
			return EventMsg{ev}
		case <-b.done:
			return nil
		}
	}
}

// Dropped reports how many events overflowed the buffer.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Close unsubscribes and releases any pending Listen.
func (b *Bridge) Close() {
	b.once.Do(func() {
		for _, s := range b.subs {
			b.bus.Unsubscribe(s)
		}
		close(b.done)
	})
}
