package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/walkerholic/fallwatch/internal/alert"
	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/config"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/journal"
	"github.com/walkerholic/fallwatch/internal/prefs"
	"github.com/walkerholic/fallwatch/internal/state"
)

// runtime is the composition root: one bus and every component that talks
// over it.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *events.Bus
	tracker    *state.Tracker
	transport  *client.Transport
	api        *client.HTTPClient
	prefs      *prefs.Store
	player     *alert.CommandPlayer
	dispatcher *alert.Dispatcher
	workflow   *confirm.Workflow
	journal    *journal.Journal

	subs   []*events.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newRuntime wires the components. Nothing connects until start is called.
// bell receives the terminal-bell fallback when no audio player works.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, bell io.Writer) *runtime {
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(logger),
		tracker: state.NewTracker(),
		api:     client.NewHTTPClient(cfg.Server.APIURL),
		prefs:   prefs.NewStore(cfg.Prefs.Dir),
		player:  alert.NewCommandPlayer(logger),
	}

	if _, err := rt.prefs.Load(); err != nil {
		logger.Warn("using default preferences", "path", rt.prefs.Path(), "error", err)
	}

	rt.transport = client.NewTransport(client.Options{
		URL:                  cfg.Server.WSURL,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Transport.ReconnectDelay,
		DialTimeout:          cfg.Transport.DialTimeout,
		PingInterval:         cfg.Transport.PingInterval,
		PongTimeout:          cfg.Transport.PongTimeout,
		Logger:               logger,
	}, rt.bus, classify.New(rt.tracker, logger))

	rt.dispatcher = alert.NewDispatcher(rt.bus, alert.Options{
		Tones:    rt.player,
		Fallback: alert.Bell{W: bell},
		Notifier: alert.NewDesktopNotifier(logger),
		Focuser:  alert.NewTmuxFocuser(),
		Prefs:    rt.prefs,
		Logger:   logger,
	})

	rt.workflow = confirm.New(rt.bus, confirm.Options{
		UserID:    cfg.Server.UserID,
		Countdown: cfg.Confirm.Countdown,
		Backend:   rt.api,
		Tracker:   rt.tracker,
		Logger:    logger,
	})

	if !cfg.Journal.Disabled {
		path := cfg.Journal.Path
		if path == "" {
			path = journal.DefaultPath()
		}
		j, err := journal.Open(ctx, path, logger)
		if err != nil {
			logger.Warn("audit journal unavailable", "path", path, "error", err)
		} else {
			rt.journal = j
		}
	}
	return rt
}

// start subscribes every component, then connects in the background. A
// failed first dial is not fatal: the transport keeps retrying and reports
// on the bus.
func (rt *runtime) start(ctx context.Context) {
	ctx, rt.cancel = context.WithCancel(ctx)

	rt.subs = append(rt.subs,
		rt.bus.Subscribe(events.ConnectionOpened, func(events.Event) { rt.tracker.SetConnected(true) }),
		rt.bus.Subscribe(events.ConnectionClosed, func(events.Event) { rt.tracker.SetConnected(false) }),
	)
	rt.dispatcher.Start()
	rt.workflow.Start()
	if rt.journal != nil {
		rt.journal.Attach(rt.bus)
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := rt.transport.Connect(ctx, rt.cfg.Server.UserID); err != nil {
			rt.logger.Warn("initial connection failed", "error", err)
		}
		if _, err := rt.workflow.CheckOutstanding(ctx); err != nil {
			rt.logger.Debug("outstanding emergency check skipped", "error", err)
		}
	}()
}

// close tears the components down in reverse order.
func (rt *runtime) close() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	if err := rt.transport.Close(); err != nil {
		rt.logger.Debug("transport close", "error", err)
	}
	rt.workflow.Close()
	rt.dispatcher.Close()
	for _, s := range rt.subs {
		rt.bus.Unsubscribe(s)
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Warn("journal close", "error", err)
		}
	}
	rt.player.Close()
}
