package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/walkerholic/fallwatch/internal/app"
	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/state"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log events headlessly and answer falls from stdin",
		Long: `Logs every alert, state and connection event. After a fall a progress bar
counts down; type "ok" (or "o") if the wearer is fine, "help" (or "h") to
escalate immediately.`,
		RunE: runWatch,
	}
	cmd.Flags().Int("countdown", 0, "seconds to answer a fall before escalating")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt := newRuntime(ctx, cfg, logger, os.Stderr)
	defer rt.close()

	w := newWatcher(logger, cmd.OutOrStdout(), rt.workflow)
	subs := w.attach(rt.bus)
	defer func() {
		for _, s := range subs {
			rt.bus.Unsubscribe(s)
		}
	}()

	rt.start(ctx)
	go w.readAnswers(ctx, cmd.InOrStdin())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// watcher renders bus events as log lines and the pending confirmation as a
// progress bar.
type watcher struct {
	logger    *slog.Logger
	out       io.Writer
	responder app.Responder

	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	session string
}

func newWatcher(logger *slog.Logger, out io.Writer, responder app.Responder) *watcher {
	return &watcher{logger: logger, out: out, responder: responder}
}

func (w *watcher) attach(bus *events.Bus) []*events.Subscription {
	subs := make([]*events.Subscription, 0, len(app.ConsoleEvents))
	for _, name := range app.ConsoleEvents {
		subs = append(subs, bus.Subscribe(name, w.handle))
	}
	return subs
}

func (w *watcher) handle(ev events.Event) {
	switch d := ev.Data.(type) {
	case state.Change:
		if d.Initial || d.Changed() {
			w.logger.Info("state", "from", d.Previous.CurrentState.Label(), "to", d.Current.CurrentState.Label())
		}
	case classify.Alert:
		level := slog.LevelInfo
		if ev.Name != events.EmergencyResolved {
			level = slog.LevelWarn
		}
		w.logger.Log(context.Background(), level, string(ev.Name),
			"message", d.Message, "level", d.EmergencyLevel, "confirmed_by", d.ConfirmedBy)
	case confirm.Session:
		w.onSession(ev.Name, d)
	case *confirm.Warning:
		w.logger.Warn("backend notification failed", "op", d.Op, "error", d.Err)
	case client.ConnectionStatus:
		w.logger.Info(string(ev.Name), "code", d.CloseCode, "will_reconnect", d.WillReconnect, "attempt", d.ReconnectAttempt)
	case client.ConnectionDiagnostic:
		w.logger.Error("connection error", "url", d.URL, "message", d.Message, "suggestion", d.Suggestion)
	case client.EmergencyStatus:
		if d.HasEmergency {
			w.logger.Warn("backend reports an open emergency", "level", d.EmergencyLevel, "critical_in", d.TimeUntilCritical)
		}
	default:
		w.logger.Debug(string(ev.Name))
	}
}

func (w *watcher) onSession(name events.Name, s confirm.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch name {
	case events.ConfirmationOpened:
		w.session = s.ID
		w.bar = progressbar.NewOptions(s.Countdown,
			progressbar.OptionSetWriter(w.out),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetDescription(describeRemaining(s)),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[red]=[reset]",
				SaucerHead:    "[red]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		fmt.Fprintln(w.out, `Fall detected. Type "ok" if you are fine or "help" to call for help.`)
		w.setBarLocked(s)

	case events.ConfirmationTick:
		if s.ID == w.session && w.bar != nil {
			w.bar.Describe(describeRemaining(s))
			w.setBarLocked(s)
		}

	case events.ConfirmationClosed:
		if w.bar != nil {
			w.bar.Finish()
			fmt.Fprintln(w.out)
		}
		w.bar = nil
		w.session = ""
		w.logger.Info("confirmation closed", "status", s.Status.String(), "by", s.ClosedBy)
	}
}

func (w *watcher) setBarLocked(s confirm.Session) {
	if err := w.bar.Set(s.Countdown - s.Remaining); err != nil {
		w.logger.Debug("progress bar", "error", err)
	}
}

func describeRemaining(s confirm.Session) string {
	return fmt.Sprintf("[red][bold]%2ds to answer[reset]", s.Remaining)
}

// answer applies one line typed by the user.
func (w *watcher) answer(line string) error {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return nil
	case "o", "ok", "y", "yes":
		return w.responder.ConfirmOK()
	case "h", "help", "!":
		return w.responder.RequestHelp()
	default:
		return fmt.Errorf("unknown answer %q: type ok or help", strings.TrimSpace(line))
	}
}

func (w *watcher) readAnswers(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := w.answer(sc.Text()); err != nil {
			fmt.Fprintln(w.out, err)
		}
	}
}
