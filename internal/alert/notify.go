package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Permission is the OS notification permission state.
type Permission int

const (
	PermissionDefault Permission = iota // not yet asked
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	}
	return "default"
}

// Notification is one system notification.
type Notification struct {
	Title string
	Body  string
	// Tag groups notifications so a newer one replaces an older one.
	Tag string
	// Persistent notifications stay until the user dismisses them.
	Persistent bool
}

// NotificationSink delivers system notifications.
type NotificationSink interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Notify(ctx context.Context, n Notification) error
}

// DesktopNotifier sends notifications through notify-send on Linux and
// osascript on macOS. Permission is granted when the command exists.
type DesktopNotifier struct {
	logger *slog.Logger

	mu         sync.Mutex
	permission Permission
	argv0      string
}

// NewDesktopNotifier returns a notifier whose permission is not yet known.
func NewDesktopNotifier(logger *slog.Logger) *DesktopNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DesktopNotifier{logger: logger.With("component", "notifier")}
}

func (d *DesktopNotifier) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func (d *DesktopNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission != PermissionDefault {
		return d.permission, nil
	}
	name := "notify-send"
	if runtime.GOOS == "darwin" {
		name = "osascript"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		d.permission = PermissionDenied
		return d.permission, fmt.Errorf("%s not found: %w", name, err)
	}
	d.argv0 = path
	d.permission = PermissionGranted
	return d.permission, nil
}

// Notify starts the notification command and returns without waiting for
// it to exit.
func (d *DesktopNotifier) Notify(ctx context.Context, n Notification) error {
	d.mu.Lock()
	perm, path := d.permission, d.argv0
	d.mu.Unlock()
	if perm != PermissionGranted {
		return fmt.Errorf("notification permission %s", perm)
	}

	var args []string
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf("display notification %q with title %q", n.Body, n.Title)
		if n.Persistent {
			script = fmt.Sprintf("display alert %q message %q", n.Title, n.Body)
		}
		args = []string{"-e", script}
	} else {
		urgency := "normal"
		if n.Persistent {
			urgency = "critical"
		}
		args = []string{"-a", "fallwatch", "-u", urgency}
		if n.Tag != "" {
			args = append(args, "-h", "string:x-canonical-private-synchronous:"+n.Tag)
		}
		args = append(args, n.Title, n.Body)
	}

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", path, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Debug("notification command exited", "error", err, "title", strings.TrimSpace(n.Title))
		}
	}()
	return nil
}

// NopNotifier denies permission and drops every notification.
type NopNotifier struct{}

func (NopNotifier) Permission() Permission { return PermissionDenied }

func (NopNotifier) RequestPermission(context.Context) (Permission, error) {
	return PermissionDenied, nil
}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
