package alert

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoWindow is returned when the focuser cannot locate our window.
var ErrNoWindow = errors.New("no focusable window")

// WindowFocuser brings the console to the foreground.
type WindowFocuser interface {
	Focus() error
}

// tmuxPane is a single tmux pane and the PID of its shell.
type tmuxPane struct {
	pid    int
	target string // "main:2.0"
}

// TmuxFocuser selects the tmux pane running this process. It is a no-op
// outside tmux.
type TmuxFocuser struct {
	pid int
	// listPanes and parentPID are replaced in tests.
	listPanes func() ([]tmuxPane, error)
	parentPID func(int) int
}

// NewTmuxFocuser returns a focuser for the current process.
func NewTmuxFocuser() *TmuxFocuser {
	return &TmuxFocuser{
		pid:       os.Getpid(),
		listPanes: listTmuxPanes,
		parentPID: parentOf,
	}
}

// Focus switches the tmux client to our pane.
func (f *TmuxFocuser) Focus() error {
	target, err := f.resolve()
	if err != nil {
		return err
	}
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}
	if err := exec.Command(tmuxPath, "select-window", "-t", target).Run(); err != nil {
		return fmt.Errorf("select-window: %w", err)
	}
	if err := exec.Command(tmuxPath, "select-pane", "-t", target).Run(); err != nil {
		return fmt.Errorf("select-pane: %w", err)
	}
	return nil
}

// resolve walks from our PID up the process tree until it meets a pane
// shell. Stops after 10 ancestors.
func (f *TmuxFocuser) resolve() (string, error) {
	panes, err := f.listPanes()
	if err != nil {
		return "", fmt.Errorf("listing tmux panes: %w", err)
	}
	byPID := make(map[int]string, len(panes))
	for _, p := range panes {
		byPID[p.pid] = p.target
	}

	current := f.pid
	for i := 0; i < 10; i++ {
		if target, ok := byPID[current]; ok {
			return target, nil
		}
		parent := f.parentPID(current)
		if parent <= 1 || parent == current {
			break
		}
		current = parent
	}
	return "", ErrNoWindow
}

func listTmuxPanes() ([]tmuxPane, error) {
	if os.Getenv("TMUX") == "" {
		return nil, ErrNoWindow
	}
	path, err := exec.LookPath("tmux")
	if err != nil {
		return nil, err
	}
	out, err := exec.Command(path, "list-panes", "-a", "-F",
		"#{pane_pid}\t#{session_name}\t#{window_index}\t#{pane_index}").Output()
	if err != nil {
		return nil, err
	}
	return parseTmuxPanes(string(out)), nil
}

// parseTmuxPanes parses the tab-separated output of tmux list-panes.
func parseTmuxPanes(output string) []tmuxPane {
	var panes []tmuxPane
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) != 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		win, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		pane, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		panes = append(panes, tmuxPane{pid: pid, target: fmt.Sprintf("%s:%d.%d", fields[1], win, pane)})
	}
	return panes
}

// parentOf returns the parent of pid, or 0 when it cannot be found. /proc is
// read where it exists; elsewhere ps answers.
func parentOf(pid int) int {
	if stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		return parseParentPID(string(stat))
	}
	out, err := exec.Command("ps", "-o", "ppid=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0
	}
	return parsePSParent(string(out))
}

func parsePSParent(out string) int {
	ppid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0
	}
	return ppid
}

// parseParentPID extracts the ppid from /proc/<pid>/stat content. comm may
// contain spaces or parens, so fields are counted from the last ')'.
func parseParentPID(stat string) int {
	idx := strings.LastIndex(stat, ")")
	if idx < 0 || idx+2 >= len(stat) {
		return 0
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 2 {
		return 0
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return ppid
}

// NopFocuser never focuses anything.
type NopFocuser struct{}

func (NopFocuser) Focus() error { return ErrNoWindow }
