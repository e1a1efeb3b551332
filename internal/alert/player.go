package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ErrNoAudio is returned when no audio player command is installed.
var ErrNoAudio = errors.New("no audio player available")

// ErrBusy is returned when the playback queue is full.
var ErrBusy = errors.New("playback queue full")

// ToneSynthesizer plays cues. Play must not block on playback; it returns
// an error only when the cue cannot even be queued.
type ToneSynthesizer interface {
	Play(cue Cue) error
}

// audioCommands are tried in order; the file path is appended.
var audioCommands = [][]string{
	{"paplay"},
	{"aplay", "-q"},
	{"afplay"},
}

// CommandPlayer renders cues to WAV and plays them through the first
// available system audio command, one at a time on a worker goroutine.
type CommandPlayer struct {
	argv   []string
	queue  chan Cue
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewCommandPlayer looks up an audio command and starts the playback
// worker. The returned player reports ErrNoAudio from Play when nothing was
// found.
func NewCommandPlayer(logger *slog.Logger) *CommandPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &CommandPlayer{
		queue:  make(chan Cue, 8),
		logger: logger.With("component", "player"),
		done:   make(chan struct{}),
	}
	for _, c := range audioCommands {
		if path, err := exec.LookPath(c[0]); err == nil {
			p.argv = append([]string{path}, c[1:]...)
			break
		}
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
	return p
}

// Play queues cue for playback.
func (p *CommandPlayer) Play(cue Cue) error {
	if p.argv == nil {
		return ErrNoAudio
	}
	select {
	case <-p.ctx.Done():
		return ErrNoAudio
	default:
	}
	select {
	case p.queue <- cue:
		return nil
	default:
		return ErrBusy
	}
}

// Close stops the worker and any playback in progress.
func (p *CommandPlayer) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
	return nil
}

func (p *CommandPlayer) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case cue := <-p.queue:
			err := p.playWAV(EncodeWAV(Render(cue, renderSampleRate), renderSampleRate))
			if err == nil || p.ctx.Err() != nil {
				continue
			}
			p.logger.Warn("playback failed, trying fallback beep", "cue", string(cue.Name), "error", err)
			if len(cue.Beeps) == 0 {
				continue
			}
			if err := p.playWAV(FallbackBeep(cue.Beeps[0].Frequency)); err != nil && p.ctx.Err() == nil {
				p.logger.Warn("fallback beep failed", "cue", string(cue.Name), "error", err)
			}
		}
	}
}

func (p *CommandPlayer) playWAV(wav []byte) error {
	f, err := os.CreateTemp("", "fallwatch-*.wav")
	if err != nil {
		return fmt.Errorf("creating wav: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(wav); err != nil {
		f.Close()
		return fmt.Errorf("writing wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing wav: %w", err)
	}

	args := append(append([]string{}, p.argv[1:]...), f.Name())
	cmd := exec.CommandContext(p.ctx, p.argv[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", p.argv[0], err, out)
	}
	return nil
}

// Bell is the fallback cue: one terminal bell per beep. It never fails
// unless the writer does.
type Bell struct {
	W io.Writer
}

func (b Bell) Play(cue Cue) error {
	n := len(cue.Beeps)
	if n == 0 || cue.Volume <= 0 {
		return nil
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = '\a'
	}
	_, err := b.W.Write(buf)
	return err
}

// Silent discards every cue.
type Silent struct{}

func (Silent) Play(Cue) error { return nil }
