package audiocapture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.aimuz.me/voicelink/pcm"
)

// startGrace bounds how long Start waits for the first frame. Some
// devices are slow to open; after the grace period the capture is assumed
// healthy and later failures are only logged.
const startGrace = 3 * time.Second

// FFmpeg captures the microphone by reading s16le PCM from ffmpeg's stdout.
type FFmpeg struct {
	cfg  Config
	goos string

	// overridable in tests
	lookPath func(string) (string, error)
	command  func(name string, args ...string) *exec.Cmd

	mu  sync.Mutex
	cur *run
}

type run struct {
	cmd      *exec.Cmd
	stderr   bytes.Buffer
	first    chan struct{}
	done     chan struct{}
	err      error // valid after done is closed
	stopping atomic.Bool
}

// New creates an ffmpeg-backed Capturer. Returns ErrUnsupported if the
// current platform has no known input format.
func New(cfg Config) (*FFmpeg, error) {
	cfg.applyDefaults()
	if _, err := Args(runtime.GOOS, cfg); err != nil {
		return nil, err
	}
	return &FFmpeg{
		cfg:      cfg,
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		command:  exec.Command,
	}, nil
}

// SampleRate returns the native capture rate.
func (f *FFmpeg) SampleRate() int { return f.cfg.SampleRate }

// FrameSize returns the number of samples per delivered frame.
func (f *FFmpeg) FrameSize() int { return f.cfg.FrameSize }

// Running reports whether a capture process is active.
func (f *FFmpeg) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.alive()
}

func (f *FFmpeg) Start(ctx context.Context, handler AudioHandler) error {
	if handler == nil {
		return errors.New("audiocapture: nil handler")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cur.alive() {
		return ErrRunning
	}
	f.cur = nil

	path, err := f.lookPath(f.cfg.FFmpegPath)
	if err != nil {
		return fmt.Errorf("%w: ffmpeg not found: %v", ErrUnavailable, err)
	}
	args, err := Args(f.goos, f.cfg)
	if err != nil {
		return err
	}

	r := &run{
		cmd:   f.command(path, args...),
		first: make(chan struct{}),
		done:  make(chan struct{}),
	}
	r.cmd.Stderr = &r.stderr
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrUnavailable, err)
	}

	go f.readLoop(r, stdout, handler)

	select {
	case <-r.first:
	case <-r.done:
		return r.err
	case <-ctx.Done():
		r.kill()
		<-r.done
		return ctx.Err()
	case <-time.After(startGrace):
		slog.Warn("audiocapture: no audio yet, continuing", "after", startGrace)
	}

	f.cur = r
	slog.Info("audiocapture: started", "rate", f.cfg.SampleRate, "frame", f.cfg.FrameSize)
	return nil
}

func (f *FFmpeg) Stop() error {
	f.mu.Lock()
	r := f.cur
	f.cur = nil
	f.mu.Unlock()

	if r == nil {
		return nil
	}
	r.kill()
	<-r.done
	slog.Info("audiocapture: stopped")
	return nil
}

func (f *FFmpeg) readLoop(r *run, stdout io.Reader, handler AudioHandler) {
	defer close(r.done)

	buf := make([]byte, f.cfg.FrameSize*pcm.BytesPerSample)
	started := false
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			werr := r.cmd.Wait()
			if r.stopping.Load() {
				return
			}
			if werr == nil {
				werr = err
			}
			r.err = classify(werr, r.stderr.String())
			if started {
				slog.Error("audiocapture: capture ended", "error", r.err)
			}
			return
		}
		if !started {
			started = true
			close(r.first)
		}
		handler(pcm.Decode(buf))
	}
}

func (r *run) alive() bool {
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *run) kill() {
	r.stopping.Store(true)
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

// Args builds the ffmpeg command line for goos.
func Args(goos string, cfg Config) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch goos {
	case "darwin":
		dev := ":0"
		if cfg.Device != "" {
			dev = ":" + strings.TrimPrefix(cfg.Device, ":")
		}
		args = append(args, "-f", "avfoundation", "-i", dev)
	case "linux":
		dev := "default"
		switch {
		case cfg.Device != "":
			dev = cfg.Device
		case cfg.EchoCancellation:
			dev = "echo-cancel-source"
		}
		args = append(args, "-f", "pulse", "-i", dev)
	case "windows":
		if cfg.Device == "" {
			return nil, fmt.Errorf("%w: windows capture needs an input device name", ErrUnsupported)
		}
		args = append(args, "-f", "dshow", "-i", "audio="+cfg.Device)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, goos)
	}

	var filters []string
	if cfg.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if cfg.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le", "-",
	)
	return args, nil
}

// CancelsEcho reports whether Args opens an echo-cancelled source for
// goos, so the input does not hear the speakers.
func CancelsEcho(goos string, cfg Config) bool {
	return goos == "linux" && cfg.Device == "" && cfg.EchoCancellation
}

var _ Capturer = (*FFmpeg)(nil)
