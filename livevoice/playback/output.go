package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ClockOutput is an Output driven by timers on the monotonic clock. By
// default each segment's PCM is handed to the sink at its start time. A
// nil sink plays nothing, which is useful for headless runs.
type ClockOutput struct {
	origin time.Time
	sink   func([]byte) error
	// ahead hands PCM to the sink as soon as it is scheduled. For sinks
	// that play sequentially, such as a pipe into a player process.
	ahead bool
}

// NewClockOutput creates a ClockOutput writing to sink.
func NewClockOutput(sink func([]byte) error) *ClockOutput {
	return &ClockOutput{origin: time.Now(), sink: sink}
}

// Now returns the time elapsed since the output was created.
func (o *ClockOutput) Now() time.Duration {
	return time.Since(o.origin)
}

func (o *ClockOutput) Schedule(seg Segment, at time.Duration, onEnded func()) Voice {
	v := &timerVoice{}
	delay := max(at-o.Now(), 0)

	if o.ahead {
		o.write(seg.PCM)
	}

	v.mu.Lock()
	if !o.ahead {
		v.start = time.AfterFunc(delay, func() {
			v.mu.Lock()
			stopped := v.stopped
			v.mu.Unlock()
			if !stopped {
				o.write(seg.PCM)
			}
		})
	}
	v.end = time.AfterFunc(delay+seg.Duration(), func() {
		v.mu.Lock()
		fire := !v.stopped
		v.stopped = true
		v.mu.Unlock()
		if fire && onEnded != nil {
			onEnded()
		}
	})
	v.mu.Unlock()
	return v
}

func (o *ClockOutput) write(data []byte) {
	if o.sink == nil {
		return
	}
	if err := o.sink(data); err != nil {
		slog.Warn("playback: sink write failed", "error", err)
	}
}

type timerVoice struct {
	mu         sync.Mutex
	start, end *time.Timer
	stopped    bool
}

// Stop cancels the segment's timers. It never blocks on the device.
func (v *timerVoice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	if v.start != nil {
		v.start.Stop()
	}
	v.end.Stop()
}

// errOutputClosed is returned for audio handed to a closed output.
var errOutputClosed = errors.New("ffplay output closed")

// frameQueue bounds audio waiting for the player; at 4800-byte chunks this
// is about a minute of speech.
const frameQueue = 512

// FFplayOutput plays PCM16 mono through an ffplay subprocess. Audio is
// written into the player's stdin as soon as it is scheduled, so the
// player never waits on a timer between segments. The clock only tracks
// segment ends.
//
// All process handling happens on one writer goroutine; Schedule and
// Flush only post to it.
type FFplayOutput struct {
	*ClockOutput

	path    string
	rate    int
	command func(name string, args ...string) *exec.Cmd

	frames chan playFrame
	kick   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	epoch  atomic.Uint64 // bumped by Flush
	starts atomic.Int64  // player processes started

	// owned by the writer goroutine
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	playing uint64 // epoch of the running process
}

type playFrame struct {
	data  []byte
	epoch uint64
}

// FFplayConfig configures FFplayOutput.
type FFplayConfig struct {
	Path       string // default "ffplay"
	SampleRate int    // default 24000
}

// NewFFplayOutput starts ffplay reading raw PCM from stdin.
func NewFFplayOutput(cfg FFplayConfig) (*FFplayOutput, error) {
	if cfg.Path == "" {
		cfg.Path = "ffplay"
	}
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ffplay is required for playback: %w", err)
	}
	return newFFplayOutput(path, cfg.SampleRate, exec.Command)
}

func newFFplayOutput(path string, rate int, command func(string, ...string) *exec.Cmd) (*FFplayOutput, error) {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	o := &FFplayOutput{
		path:    path,
		rate:    rate,
		command: command,
		frames:  make(chan playFrame, frameQueue),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	o.ClockOutput = NewClockOutput(o.post)
	o.ClockOutput.ahead = true

	if err := o.start(); err != nil {
		return nil, err
	}
	go o.loop()
	return o, nil
}

func ffplayArgs(rate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// post hands audio to the writer goroutine without blocking.
func (o *FFplayOutput) post(data []byte) error {
	f := playFrame{data: data, epoch: o.epoch.Load()}
	select {
	case <-o.done:
		return errOutputClosed
	default:
	}
	select {
	case o.frames <- f:
		return nil
	default:
		return errors.New("ffplay queue full, dropping audio")
	}
}

// Flush drops all audio handed to the player so far. The player process is
// replaced in the background.
func (o *FFplayOutput) Flush() {
	o.epoch.Add(1)
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Close stops ffplay. Audio posted afterwards is rejected.
func (o *FFplayOutput) Close() error {
	o.once.Do(func() { close(o.done) })
	<-o.exited
	return nil
}

func (o *FFplayOutput) loop() {
	defer close(o.exited)
	defer o.kill()

	for {
		select {
		case <-o.done:
			return
		case <-o.kick:
			o.syncEpoch()
		case f := <-o.frames:
			o.syncEpoch()
			if f.epoch != o.playing {
				continue // posted before a flush
			}
			o.play(f.data)
		}
	}
}

// syncEpoch kills the player if a flush happened since it started. The
// next frame starts a fresh one.
func (o *FFplayOutput) syncEpoch() {
	if e := o.epoch.Load(); e != o.playing {
		o.kill()
		o.playing = e
	}
}

func (o *FFplayOutput) play(data []byte) {
	if o.stdin == nil {
		if err := o.start(); err != nil {
			slog.Warn("playback: start ffplay", "error", err)
			return
		}
	}
	_, err := o.stdin.Write(data)
	if err == nil {
		return
	}
	slog.Warn("playback: ffplay write failed, restarting", "error", err)

	// the player died; bring it back and retry once
	o.kill()
	if err := o.start(); err != nil {
		slog.Warn("playback: restart ffplay", "error", err)
		return
	}
	if _, err = o.stdin.Write(data); err != nil {
		slog.Warn("playback: ffplay write failed", "error", err)
		o.kill()
	}
}

func (o *FFplayOutput) start() error {
	cmd := o.command(o.path, ffplayArgs(o.rate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	o.cmd = cmd
	o.stdin = stdin
	o.starts.Add(1)
	return nil
}

func (o *FFplayOutput) kill() {
	if o.stdin != nil {
		_ = o.stdin.Close()
	}
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
		_ = o.cmd.Wait()
	}
	o.cmd = nil
	o.stdin = nil
}

var (
	_ Output  = (*ClockOutput)(nil)
	_ Output  = (*FFplayOutput)(nil)
	_ Flusher = (*FFplayOutput)(nil)
)
