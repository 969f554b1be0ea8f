// Package livevoice implements the client side of a live voice session:
// microphone frames out, transcript events in.
package livevoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.aimuz.me/voicelink/audiocapture"
	"go.aimuz.me/voicelink/internal/types"
	"go.aimuz.me/voicelink/livevoice/realtime"
	"go.aimuz.me/voicelink/pcm"
)

// Sender is the outbound half of the socket.
type Sender interface {
	IsOpen() bool
	Send(ctx context.Context, v any) error
}

// RecorderConfig holds capture pipeline parameters.
type RecorderConfig struct {
	SilenceThreshold float32 // default 0.005
	Speech           SpeechConfig

	SendTimeout time.Duration // per-frame socket write bound, default 500ms
}

// DefaultSendTimeout bounds one outbound audio frame.
const DefaultSendTimeout = 500 * time.Millisecond

// Recorder turns microphone frames into input_audio_buffer.append events.
type Recorder struct {
	capturer    audiocapture.Capturer
	sender      Sender
	gate        Gate
	sendTimeout time.Duration

	speechMu sync.Mutex
	speech   *SpeechDetector

	lifecycle sync.Mutex // serializes StartCapture and StopCapture
	recording atomic.Bool

	sent   atomic.Int64
	gated  atomic.Int64
	failed atomic.Int64

	hookMu        sync.RWMutex
	onSpeechStart func()
}

// NewRecorder creates a Recorder reading from c and writing to s.
func NewRecorder(c audiocapture.Capturer, s Sender, cfg RecorderConfig) *Recorder {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Recorder{
		capturer:    c,
		sender:      s,
		gate:        NewGate(cfg.SilenceThreshold),
		sendTimeout: cfg.SendTimeout,
		speech:      NewSpeechDetector(cfg.Speech),
	}
}

// OnSpeechStart registers a hook fired when the speech detector sees the
// user start talking. It runs on the capture goroutine.
func (r *Recorder) OnSpeechStart(fn func()) {
	r.hookMu.Lock()
	r.onSpeechStart = fn
	r.hookMu.Unlock()
}

// StartCapture opens the microphone. It blocks while the OS asks for
// permission. Permission and device failures wrap
// audiocapture.ErrPermission or audiocapture.ErrUnavailable.
func (r *Recorder) StartCapture(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.recording.Load() {
		return nil
	}

	r.speechMu.Lock()
	r.speech.Reset()
	r.speechMu.Unlock()

	r.recording.Store(true)
	if err := r.capturer.Start(ctx, r.ProcessFrame); err != nil {
		r.recording.Store(false)
		return fmt.Errorf("start capture: %w", err)
	}
	slog.Info("recording started", "rate", r.capturer.SampleRate(), "threshold", r.gate.Threshold())
	return nil
}

// StopCapture releases the microphone. Safe to call repeatedly or before
// StartCapture.
func (r *Recorder) StopCapture() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	wasRecording := r.recording.Swap(false)
	if err := r.capturer.Stop(); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	if wasRecording {
		st := r.Stats()
		slog.Info("recording stopped", "sent", st.FramesSent, "gated", st.FramesGated, "failed", st.FramesError)
	}
	return nil
}

// IsRecording reports whether captured frames are being forwarded.
func (r *Recorder) IsRecording() bool {
	return r.recording.Load()
}

// Stats returns frame counters since the Recorder was created.
func (r *Recorder) Stats() types.CaptureStats {
	return types.CaptureStats{
		FramesSent:  r.sent.Load(),
		FramesGated: r.gated.Load(),
		FramesError: r.failed.Load(),
	}
}

// ProcessFrame gates, resamples, encodes and sends one captured frame.
// Frames are skipped while not recording or while the socket is not open.
func (r *Recorder) ProcessFrame(samples []float32) {
	if !r.recording.Load() || !r.sender.IsOpen() {
		return
	}

	level, ok := r.gate.Pass(samples)

	r.speechMu.Lock()
	started := r.speech.Observe(level)
	r.speechMu.Unlock()
	if started {
		r.hookMu.RLock()
		fn := r.onSpeechStart
		r.hookMu.RUnlock()
		if fn != nil {
			fn()
		}
	}

	if !ok {
		r.gated.Add(1)
		return
	}

	if r.capturer.SampleRate() == pcm.Rate48k {
		samples = pcm.Decimate2(samples)
	}

	ev := realtime.NewAudioAppend(pcm.Encode(samples))
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	err := r.sender.Send(ctx, ev)
	cancel()
	if err != nil {
		r.failed.Add(1)
		if errors.Is(err, realtime.ErrNotOpen) {
			slog.Debug("frame dropped, socket not open")
		} else {
			slog.Warn("send audio frame", "error", err)
		}
		return
	}
	r.sent.Add(1)
	slog.Debug("frame sent", "level", level, "samples", len(samples))
}
