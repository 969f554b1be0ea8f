// Package audiocapture provides microphone capture through an ffmpeg subprocess.
package audiocapture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunning is returned when Start is called on a running Capturer.
	ErrRunning = errors.New("audiocapture: already running")
	// ErrUnsupported is returned on platforms without a known input format.
	ErrUnsupported = errors.New("audiocapture: unsupported platform")
	// ErrPermission is returned when the OS denies microphone access.
	ErrPermission = errors.New("audiocapture: microphone permission denied")
	// ErrUnavailable is returned when no usable input device could be opened.
	ErrUnavailable = errors.New("audiocapture: microphone unavailable")
)

// AudioHandler receives one frame of mono float samples in [-1, 1].
// The slice is only valid for the duration of the call.
type AudioHandler func(samples []float32)

// Capturer delivers fixed-size microphone frames to a handler.
type Capturer interface {
	// Start blocks until the device produced its first frame, failed, or
	// ctx was cancelled.
	Start(ctx context.Context, handler AudioHandler) error
	// Stop is idempotent and safe to call before Start.
	Stop() error
	SampleRate() int
	FrameSize() int
}

// Config holds configuration for microphone capture.
type Config struct {
	SampleRate int    // native capture rate, default 48000
	FrameSize  int    // samples per frame, default 4096
	FFmpegPath string // default "ffmpeg" from PATH
	Device     string // platform input name; empty picks the default device

	// Input processing. Applied as ffmpeg filters since the capture device
	// is opened raw.
	NoiseSuppression bool
	AutoGainControl  bool
	// EchoCancellation selects the PulseAudio echo-cancel source on Linux
	// when no explicit Device is set.
	EchoCancellation bool
}

// DefaultConfig returns the default capture configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:       48000,
		FrameSize:        4096,
		FFmpegPath:       "ffmpeg",
		NoiseSuppression: true,
		AutoGainControl:  true,
		EchoCancellation: true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = d.FrameSize
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
}

var permissionHints = []string{
	"permission denied",
	"not authorized",
	"not permitted",
	"access denied",
	"access is denied",
}

// classify maps ffmpeg diagnostics to ErrPermission or ErrUnavailable.
func classify(cause error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if msg == "" && cause != nil {
		msg = cause.Error()
	}

	lower := strings.ToLower(stderr)
	for _, hint := range permissionHints {
		if strings.Contains(lower, hint) {
			return fmt.Errorf("%w: %s", ErrPermission, msg)
		}
	}
	if msg == "" {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, msg)
}
