// Package playback schedules inbound speech audio for gapless, interruptible
// playback on an output clock.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"go.aimuz.me/voicelink/pcm"
)

const (
	DefaultSampleRate    = pcm.Rate24k
	DefaultMinChunkBytes = 100
)

// Segment is one decoded chunk ready for an Output.
type Segment struct {
	PCM     []byte    // original little-endian PCM16
	Samples []float32 // PCM decoded to [-1, 1)
	Rate    int
}

// Duration returns the play time of the segment.
func (s Segment) Duration() time.Duration {
	return pcm.Duration(len(s.Samples), s.Rate)
}

// Voice is a scheduled segment.
type Voice interface {
	// Stop silences the segment immediately. Its onEnded callback may
	// still fire later and must be tolerated.
	Stop()
}

// Output is an audio sink with its own clock.
//
// Schedule must not invoke onEnded synchronously; it is called from the
// output's own goroutine once the segment finished playing.
type Output interface {
	Now() time.Duration
	Schedule(seg Segment, at time.Duration, onEnded func()) Voice
}

// Flusher is implemented by outputs that buffer audio ahead of the clock.
// Flush discards everything already handed over and must not block.
type Flusher interface {
	Flush()
}

// Config holds scheduler parameters.
type Config struct {
	SampleRate    int // default 24000
	MinChunkBytes int // default 100
	// Lookahead is how many segments are handed to the output before the
	// earliest of them has ended. Default 2.
	Lookahead int
}

// DefaultLookahead keeps one segment queued on the output behind the one
// playing, so a late end callback never opens a gap.
const DefaultLookahead = 2

// Scheduler plays queued chunks back to back. Each segment starts at
// max(next play time, now) so playback never overlaps and never drifts
// behind the clock.
type Scheduler struct {
	out       Output
	rate      int
	minChunk  int
	lookahead int

	mu       sync.Mutex
	queue    [][]byte // not yet handed to the output
	inflight []Voice  // scheduled and not yet ended, in start order
	next     time.Duration
	gen      uint64
	speaking bool

	hookMu     sync.RWMutex
	onSpeaking func(bool)
	onIdle     func()
}

// NewScheduler creates a Scheduler on out.
func NewScheduler(out Output, cfg Config) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.MinChunkBytes <= 0 {
		cfg.MinChunkBytes = DefaultMinChunkBytes
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	return &Scheduler{
		out:       out,
		rate:      cfg.SampleRate,
		minChunk:  cfg.MinChunkBytes,
		lookahead: cfg.Lookahead,
	}
}

// OnSpeaking registers an observer of the assistant-speaking flag.
func (s *Scheduler) OnSpeaking(fn func(bool)) {
	s.hookMu.Lock()
	s.onSpeaking = fn
	s.hookMu.Unlock()
}

// OnIdle registers a hook fired when the queue drains naturally.
func (s *Scheduler) OnIdle(fn func()) {
	s.hookMu.Lock()
	s.onIdle = fn
	s.hookMu.Unlock()
}

// Valid reports whether chunk is playable: non-empty, at least the minimum
// size, and a whole number of 16-bit samples.
func (s *Scheduler) Valid(chunk []byte) bool {
	return len(chunk) > 0 && len(chunk) >= s.minChunk && len(chunk)%pcm.BytesPerSample == 0
}

// Enqueue queues one inbound audio chunk. Degenerate chunks are dropped.
func (s *Scheduler) Enqueue(chunk []byte) {
	if !s.Valid(chunk) {
		slog.Debug("playback: dropping chunk", "bytes", len(chunk))
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, chunk)
	changed := !s.speaking
	s.speaking = true
	if len(s.inflight) == 0 {
		s.next = s.out.Now()
	}
	s.fillLocked()
	s.mu.Unlock()

	if changed {
		s.notifySpeaking(true)
	}
}

// fillLocked hands queued chunks to the output until the lookahead window
// is full. Starts chain from the running next play time.
func (s *Scheduler) fillLocked() {
	for len(s.inflight) < s.lookahead && len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		seg := Segment{PCM: chunk, Samples: pcm.Decode(chunk), Rate: s.rate}
		start := max(s.next, s.out.Now())
		s.next = start + seg.Duration()

		gen := s.gen
		v := s.out.Schedule(seg, start, func() { s.ended(gen) })
		s.inflight = append(s.inflight, v)
	}
}

func (s *Scheduler) ended(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || len(s.inflight) == 0 {
		s.mu.Unlock()
		return
	}
	s.inflight[0] = nil
	s.inflight = s.inflight[1:]
	s.fillLocked()

	wentIdle := len(s.inflight) == 0 && s.speaking
	if wentIdle {
		s.speaking = false
	}
	s.mu.Unlock()

	if wentIdle {
		s.notifySpeaking(false)
		s.hookMu.RLock()
		fn := s.onIdle
		s.hookMu.RUnlock()
		if fn != nil {
			fn()
		}
	}
}

// StopAll silences every scheduled segment, clears the queue and returns
// to idle. Safe to call at any time and any number of times. It never
// waits on the output device.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.gen++
	voices := s.inflight
	s.inflight = nil
	s.queue = nil
	s.next = 0
	changed := s.speaking
	s.speaking = false
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if f, ok := s.out.(Flusher); ok && len(voices) > 0 {
		f.Flush()
	}
	if changed {
		slog.Debug("playback: stopped", "segments", len(voices))
		s.notifySpeaking(false)
	}
}

// Speaking reports whether assistant audio is queued or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Pending returns the number of chunks not yet handed to the output.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Scheduled returns the number of segments on the output that have not
// ended.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// NextPlayTime returns the output time at which the next segment would start.
func (s *Scheduler) NextPlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) notifySpeaking(v bool) {
	s.hookMu.RLock()
	fn := s.onSpeaking
	s.hookMu.RUnlock()
	if fn != nil {
		fn(v)
	}
}
