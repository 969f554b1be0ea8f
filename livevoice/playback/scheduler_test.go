package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOutput records scheduled segments and lets the test drive the clock.
type fakeOutput struct {
	mu      sync.Mutex
	now     time.Duration
	voices  []*fakeVoice
	flushes int
}

type fakeVoice struct {
	seg     Segment
	at      time.Duration
	onEnded func()
	stopped bool
}

func (v *fakeVoice) Stop() { v.stopped = true }

func (f *fakeOutput) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeOutput) Schedule(seg Segment, at time.Duration, onEnded func()) Voice {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := &fakeVoice{seg: seg, at: at, onEnded: onEnded}
	f.voices = append(f.voices, v)
	return v
}

func (f *fakeOutput) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeOutput) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *fakeOutput) advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	f.mu.Unlock()
}

// finish moves the clock to the end of voice i (unless already later) and
// fires its end callback.
func (f *fakeOutput) finish(i int) {
	f.mu.Lock()
	v := f.voices[i]
	if end := v.at + v.seg.Duration(); end > f.now {
		f.now = end
	}
	f.mu.Unlock()
	v.onEnded()
}

func (f *fakeOutput) scheduled() []*fakeVoice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeVoice(nil), f.voices...)
}

func chunk(n int) []byte { return make([]byte, n) }

func TestEnqueueDropsDegenerateChunks(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"below minimum", 98},
		{"odd length", 101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &fakeOutput{}
			s := NewScheduler(out, Config{})
			s.Enqueue(chunk(tt.size))
			assert.Empty(t, out.scheduled())
			assert.False(t, s.Speaking())
		})
	}

	t.Run("minimum accepted", func(t *testing.T) {
		out := &fakeOutput{}
		s := NewScheduler(out, Config{})
		s.Enqueue(chunk(100))
		assert.Len(t, out.scheduled(), 1)
		assert.True(t, s.Speaking())
	})
}

func TestThreeChunksBackToBack(t *testing.T) {
	out := &fakeOutput{now: 5 * time.Second}
	s := NewScheduler(out, Config{})

	s.Enqueue(chunk(4000))
	s.Enqueue(chunk(4000))
	s.Enqueue(chunk(4000))
	assert.Equal(t, 2, s.Scheduled(), "lookahead window")
	assert.Equal(t, 1, s.Pending())

	out.finish(0)
	out.finish(1)

	voices := out.scheduled()
	require.Len(t, voices, 3)

	one := voices[0].seg.Duration()
	assert.Equal(t, 2000*time.Second/24000, one)
	for i, v := range voices {
		assert.Equal(t, one, v.seg.Duration(), "segment %d duration", i)
		assert.Equal(t, 5*time.Second+time.Duration(i)*one, v.at, "segment %d start", i)
	}

	total := voices[2].at + voices[2].seg.Duration() - voices[0].at
	assert.Equal(t, 3*one, total)

	out.finish(2)
	assert.False(t, s.Speaking())
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulingNeverOverlaps(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{})

	sizes := []int{100, 4000, 960, 2400, 100, 48000}
	for _, n := range sizes {
		s.Enqueue(chunk(n))
	}
	for i := 0; i < len(sizes)-1; i++ {
		// simulate callback jitter on some segments
		if i%2 == 1 {
			out.advance(3 * time.Millisecond)
		}
		out.finish(i)
	}

	voices := out.scheduled()
	require.Len(t, voices, len(sizes))
	for i := 1; i < len(voices); i++ {
		prevEnd := voices[i-1].at + voices[i-1].seg.Duration()
		assert.GreaterOrEqual(t, voices[i].at, prevEnd, "segment %d overlaps", i)
	}
}

func TestLagClampsToNow(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{})

	s.Enqueue(chunk(4000))
	s.Enqueue(chunk(4000))
	s.Enqueue(chunk(4000))

	voices := out.scheduled()
	require.Len(t, voices, 2)
	secondEnd := voices[1].at + voices[1].seg.Duration()

	// the end callback arrives so late that the clock passed every
	// scheduled segment
	out.advance(secondEnd + 250*time.Millisecond)
	voices[0].onEnded()

	third := out.scheduled()[2]
	assert.Equal(t, out.Now(), third.at, "lagging segment must start now")
	assert.Greater(t, third.at, secondEnd)
}

func TestLateEndCallbackKeepsChainGapless(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{})

	for i := 0; i < 4; i++ {
		s.Enqueue(chunk(4000))
	}
	voices := out.scheduled()
	require.Len(t, voices, 2)

	// each end callback fires 5ms after its segment ended
	for i := 0; i < 2; i++ {
		v := out.scheduled()[i]
		out.advance(v.at + v.seg.Duration() + 5*time.Millisecond - out.Now())
		v.onEnded()
	}

	voices = out.scheduled()
	require.Len(t, voices, 4)
	for i := 1; i < len(voices); i++ {
		prevEnd := voices[i-1].at + voices[i-1].seg.Duration()
		assert.Equal(t, prevEnd, voices[i].at, "segment %d must start exactly at the previous end", i)
	}
}

func TestIdleRestartsAtNow(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{})

	s.Enqueue(chunk(4000))
	out.finish(0)
	require.False(t, s.Speaking())

	out.advance(2 * time.Second)
	s.Enqueue(chunk(4000))
	assert.Equal(t, out.Now(), out.scheduled()[1].at)
}

func TestStopAll(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{})

	var mu sync.Mutex
	var speaking []bool
	s.OnSpeaking(func(v bool) {
		mu.Lock()
		speaking = append(speaking, v)
		mu.Unlock()
	})

	s.Enqueue(chunk(4000))
	s.Enqueue(chunk(4000))
	s.Enqueue(chunk(4000))

	s.StopAll()
	voices := out.scheduled()
	require.Len(t, voices, 2)
	for i, v := range voices {
		assert.True(t, v.stopped, "voice %d", i)
	}
	assert.Equal(t, 1, out.flushCount())
	assert.False(t, s.Speaking())
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, s.Scheduled())
	assert.Equal(t, time.Duration(0), s.NextPlayTime())

	// stale end callbacks must not resume playback
	voices[0].onEnded()
	voices[1].onEnded()
	assert.Len(t, out.scheduled(), 2)
	assert.False(t, s.Speaking())

	// nothing left to silence: the device is not flushed again
	s.StopAll()
	assert.Equal(t, 1, out.flushCount())

	mu.Lock()
	assert.Equal(t, []bool{true, false}, speaking)
	mu.Unlock()
}

func TestStopAllIdempotent(t *testing.T) {
	type snapshot struct {
		speaking bool
		pending  int
		next     time.Duration
		voices   int
	}
	snap := func(s *Scheduler, out *fakeOutput) snapshot {
		return snapshot{s.Speaking(), s.Pending(), s.NextPlayTime(), len(out.scheduled())}
	}

	t.Run("empty queue", func(t *testing.T) {
		out := &fakeOutput{}
		s := NewScheduler(out, Config{})
		s.StopAll()
		once := snap(s, out)
		s.StopAll()
		assert.Equal(t, once, snap(s, out))
	})

	t.Run("twice while playing", func(t *testing.T) {
		out := &fakeOutput{}
		s := NewScheduler(out, Config{})
		s.Enqueue(chunk(4000))
		s.Enqueue(chunk(4000))
		s.StopAll()
		once := snap(s, out)
		s.StopAll()
		assert.Equal(t, once, snap(s, out))
	})
}

func TestEnqueueAfterStopAll(t *testing.T) {
	out := &fakeOutput{now: time.Second}
	s := NewScheduler(out, Config{})

	s.Enqueue(chunk(4000))
	s.StopAll()
	out.advance(100 * time.Millisecond)
	s.Enqueue(chunk(4000))

	voices := out.scheduled()
	require.Len(t, voices, 2)
	assert.Equal(t, 1100*time.Millisecond, voices[1].at)
	assert.True(t, s.Speaking())

	// the first, stopped voice ending late does not disturb the new chain
	voices[0].onEnded()
	assert.Len(t, out.scheduled(), 2)
	assert.Equal(t, 0, s.Pending())
}

func TestOnIdle(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{})
	idle := 0
	s.OnIdle(func() { idle++ })

	s.Enqueue(chunk(200))
	s.Enqueue(chunk(200))
	out.finish(0)
	assert.Equal(t, 0, idle)
	out.finish(1)
	assert.Equal(t, 1, idle)
}

func TestSegmentDecodes(t *testing.T) {
	out := &fakeOutput{}
	s := NewScheduler(out, Config{MinChunkBytes: 2})
	s.Enqueue([]byte{0x00, 0x40, 0x00, 0xC0})

	seg := out.scheduled()[0].seg
	assert.Equal(t, []float32{0.5, -0.5}, seg.Samples)
	assert.Equal(t, DefaultSampleRate, seg.Rate)
}
