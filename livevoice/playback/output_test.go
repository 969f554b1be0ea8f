package playback

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess stands in for ffplay when run as a subprocess. It
// records its pid and appends everything read from stdin to PLAYER_OUT.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	out := os.Getenv("PLAYER_OUT")

	pids, err := os.OpenFile(out+".pid", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		os.Exit(2)
	}
	pids.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	pids.Close()

	f, err := os.OpenFile(out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		os.Exit(2)
	}
	io.Copy(f, os.Stdin)
	f.Close()
	os.Exit(0)
}

func helperPlayer(t *testing.T) (*FFplayOutput, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "played")
	o, err := newFFplayOutput("ffplay", 0, func(string, ...string) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "PLAYER_OUT="+out)
		return cmd
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, out
}

func readFile(path string) []byte {
	b, _ := os.ReadFile(path)
	return b
}

func playerPIDs(out string) []int {
	var pids []int
	for _, line := range strings.Fields(string(readFile(out + ".pid"))) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

func TestClockOutputPlaysThrough(t *testing.T) {
	written := make(chan []byte, 4)
	out := NewClockOutput(func(b []byte) error {
		written <- b
		return nil
	})
	s := NewScheduler(out, Config{})

	idle := make(chan struct{})
	s.OnIdle(func() { close(idle) })

	// 480 bytes = 10ms at 24kHz
	s.Enqueue(make([]byte, 480))
	s.Enqueue(make([]byte, 480))

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never went idle")
	}
	assert.Len(t, written, 2)
	assert.False(t, s.Speaking())
}

// recordingOutput notes every start time handed to the wrapped output.
type recordingOutput struct {
	*ClockOutput
	mu  sync.Mutex
	ats []time.Duration
	dur []time.Duration
}

func (r *recordingOutput) Schedule(seg Segment, at time.Duration, onEnded func()) Voice {
	r.mu.Lock()
	r.ats = append(r.ats, at)
	r.dur = append(r.dur, seg.Duration())
	r.mu.Unlock()
	return r.ClockOutput.Schedule(seg, at, onEnded)
}

func TestClockOutputGaplessOnRealClock(t *testing.T) {
	out := &recordingOutput{ClockOutput: NewClockOutput(nil)}
	s := NewScheduler(out, Config{})

	idle := make(chan struct{})
	s.OnIdle(func() { close(idle) })

	// 4800 bytes = 100ms at 24kHz
	const n = 6
	for i := 0; i < n; i++ {
		s.Enqueue(make([]byte, 4800))
	}

	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never went idle")
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.ats, n)
	for i := 1; i < n; i++ {
		assert.Equal(t, out.ats[i-1]+out.dur[i-1], out.ats[i], "gap before segment %d", i)
	}
}

func TestClockOutputStopSuppressesEnd(t *testing.T) {
	var writes atomic.Int32
	out := NewClockOutput(func([]byte) error {
		writes.Add(1)
		return nil
	})

	var ended atomic.Bool
	seg := Segment{PCM: make([]byte, 480), Samples: make([]float32, 240), Rate: 24000}

	v := out.Schedule(seg, out.Now()+time.Hour, func() { ended.Store(true) })
	v.Stop()
	v.Stop()

	v = out.Schedule(seg, 0, func() { ended.Store(true) })
	v.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ended.Load())
	assert.LessOrEqual(t, writes.Load(), int32(1))
}

func TestFFplayOutputWritesAhead(t *testing.T) {
	o, out := helperPlayer(t)

	first := bytes.Repeat([]byte{1, 0}, 240)
	second := bytes.Repeat([]byte{2, 0}, 240)

	// the second segment starts in the future but reaches the player now
	o.Schedule(Segment{PCM: first, Samples: make([]float32, 240), Rate: 24000}, 0, nil)
	o.Schedule(Segment{PCM: second, Samples: make([]float32, 240), Rate: 24000}, time.Hour, nil)

	want := append(append([]byte(nil), first...), second...)
	require.Eventually(t, func() bool {
		return bytes.Equal(readFile(out), want)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), o.starts.Load())
}

func TestFFplayOutputFlushRestartsPlayer(t *testing.T) {
	o, out := helperPlayer(t)

	require.NoError(t, o.post([]byte{1, 0, 1, 0}))
	require.Eventually(t, func() bool { return len(readFile(out)) == 4 }, 5*time.Second, 10*time.Millisecond)

	o.Flush()
	require.NoError(t, o.post([]byte{2, 0}))
	require.Eventually(t, func() bool { return len(readFile(out)) == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), o.starts.Load())
	assert.Len(t, playerPIDs(out), 2)
}

func TestFFplayOutputRevivesDeadPlayer(t *testing.T) {
	o, out := helperPlayer(t)

	require.NoError(t, o.post([]byte{1, 0}))
	require.Eventually(t, func() bool { return len(readFile(out)) == 2 }, 5*time.Second, 10*time.Millisecond)

	pids := playerPIDs(out)
	require.Len(t, pids, 1)
	p, err := os.FindProcess(pids[0])
	require.NoError(t, err)
	require.NoError(t, p.Kill())
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, o.post([]byte{2, 0, 2, 0}))
	require.Eventually(t, func() bool { return len(readFile(out)) == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), o.starts.Load())
}

func TestFFplayOutputClose(t *testing.T) {
	o, _ := helperPlayer(t)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.post([]byte{1, 0}), errOutputClosed)
}

func TestFFplayArgs(t *testing.T) {
	args := ffplayArgs(24000)
	assert.Contains(t, args, "s16le")
	assert.Contains(t, args, "24000")
	assert.Equal(t, "pipe:0", args[len(args)-1])
}
