package audiocapture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"testing"
	"time"
)

// TestHelperProcess stands in for ffmpeg when run as a subprocess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "stream":
		frame := make([]byte, 8) // 4 samples
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(0x4000))
		}
		for i := 0; i < 3; i++ {
			os.Stdout.Write(frame)
		}
		time.Sleep(time.Minute)
	case "denied":
		fmt.Fprintln(os.Stderr, "[avfoundation @ 0x1] Failed to create AV capture input device: Permission denied")
		os.Exit(1)
	case "nodevice":
		fmt.Fprintln(os.Stderr, "default: No such device")
		os.Exit(1)
	}
	os.Exit(0)
}

func helper(t *testing.T, mode string) *FFmpeg {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FrameSize = 4
	f := &FFmpeg{
		cfg:      cfg,
		goos:     "linux",
		lookPath: func(name string) (string, error) { return name, nil },
		command: func(string, ...string) *exec.Cmd {
			cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
			cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
			return cmd
		},
	}
	return f
}

func TestStartDeliversFrames(t *testing.T) {
	f := helper(t, "stream")
	frames := make(chan []float32, 8)

	err := f.Start(context.Background(), func(samples []float32) {
		frames <- slices.Clone(samples)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.Stop() })

	for i := 0; i < 3; i++ {
		select {
		case got := <-frames:
			if len(got) != 4 {
				t.Fatalf("frame %d: len = %d, want 4", i, len(got))
			}
			if got[0] != 0.5 {
				t.Errorf("frame %d: sample = %v, want 0.5", i, got[0])
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	if err := f.Start(context.Background(), func([]float32) {}); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start: got %v, want ErrRunning", err)
	}

	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.Running() {
		t.Error("still running after Stop")
	}
	if err := f.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartPermissionDenied(t *testing.T) {
	f := helper(t, "denied")
	err := f.Start(context.Background(), func([]float32) {})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("got %v, want ErrPermission", err)
	}
	if f.Running() {
		t.Error("running after failed Start")
	}
}

func TestStartNoDevice(t *testing.T) {
	f := helper(t, "nodevice")
	err := f.Start(context.Background(), func([]float32) {})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	f := helper(t, "stream")
	f.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	err := f.Start(context.Background(), func([]float32) {})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestStartWithNilHandler(t *testing.T) {
	f := helper(t, "stream")
	if err := f.Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestStopBeforeStart(t *testing.T) {
	f := helper(t, "stream")
	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name    string
		goos    string
		cfg     Config
		want    []string
		wantErr error
	}{
		{
			name: "darwin default device",
			goos: "darwin",
			cfg:  Config{SampleRate: 48000},
			want: []string{"-f", "avfoundation", "-i", ":0"},
		},
		{
			name: "linux echo cancel",
			goos: "linux",
			cfg:  Config{SampleRate: 48000, EchoCancellation: true},
			want: []string{"-f", "pulse", "-i", "echo-cancel-source"},
		},
		{
			name: "linux explicit device",
			goos: "linux",
			cfg:  Config{SampleRate: 48000, EchoCancellation: true, Device: "alsa_input.usb"},
			want: []string{"-i", "alsa_input.usb"},
		},
		{
			name: "filters",
			goos: "linux",
			cfg:  Config{SampleRate: 24000, NoiseSuppression: true, AutoGainControl: true},
			want: []string{"-af", "afftdn,dynaudnorm", "-ar", "24000"},
		},
		{
			name:    "windows needs device",
			goos:    "windows",
			cfg:     Config{SampleRate: 48000},
			wantErr: ErrUnsupported,
		},
		{
			name:    "plan9",
			goos:    "plan9",
			cfg:     Config{SampleRate: 48000},
			wantErr: ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Args(tt.goos, tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Args: %v", err)
			}
			if !containsSeq(got, tt.want) {
				t.Errorf("Args() = %v, want subsequence %v", got, tt.want)
			}
			if got[len(got)-1] != "-" {
				t.Errorf("output should go to stdout: %v", got)
			}
		})
	}
}

func containsSeq(s, sub []string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if slices.Equal(s[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

func TestClassify(t *testing.T) {
	cause := errors.New("exit status 1")
	if err := classify(cause, "Error: Access is denied."); !errors.Is(err, ErrPermission) {
		t.Errorf("access denied: got %v", err)
	}
	if err := classify(cause, ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("empty stderr: got %v", err)
	}
}

func TestCancelsEcho(t *testing.T) {
	aec := DefaultConfig()
	raw := DefaultConfig()
	raw.EchoCancellation = false
	named := DefaultConfig()
	named.Device = "alsa_input.usb"

	tests := []struct {
		goos string
		cfg  Config
		want bool
	}{
		{"linux", aec, true},
		{"linux", raw, false},
		{"linux", named, false},
		{"darwin", aec, false},
		{"windows", aec, false},
	}
	for _, tt := range tests {
		if got := CancelsEcho(tt.goos, tt.cfg); got != tt.want {
			t.Errorf("CancelsEcho(%s, device=%q aec=%v) = %v, want %v",
				tt.goos, tt.cfg.Device, tt.cfg.EchoCancellation, got, tt.want)
		}
	}
}
