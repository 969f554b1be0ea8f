package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"go.aimuz.me/voicelink/audiocapture"
	"go.aimuz.me/voicelink/config"
	"go.aimuz.me/voicelink/internal/app"
	"go.aimuz.me/voicelink/internal/types"
	"go.aimuz.me/voicelink/livevoice"
	"go.aimuz.me/voicelink/livevoice/playback"
	"go.aimuz.me/voicelink/session"
)

type runOptions struct {
	url      string
	local    bool
	remember bool
	hotkey   string
	noAudio  bool
}

func (o *runOptions) bind(f *pflag.FlagSet) {
	f.StringVar(&o.url, "url", "", "backend websocket URL, overrides every other source")
	f.BoolVar(&o.local, "local", false, "treat this host as local and use the local endpoint")
	f.BoolVar(&o.remember, "remember", false, "store --url as the endpoint preference")
	f.StringVar(&o.hotkey, "hotkey", "", "global push-to-talk hotkey, e.g. ctrl+shift+space (\"off\" disables)")
	f.BoolVar(&o.noAudio, "no-audio", false, "discard assistant audio instead of playing it")
}

func runAssistant(ctx context.Context, opts *runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir, err := cfg.DataPath()
	if err != nil {
		return err
	}
	store, err := session.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID, err := store.ID()
	if err != nil {
		return err
	}

	if opts.url != "" {
		if err := config.ValidateURL(opts.url); err != nil {
			return err
		}
		if opts.remember {
			if err := store.SetPreference(session.PrefEndpoint, opts.url); err != nil {
				return err
			}
		}
	}
	stored, err := store.Preference(session.PrefEndpoint)
	if err != nil {
		slog.Warn("read endpoint preference", "error", err)
	}
	url := cfg.ResolveURL(hostName(opts.local), opts.url, stored)
	slog.Info("starting", "endpoint", url, "session", sessionID)

	captureCfg := audiocapture.Config{
		SampleRate:       cfg.Audio.CaptureRate,
		FrameSize:        cfg.Audio.FrameSize,
		FFmpegPath:       cfg.Audio.FFmpegPath,
		Device:           cfg.Audio.InputDevice,
		NoiseSuppression: true,
		AutoGainControl:  true,
		EchoCancellation: true,
	}
	capturer, err := audiocapture.New(captureCfg)
	if err != nil {
		return err
	}
	bargeIn := cfg.Audio.BargeInEnabled(audiocapture.CancelsEcho(runtime.GOOS, captureCfg))
	slog.Debug("barge-in", "enabled", bargeIn)

	output, closeOutput, err := newOutput(cfg, opts.noAudio)
	if err != nil {
		return err
	}
	defer closeOutput()

	pr := &printer{w: os.Stdout}
	assistant := app.New(app.Options{
		URL:              url,
		SessionID:        sessionID,
		Capturer:         capturer,
		Output:           output,
		SilenceThreshold: cfg.Audio.SilenceThreshold,
		MinChunkBytes:    cfg.Audio.MinChunkBytes,
		OutputRate:       cfg.Audio.OutputRate,
		PingPeriod:       cfg.Endpoint.PingPeriod,
		BargeIn:          bargeIn,
		Speech: livevoice.SpeechConfig{
			Threshold: cfg.Audio.BargeInThreshold,
			Frames:    cfg.Audio.BargeInFrames,
		},
		Emit:             pr.handle,
	})
	defer assistant.Close()

	toggle := func() {
		if err := assistant.ToggleRecording(ctx); err != nil {
			slog.Error("toggle recording", "error", err)
		}
	}

	hotkey := opts.hotkey
	if hotkey == "" {
		hotkey = cfg.Hotkey
	}
	if hotkey != "off" {
		hk, err := app.NewHotkeyManager(hotkey, func() { go toggle() })
		if err != nil {
			return fmt.Errorf("hotkey: %w", err)
		}
		if err := hk.Start(); err != nil {
			slog.Warn("start hotkey", "error", err)
		} else {
			defer hk.Stop()
		}
	}

	fmt.Fprintln(os.Stdout, "Press Enter to talk, q to quit.")
	return readCommands(ctx, os.Stdin, toggle)
}

// readCommands toggles recording on every empty line until q, EOF or ctx.
func readCommands(ctx context.Context, r io.Reader, toggle func()) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
				toggle()
			case "q", "quit", "exit":
				return nil
			default:
				fmt.Fprintln(os.Stdout, "Enter toggles recording, q quits.")
			}
		}
	}
}

func newOutput(cfg *config.Config, noAudio bool) (playback.Output, func(), error) {
	if noAudio {
		return playback.NewClockOutput(nil), func() {}, nil
	}
	out, err := playback.NewFFplayOutput(playback.FFplayConfig{
		Path:       cfg.Audio.FFplayPath,
		SampleRate: cfg.Audio.OutputRate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("audio output: %w", err)
	}
	return out, func() {
		if err := out.Close(); err != nil {
			slog.Debug("close audio output", "error", err)
		}
	}, nil
}

func hostName(local bool) string {
	if local {
		return "localhost"
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// printer renders presentation events as a streaming transcript.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	count   int // messages already started
	written int // bytes of the last message already printed
}

func (p *printer) handle(name string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case app.EventTranscript:
		msgs, _ := data.([]types.Message)
		p.transcript(msgs)
	case app.EventRecording:
		if on, _ := data.(bool); on {
			fmt.Fprintln(p.w, "\n[recording]")
		} else {
			fmt.Fprintln(p.w, "\n[stopped]")
		}
	case app.EventConnection:
		slog.Info("connection", "state", data)
	case app.EventError:
		slog.Error("assistant", "error", data)
	}
}

func (p *printer) transcript(msgs []types.Message) {
	if len(msgs) < p.count {
		p.count, p.written = 0, 0
	}
	for i := max(p.count-1, 0); i < len(msgs); i++ {
		if i >= p.count {
			fmt.Fprintf(p.w, "\n%s: ", msgs[i].Author)
			p.count = i + 1
			p.written = 0
		}
		if text := msgs[i].Text; p.written < len(text) {
			fmt.Fprint(p.w, text[p.written:])
			p.written = len(text)
		}
	}
}
