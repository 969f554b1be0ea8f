package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.aimuz.me/voicelink/audiocapture"
	"go.aimuz.me/voicelink/integrations"
	"go.aimuz.me/voicelink/internal/types"
	"go.aimuz.me/voicelink/livevoice"
	"go.aimuz.me/voicelink/livevoice/playback"
	"go.aimuz.me/voicelink/livevoice/realtime"
)

// Options configures an Assistant.
type Options struct {
	URL       string // resolved endpoint
	SessionID string

	Capturer audiocapture.Capturer
	Output   playback.Output
	Registry *integrations.Registry // default: the built-in integrations
	Dialer   *websocket.Dialer

	SilenceThreshold float32
	MinChunkBytes    int

	// BargeIn stops assistant playback when the user starts talking over
	// it. Leave it off where the input hears the speakers.
	BargeIn bool
	Speech  livevoice.SpeechConfig
	OutputRate       int
	PingPeriod       time.Duration

	// Emit receives presentation events. Optional.
	Emit func(name string, data any)
}

// Assistant wires the socket, capture pipeline, playback and transcript
// together. This struct focuses on orchestration; protocol logic lives in
// the livevoice packages.
type Assistant struct {
	client     *realtime.Client
	recorder   *livevoice.Recorder
	player     *playback.Scheduler
	transcript *livevoice.Aggregator
	registry   *integrations.Registry

	url       string
	sessionID string
	started   time.Time
	emitFn    func(name string, data any)

	toggleMu sync.Mutex // serializes ToggleRecording
	closeMu  sync.Mutex
	closed   bool
}

// New creates an Assistant. No connection is made until recording starts.
func New(opts Options) *Assistant {
	registry := opts.Registry
	if registry == nil {
		registry = integrations.NewRegistry(types.DefaultIntegrations())
	}

	a := &Assistant{
		url:       opts.URL,
		sessionID: opts.SessionID,
		registry:  registry,
		started:   time.Now(),
		emitFn:    opts.Emit,
	}

	a.client = realtime.NewClient(realtime.ClientConfig{
		URL:        opts.URL,
		SessionID:  opts.SessionID,
		Dialer:     opts.Dialer,
		PingPeriod: opts.PingPeriod,
	})
	a.player = playback.NewScheduler(opts.Output, playback.Config{
		SampleRate:    opts.OutputRate,
		MinChunkBytes: opts.MinChunkBytes,
	})
	a.recorder = livevoice.NewRecorder(opts.Capturer, a.client, livevoice.RecorderConfig{
		SilenceThreshold: opts.SilenceThreshold,
		Speech:           opts.Speech,
	})
	a.transcript = livevoice.NewAggregator(a.player, registry)

	a.client.OnBinaryFrame(a.player.Enqueue)
	a.client.OnControlEvent(a.transcript.Handle)
	a.client.OnStateChange(func(s realtime.State) { a.emit(EventConnection, s.String()) })

	if opts.BargeIn {
		a.recorder.OnSpeechStart(a.bargeIn)
	}

	a.player.OnSpeaking(func(v bool) { a.emit(EventSpeaking, v) })
	a.player.OnIdle(func() {
		registry.SetProcessing(integrations.FlagCalendar, false)
		registry.SetProcessing(integrations.FlagBooking, false)
	})

	a.transcript.OnChange(func(msgs []types.Message) { a.emit(EventTranscript, msgs) })
	a.transcript.RegisterAction(livevoice.ActionCalendarCheck, func(realtime.Action) {
		registry.SetProcessing(integrations.FlagCalendar, true)
	})
	a.transcript.RegisterAction(livevoice.ActionCalendarBook, func(realtime.Action) {
		registry.SetProcessing(integrations.FlagBooking, true)
	})

	registry.OnChange(func(s []types.IntegrationStatus) { a.emit(EventIntegrations, s) })

	return a
}

// bargeIn interrupts assistant speech when the user talks over it.
func (a *Assistant) bargeIn() {
	if a.player.Speaking() {
		slog.Debug("barge-in: stopping playback")
		a.player.StopAll()
	}
}

// ToggleRecording stops recording if active, otherwise connects and opens
// the microphone.
func (a *Assistant) ToggleRecording(ctx context.Context) error {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	if a.recorder.IsRecording() {
		return a.StopRecording()
	}
	return a.startRecording(ctx)
}

func (a *Assistant) startRecording(ctx context.Context) error {
	if err := a.client.EnsureConnection(ctx); err != nil {
		a.emit(EventError, err.Error())
		return fmt.Errorf("connect: %w", err)
	}

	if err := a.recorder.StartCapture(ctx); err != nil {
		if errors.Is(err, audiocapture.ErrPermission) || errors.Is(err, audiocapture.ErrUnavailable) {
			a.transcript.AddMessage(MicErrorMessage, types.AuthorAssistant)
		}
		a.emit(EventError, err.Error())
		return err
	}

	a.emit(EventRecording, true)
	return nil
}

// StopRecording releases the microphone and interrupts playback. The
// socket stays open for the next turn.
func (a *Assistant) StopRecording() error {
	a.player.StopAll()
	a.transcript.EndTurn()
	err := a.recorder.StopCapture()
	a.emit(EventRecording, false)
	return err
}

// Close tears everything down, including the socket. Idempotent.
func (a *Assistant) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	err := a.recorder.StopCapture()
	a.player.StopAll()
	return errors.Join(err, a.client.Close())
}

// Status returns a snapshot for presentation.
func (a *Assistant) Status() types.VoiceStatus {
	return types.VoiceStatus{
		Connected:      a.client.IsOpen(),
		Recording:      a.recorder.IsRecording(),
		Speaking:       a.player.Speaking(),
		SessionID:      a.sessionID,
		Endpoint:       a.client.URL(),
		LastResponseID: a.transcript.LastResponseID(),
		Uptime:         time.Since(a.started).Round(time.Second),
	}
}

// Messages returns the transcript so far.
func (a *Assistant) Messages() []types.Message {
	return a.transcript.Messages()
}

// Integrations returns the integration statuses.
func (a *Assistant) Integrations() []types.IntegrationStatus {
	return a.registry.List()
}

// Stats returns capture counters.
func (a *Assistant) Stats() types.CaptureStats {
	return a.recorder.Stats()
}

// emit is a safe wrapper around the presentation callback.
func (a *Assistant) emit(name string, data any) {
	if a.emitFn != nil {
		a.emitFn(name, data)
	}
}
