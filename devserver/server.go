// Package devserver implements a local backend speaking the voice protocol.
// It answers every burst of captured audio with a short transcript and
// echoes the audio back as speech.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"go.aimuz.me/voicelink/livevoice/realtime"
	"go.aimuz.me/voicelink/pcm"
)

// EventCommit asks the server to answer the buffered audio immediately.
const EventCommit = "input_audio_buffer.commit"

// Config holds dev server settings.
type Config struct {
	Addr       string        // default ":3000"
	ReplyAfter time.Duration // silence that ends a user turn, default 600ms
	ChunkBytes int           // size of echoed audio frames, default 4800 (100ms)
	MaxEcho    time.Duration // cap on echoed audio per turn, default 5s
}

// Server is the dev backend.
type Server struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader
	turns    atomic.Int64
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.ReplyAfter <= 0 {
		cfg.ReplyAfter = 600 * time.Millisecond
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4800
	}
	if cfg.MaxEcho <= 0 {
		cfg.MaxEcho = 5 * time.Second
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/realtime", s.handleRealtime)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("devserver listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(realtime.SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get(realtime.SessionParam)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("devserver: upgrade failed", "error", err)
		return
	}
	log := slog.With("session", sessionID, "request", middleware.GetReqID(r.Context()))
	log.Info("devserver: client connected")

	p := &peer{srv: s, conn: conn, log: log}
	p.serve()
	log.Info("devserver: client disconnected")
}

// peer is one connected client.
type peer struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	buf    []byte
	timer  *time.Timer
	closed bool
}

func (p *peer) serve() {
	defer func() {
		p.mu.Lock()
		p.closed = true
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
		p.conn.Close()
	}()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Warn("devserver: read", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			p.buffer(data)
		case websocket.TextMessage:
			p.handleText(data)
		}
	}
}

func (p *peer) handleText(data []byte) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		p.log.Warn("devserver: bad frame", "error", err)
		return
	}

	switch header.Type {
	case realtime.EventAudioAppend:
		var ev realtime.AudioAppendEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			p.log.Warn("devserver: bad append", "error", err)
			return
		}
		audio, err := ev.PCM()
		if err != nil {
			p.log.Warn("devserver: bad audio payload", "error", err)
			return
		}
		p.buffer(audio)
	case EventCommit:
		p.flush()
	default:
		p.log.Debug("devserver: ignoring", "type", header.Type)
	}
}

func (p *peer) buffer(audio []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, audio...)
	if p.timer == nil {
		p.timer = time.AfterFunc(p.srv.cfg.ReplyAfter, p.flush)
	} else {
		p.timer.Reset(p.srv.cfg.ReplyAfter)
	}
}

func (p *peer) flush() {
	p.mu.Lock()
	if p.closed || len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	audio := p.buf
	p.buf = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if err := p.reply(audio); err != nil {
		p.log.Warn("devserver: reply", "error", err)
	}
}

// reply answers one user turn.
func (p *peer) reply(audio []byte) error {
	n := p.srv.turns.Add(1)
	id := fmt.Sprintf("resp_%d", n)
	heard := pcm.BytesDuration(len(audio), pcm.Rate24k)

	if err := p.sendJSON(map[string]any{
		"type":     realtime.EventResponseCreated,
		"response": map[string]string{"id": id},
	}); err != nil {
		return err
	}
	if err := p.sendJSON(map[string]string{
		"type": realtime.EventAgentStep,
		"key":  "calendar",
		"step": "Listening",
	}); err != nil {
		return err
	}

	text := fmt.Sprintf("I heard %.1f seconds of audio.", heard.Seconds())
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		if err := p.sendJSON(map[string]string{
			"type":  realtime.EventTranscriptDelta,
			"delta": word,
		}); err != nil {
			return err
		}
	}

	maxBytes := int(p.srv.cfg.MaxEcho.Seconds() * pcm.Rate24k * pcm.BytesPerSample)
	if len(audio) > maxBytes {
		audio = audio[:maxBytes-maxBytes%pcm.BytesPerSample]
	}
	for off := 0; off < len(audio); off += p.srv.cfg.ChunkBytes {
		end := min(off+p.srv.cfg.ChunkBytes, len(audio))
		if err := p.write(websocket.BinaryMessage, audio[off:end]); err != nil {
			return err
		}
	}

	if err := p.sendJSON(map[string]string{"type": realtime.EventTranscriptDone}); err != nil {
		return err
	}
	p.log.Info("devserver: replied", "response", id, "heard", heard)
	return nil
}

func (p *peer) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.write(websocket.TextMessage, data)
}

func (p *peer) write(msgType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(msgType, data)
}
