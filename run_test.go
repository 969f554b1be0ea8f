package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.aimuz.me/voicelink/internal/app"
	"go.aimuz.me/voicelink/internal/types"
)

func TestPrinterStreamsTranscript(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf}

	p.handle(app.EventTranscript, []types.Message{{Text: "Hel", Author: types.AuthorAssistant}})
	p.handle(app.EventTranscript, []types.Message{{Text: "Hello", Author: types.AuthorAssistant}})
	p.handle(app.EventTranscript, []types.Message{
		{Text: "Hello there", Author: types.AuthorAssistant},
		{Text: "Hi", Author: types.AuthorAssistant},
	})

	assert.Equal(t, "\nassistant: Hello there\nassistant: Hi", buf.String())
}

func TestReadCommands(t *testing.T) {
	toggles := 0
	in := strings.NewReader("\n\nhelp\n\nq\n\n")

	err := readCommands(context.Background(), in, func() { toggles++ })
	require.NoError(t, err)
	assert.Equal(t, 3, toggles)
}

func TestReadCommandsStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r, w := io.Pipe()
	defer w.Close()
	assert.NoError(t, readCommands(ctx, r, func() {}))
}

func TestHostName(t *testing.T) {
	assert.Equal(t, "localhost", hostName(true))
}

func TestRootWarnsOnBrokenDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".env"), 0o755))
	t.Chdir(dir)

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	cmd := rootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, logs.String(), "ignoring .env")
}
