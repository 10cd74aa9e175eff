package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/postpulse/internal/config"
	"github.com/roach88/postpulse/internal/detector"
	"github.com/roach88/postpulse/internal/post"
)

func TestServe_StartsAndStopsOnCancel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "postpulse.yaml")
	writeFile(t, cfgPath, "storage:\n  path: "+filepath.Join(dir, "serve.db")+"\ndetector:\n  interval: 50ms\n")

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		ConfigPath:  cfgPath,
		Listen:      "127.0.0.1:0",
		Ready:       func(addr string) { ready <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- runServe(cmd, opts) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServe_BadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, cfgPath, "detector:\n  interval: soon\n")

	_, err := execute(t, "serve", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

type emptySource struct{}

func (emptySource) ListAll(context.Context) ([]post.Post, error) { return nil, nil }

func TestApplyReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := detector.New(emptySource{}, post.Discard)
	defer det.Stop()
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	next := config.Default()
	next.Log.Level = "debug"
	next.Detector.Interval = config.Duration(time.Hour)
	applyReload(ctx, logger, level, false, det, next)

	assert.Equal(t, slog.LevelDebug, level.Level())
	assert.True(t, det.IsRunning(), "enabled detector is started by reload")
	assert.Equal(t, "1h0m0s", det.Stats().Interval)

	next.Detector.Enabled = false
	applyReload(ctx, logger, level, false, det, next)
	assert.False(t, det.IsRunning())

	next.Log.Level = "error"
	applyReload(ctx, logger, level, true, det, next)
	assert.Equal(t, slog.LevelDebug, level.Level(), "--verbose pins the level")
}
