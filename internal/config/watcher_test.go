package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watcherLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, watcherLogger())
	require.NoError(t, err)
	defer w.Close()

	updated := sampleConfig + `
engine:
  decision_expiry: 60s
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 60*time.Second, cfg.Engine.DecisionExpiry)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload after file change")
	}
}

func TestWatcherRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		reloaded <- cfg
	}, watcherLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("services: {}\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid configuration must not trigger the reload callback")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		reloaded <- cfg
	}, watcherLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("changes to other files must not trigger a reload")
	case <-time.After(600 * time.Millisecond):
	}
}
