package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	log, err := Build("info", path)
	require.NoError(t, err)

	log.Info("engine_started")
	log.Debug("dropped_below_level")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"engine_started"`)
	assert.Contains(t, string(data), `"ts":`)
	assert.NotContains(t, string(data), "dropped_below_level")
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build("verbose", "")
	require.Error(t, err)
}
