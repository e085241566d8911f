package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"herd/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herd.log")
	logger, err := New(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"timestamp"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestMust_FallsBack(t *testing.T) {
	logger := Must(config.LogConfig{Level: "loud"})
	assert.NotNil(t, logger)
}

func TestNew_Default(t *testing.T) {
	logger, err := New(config.DefaultLogConfig())
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
