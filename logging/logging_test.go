package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupDefaults(t *testing.T) {
	logger, err := Setup(Config{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestSetupLevelParsing(t *testing.T) {
	logger, err := Setup(Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = Setup(Config{Level: "error"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = Setup(Config{Level: "gibberish"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestSetupFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "enet.log")
	logger, err := Setup(Config{Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	logger.Info("hello", zap.Int("n", 1))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
}

func TestSetupRotatedFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enet.log")
	logger, err := Setup(Config{
		Outputs:  []string{path},
		Rotation: &Rotation{MaxSizeMB: 1},
	})
	require.NoError(t, err)

	logger.Info("rotated sink works")
	logger.Sync()

	_, err = os.Stat(path)
	require.NoError(t, err)
}
