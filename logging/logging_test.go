package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	lvl, err := LogConfig{}.ParseLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = LogConfig{Level: "debug"}.ParseLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = LogConfig{Level: "loud"}.ParseLevel()
	assert.Error(t, err)
	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLogfileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "octree.log")
	logger, err := NewLogger(LogConfig{Logfile: path, MaxSize: 1, MaxAge: 1, Level: "info"})
	require.NoError(t, err)

	logger.Debugw("hidden", "rank", 0)
	logger.Infow("adapted", "rank", 1, "octants", 36)
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"adapted"`)
	assert.Contains(t, string(b), `"octants":36`)
	assert.NotContains(t, string(b), "hidden")
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Infow("dropped") })
}
