package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewZapLoggerAppliesConfiguredLevel(t *testing.T) {
	log, err := NewZapLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, log.Zap().Core().Enabled(zapcore.DebugLevel))

	log, err = NewZapLogger("error", false)
	require.NoError(t, err)
	assert.False(t, log.Zap().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Zap().Core().Enabled(zapcore.ErrorLevel))
}

func TestNewZapLoggerFallsBackToModeDefault(t *testing.T) {
	// Production defaults to info
	log, err := NewZapLogger("", false)
	require.NoError(t, err)
	assert.False(t, log.Zap().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Zap().Core().Enabled(zapcore.InfoLevel))

	// An unparseable level keeps the mode default rather than failing
	log, err = NewZapLogger("shouty", true)
	require.NoError(t, err)
	assert.True(t, log.Zap().Core().Enabled(zapcore.DebugLevel))
}
