package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewHonorsLevel(t *testing.T) {
	t.Parallel()

	logger, err := New("warn", false)
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewDevelopmentEnablesDebug(t *testing.T) {
	t.Parallel()

	logger, err := New("debug", true)
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New("shout", false)
	require.Error(t, err)
}
