package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewFormats(t *testing.T) {
	for _, format := range []string{FormatText, FormatJSON, ""} {
		l, err := New(format, "debug")
		require.NoError(t, err, "format %q", format)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestNewUnknownFormat(t *testing.T) {
	_, err := New("yaml", "info")
	require.Error(t, err)
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	l, err := New(FormatJSON, "chatty")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}
