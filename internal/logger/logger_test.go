package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"", FormatConsole, FormatJSON, "JSON"} {
		l, err := New(format)
		require.NoError(t, err, format)
		assert.Equal(t, zapcore.InfoLevel, l.Level())
	}

	_, err := New("xml")
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	l, err := New(FormatConsole)
	require.NoError(t, err)

	require.NoError(t, l.SetLevel("DEBUG"))
	assert.Equal(t, zapcore.DebugLevel, l.Level())
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, l.SetLevel(""))
	assert.Equal(t, zapcore.DebugLevel, l.Level())

	assert.Error(t, l.SetLevel("loud"))
}
