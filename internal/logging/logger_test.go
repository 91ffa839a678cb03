package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		development bool
		level       string
		debug       bool
		info        bool
	}{
		{"development default", true, "", true, true},
		{"production default", false, "", false, true},
		{"production debug override", false, "debug", true, true},
		{"development warn override", true, "warn", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.development, tt.level)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush

			require.Equal(t, tt.debug, logger.Core().Enabled(zapcore.DebugLevel))
			require.Equal(t, tt.info, logger.Core().Enabled(zapcore.InfoLevel))
			require.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(false, "chatty")
	require.ErrorContains(t, err, "parse log level")
}
