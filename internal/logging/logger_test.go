package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		development bool
		debug       bool
	}{
		{name: "development logs debug", development: true, debug: true},
		{name: "production starts at info", development: false, debug: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.development)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush

			require.Equal(t, tc.debug, logger.Core().Enabled(zapcore.DebugLevel))
			require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
		})
	}
}
