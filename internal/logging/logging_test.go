package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lowaak/applicator-hub/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, closer, err := newLogger(config.LogConfig{Level: tt.level}, &bytes.Buffer{})
			require.NoError(t, err)
			defer closer.Close()
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestNew_WritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.log")
	var console bytes.Buffer

	logger, closer, err := newLogger(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1}, &console)
	require.NoError(t, err)

	logger.WithField("address", "A").Info("connected")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "address=A")
	assert.NotContains(t, console.String(), "hidden")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "msg=connected")
}
