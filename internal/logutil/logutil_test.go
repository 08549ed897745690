package logutil_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/familyvault/familyvaultd/internal/logutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCapturesLines(t *testing.T) {
	logutil.GlobalRecorder.Clear()
	before := time.Now().Add(-time.Second)

	l := logutil.New("test-component")
	l.Info("hello", slog.String("k", "v"))

	lines := logutil.GlobalRecorder.Since(before)
	require.NotEmpty(t, lines)
	require.Equal(t, "hello", lines[len(lines)-1].Message)
}

func TestComponentLevelFiltersDebug(t *testing.T) {
	logutil.SetComponentLevel("quiet-component", slog.LevelWarn)
	logutil.GlobalRecorder.Clear()

	l := logutil.New("quiet-component")
	l.Debug("should be filtered")

	require.Empty(t, logutil.GlobalRecorder.Since(time.Now().Add(-time.Second)))
}
