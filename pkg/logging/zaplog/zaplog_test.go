package zaplog

import (
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-appwatch/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_ReportsCallerThroughComponents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	root := NewLogger("appwatch: ", build(core))
	component := logging.WithComponent(root, "writer")

	root.Infof("engine starting")
	component.Warnf("write failed, attempt: %d", 2)
	component.LogLevelf(logging.ErrorLevel, "degraded")

	entries := logs.All()
	require.Len(t, entries, 3)
	for _, entry := range entries {
		require.True(t, entry.Caller.Defined)
		assert.Equal(t, "zaplog_test.go", filepath.Base(entry.Caller.File), entry.Message)
	}
	assert.Equal(t, "appwatch: [writer] write failed, attempt: 2", entries[1].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
