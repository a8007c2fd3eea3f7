package zapadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core), zap.String("component", "admission"))

	logger.Debugf("client %q allowed", "10.0.0.1")
	logger.Errorf("store failed: %v", "timeout")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, `client "10.0.0.1" allowed`, entries[0].Message)
	assert.Equal(t, "admission", entries[0].ContextMap()["component"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "store failed: timeout", entries[1].Message)
}

func TestZapLogger_Nil(t *testing.T) {
	logger := New(nil)
	assert.NotPanics(t, func() {
		logger.Debugf("ignored")
		logger.Errorf("ignored")
	})
}
