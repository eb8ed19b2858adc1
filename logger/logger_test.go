package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			require.NoError(t, Initialize(tt.jsonOutput, zapcore.InfoLevel))
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestHelpersTolerateNilLogger(t *testing.T) {
	Logger = nil
	defer func() { Logger = zap.NewNop().Sugar() }()

	assert.NotPanics(t, func() {
		Infow("x")
		Warnw("x")
		Errorw("x")
		Debugw("x")
		Cleanup()
	})
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}

func TestLoggerFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Logger = zap.New(core).Sugar()
	defer func() { Logger = zap.NewNop().Sugar() }()

	ctx := WithOccurrence(context.Background(), "occ-7", "digest")
	LoggerFromContext(ctx).Infow("running")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "occ-7", fields[FieldOccurrenceID])
	assert.Equal(t, "digest", fields[FieldJobName])
}

func TestLoggerFromEmptyContext(t *testing.T) {
	Logger = zap.NewNop().Sugar()
	assert.Same(t, Logger, LoggerFromContext(context.Background()))
}
