package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Formats(t *testing.T) {
	_, level, err := New(Config{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	_, level, err = New(Config{Level: "nonsense"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	_, _, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestL_NopBeforeInit(t *testing.T) {
	assert.NotNil(t, L())
	assert.NotNil(t, Slog())
}

func TestNewSlog_ForwardsRecords(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewSlog(zap.New(core))

	log.Debug("dropped")
	log.With("store", "S0").WithGroup("update").Info("applied",
		"entries", 3,
		"ok", true,
		"error", errors.New("boom"),
	)
	log.Warn("grouped", "diff", map[string]int{"older": 1})

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "applied", first.Message)
	assert.Equal(t, zapcore.InfoLevel, first.Level)
	ctx := first.ContextMap()
	assert.Equal(t, "S0", ctx["store"])
	assert.Equal(t, int64(3), ctx["update.entries"])
	assert.Equal(t, true, ctx["update.ok"])
	assert.Equal(t, "boom", ctx["update.error"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
