package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"workflowTrader/internal/ports"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestStdLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelWarn)

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")
	l.Error(context.Background(), errors.New("boom"), "failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown")
	assert.Contains(t, out, "[ERROR] failed | error: boom")
}

func TestStdLogger_FieldsAreSortedAndMerged(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelDebug).Named("engine").Named("buy")

	ctx := ports.WithFields(context.Background(), ports.Fields{"workflow": "wf-1", "b": 1})
	l.Info(ctx, "evaluated", ports.Fields{"c": 3, "a": 2, "b": 9})

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "[INFO] engine.buy: evaluated | a=2 b=9 c=3 workflow=wf-1")
}
