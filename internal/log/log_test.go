package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	SetLevel(LevelWarn)
	Info("hidden", "k", 1)
	Warn("shown", "source", "feed")
	Error("failed", errors.New("boom"), "id", "cal-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "source=feed")
	assert.Contains(t, out, "err=boom")
	assert.Contains(t, out, "id=cal-1")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestOddKeyValuesDropTrailingKey(t *testing.T) {
	args := normalizeKVs([]any{"a", 1, 2, "x", "dangling"})
	assert.Equal(t, []any{"a", 1}, args)
}
