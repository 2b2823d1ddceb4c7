package logx

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		" warn ":  LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestDefaultLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelWarn)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	assert.Empty(t, buf.String())

	l.Warn("warn %d", 3)
	l.Error("error %d", 4)
	out := buf.String()
	assert.Contains(t, out, "WARN: warn 3")
	assert.Contains(t, out, "ERROR: error 4")
	assert.Contains(t, out, "[pttvoice] ")

	buf.Reset()
	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "DEBUG: now visible")
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	// The supplied handler allows debug, so the adapter does too.
	a.Debug("fragment %d", 3)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "fragment 3")

	buf.Reset()
	a.SetLevel(LevelInfo)
	a.Debug("hidden")
	assert.Empty(t, buf.String())

	a.Info("clip from %s", "10.0.0.2:5151")
	assert.Contains(t, buf.String(), "clip from 10.0.0.2:5151")
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(&buf, "json", LevelInfo)
	require.NoError(t, err)
	l.Debug("dropped")
	l.Warn("late fragment %d", 7)
	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"msg":"late fragment 7"`)

	buf.Reset()
	l, err = New(&buf, "TEXT", LevelDebug)
	require.NoError(t, err)
	l.Debug("sweep removed %d", 2)
	assert.Contains(t, buf.String(), "level=DEBUG")

	buf.Reset()
	l, err = New(&buf, "", LevelInfo)
	require.NoError(t, err)
	assert.IsType(t, &DefaultLogger{}, l)
	l.Info("plain")
	assert.Contains(t, buf.String(), "INFO: plain")

	_, err = New(&buf, "xml", LevelInfo)
	assert.ErrorContains(t, err, `unknown log format "xml"`)
}
