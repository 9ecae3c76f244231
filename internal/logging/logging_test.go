package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"trace":   logrus.TraceLevel,
		"debug":   logrus.DebugLevel,
		"info":    logrus.InfoLevel,
		"WARN":    logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"bogus":   logrus.InfoLevel,
		"":        logrus.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)

	logger.WithField("path", "/tmp/db").Info("Database opened")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Database opened", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "/tmp/db", line["path"])
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "text", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestCaptureHook(t *testing.T) {
	logger := New("debug", "json", &bytes.Buffer{})
	hook := NewCaptureHook(logrus.WarnLevel, 2)
	logger.AddHook(hook)

	logger.Info("ignored")
	logger.WithField("op", "compact").Warn("first")
	logger.Error("second")
	logger.Error("third")

	entries := hook.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
}

func TestCaptureHook_CopiesFields(t *testing.T) {
	logger := New("info", "json", &bytes.Buffer{})
	hook := NewCaptureHook(logrus.InfoLevel, 0)
	logger.AddHook(hook)

	logger.WithField("db", "a1").Info("opened")
	entries := hook.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].Fields["db"])
}
