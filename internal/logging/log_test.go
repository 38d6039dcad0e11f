package logging

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	SetOutput(&buf)
	Setup(logrus.DebugLevel)
	t.Cleanup(func() {
		SetOutput(logrus.StandardLogger().Out)
		Setup(logrus.InfoLevel)
	})
	return &buf
}

func TestLogEvent_WritesEventAndFields(t *testing.T) {
	buf := captureLogs(t)

	LogEvent("WARN", "connection_rejected", map[string]any{
		"client_ip": "10.0.0.1",
		"reason":    "per_ip_limit",
	})

	out := buf.String()
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "msg=connection_rejected")
	assert.Contains(t, out, "client_ip=10.0.0.1")
	assert.Contains(t, out, "reason=per_ip_limit")
}

func TestLogEvent_FormatsErrorsAndStringers(t *testing.T) {
	buf := captureLogs(t)

	LogEvent("ERROR", "blocklist_persist_failed", map[string]any{
		"error":   errors.New("disk full"),
		"elapsed": 1500 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "level=error")
	assert.Contains(t, out, `error="disk full"`)
	assert.Contains(t, out, "elapsed=1.5s")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"DEBUG", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"WARNING", logrus.WarnLevel},
		{"ERROR", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	buf := captureLogs(t)
	Setup(logrus.WarnLevel)

	LogEvent("INFO", "connection_accepted", nil)
	assert.Empty(t, buf.String())
}
