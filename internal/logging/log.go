package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// Setup sets the minimum level of the process logger.
func Setup(level logrus.Level) {
	logger.SetLevel(level)
}

// SetOutput redirects the process logger, mostly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Logger() *logrus.Logger {
	return logger
}

// LogEvent writes one event line. level is one of DEBUG, INFO, WARN, ERROR.
func LogEvent(level, event string, fields map[string]any) {
	entry := logger.WithFields(logrus.Fields(normalize(fields)))
	entry.Log(parseLevel(level), event)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func normalize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = formatValue(v)
	}
	return out
}

func formatValue(v any) any {
	switch t := v.(type) {
	case string, int, int64, uint64, bool, float64:
		return t
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
