package observability

import (
	"io"

	"github.com/sirupsen/logrus"
)

// logger is shared by every component of both binaries; components log
// through Component entries so each line names its source.
var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
}

// InitLogger sets the global level; unknown levels fall back to info.
func InitLogger(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

// GetLogger exposes the shared logger, e.g. to redirect its output.
func GetLogger() *logrus.Logger {
	return logger
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// NewDiscardLogger returns an entry that writes nowhere, for tests.
func NewDiscardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
