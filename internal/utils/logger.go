package utils

import (
	"github.com/sirupsen/logrus"
)

// Logger defines the minimal logging interface used across the kernel
type Logger interface {
	Infof(format string, v ...any)
	Errorf(format string, v ...any)
}

// ExtendedLogger extends Logger with additional logging methods
type ExtendedLogger interface {
	Logger

	Info(args ...interface{})
	Error(args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
}
