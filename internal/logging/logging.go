// Package logging constructs the shared logrus logger for relay components.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/flitstream/flit/internal/config"
)

// Logger represents a logger instance.
type Logger = *logrus.Logger

// Fields represents structured logging fields.
type Fields = logrus.Fields

// NewLogger creates a configured logger instance.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewServiceLogger creates a logger with a service field applied to all entries.
func NewServiceLogger(serviceName string) *logrus.Entry {
	return NewLogger().WithField("service", serviceName)
}

// Component scopes a logger entry to a named relay component.
func Component(logger *logrus.Entry, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.NewEntry(NewLogger())
	}
	return logger.WithField("component", name)
}
