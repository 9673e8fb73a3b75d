package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/maskdotdev/sombra-sub003"
)

// Logrus wraps a logrus.Logger to implement sombra.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a sombra.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) sombra.Logger {
	return &Logrus{logger: logger}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

// Info logs an info message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

// argsToFields pairs up alternating keys and values. A trailing key without
// a value is dropped.
func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
