// Package log is a thin sugar layer over logrus, mirroring gvisor's own
// convention of a small package-level logger rather than bare fmt/log
// calls scattered through the tree. It replaces box86's dynarec_log(LOG_*,
// ...) call sites with leveled, field-based logging.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// logger is the package-wide structured logger. Level defaults to Info;
// config.Load raises it to Debug when dynarec_dump is enabled.
var logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetDebug raises or lowers the log level, used when dynarec_dump is set.
func SetDebug(enabled bool) {
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// Fields is a shorthand for logrus.Fields, used at call sites that want
// structured context (block addr, directory text range, ...).
type Fields = logrus.Fields

// Debugf logs at debug level, matching box86's LOG_DEBUG/LOG_DUMP traces.
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs at info level, matching box86's LOG_INFO.
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warnf logs at warning level, matching box86's allocation-failure traces.
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// WithFields returns an Entry pre-populated with structured fields, for
// call sites that want to attach block/directory identity to a message.
func WithFields(fields Fields) *logrus.Entry {
	return logger.WithFields(fields)
}
