package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// Options selects level, format and destination
type Options struct {
	Level  string // debug, info, warn, error, fatal
	Format string // text or json
	// Output is stdout, stderr or a file path opened for append
	Output string
}

// Logger implements cmpp.Logger on top of logrus
type Logger struct {
	entry *logrus.Entry
	file  *os.File
}

// New builds a logger from opts
func New(opts Options) (*Logger, error) {
	var out io.Writer
	var file *os.File
	switch strings.ToLower(opts.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", opts.Output)
		}
		out, file = f, f
	}

	l := NewWithWriter(out, opts.Level, opts.Format)
	l.file = file
	return l, nil
}

// NewWithWriter builds a logger writing to w
func NewWithWriter(w io.Writer, level, format string) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(ParseLevel(level))
	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewDefaultLogger creates a text logger on stdout
func NewDefaultLogger(level string) cmpp.Logger {
	return NewWithWriter(os.Stdout, level, "text")
}

// ParseLevel maps a level name to logrus, defaulting to info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "warning":
		return logrus.WarnLevel
	case "":
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...interface{}) {
	if l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.entry.WithFields(toFields(fields)).Debug(msg)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Fatal(msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) cmpp.Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields)), file: l.file}
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// toFields turns key-value pairs into logrus fields. A dangling key is kept
// under "extra".
func toFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			fields["extra"] = kv[i]
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
