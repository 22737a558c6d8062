package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"predictionhub/internal/config"
)

// Logger provides leveled logging to stdout and per-level files.
type Logger struct {
	entry *logrus.Logger
	files []*os.File
}

// NewLogger creates a Logger writing to stdout and to info.log, warning.log
// and error.log under the configured log directory.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		base.SetLevel(level)
	}

	l := &Logger{entry: base}
	hook := &fileHook{writers: make(map[logrus.Level]io.Writer), formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}}
	for level, name := range map[logrus.Level]string{
		logrus.InfoLevel:  "info.log",
		logrus.WarnLevel:  "warning.log",
		logrus.ErrorLevel: "error.log",
	} {
		f, err := os.OpenFile(filepath.Join(cfg.LogDirectory, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
		}
		l.files = append(l.files, f)
		hook.writers[level] = f
	}
	base.AddHook(hook)

	return l, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: base}
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// Close releases the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

// fileHook copies entries of each level into that level's file.
type fileHook struct {
	writers   map[logrus.Level]io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}

func (h *fileHook) Fire(e *logrus.Entry) error {
	w, ok := h.writers[e.Level]
	if !ok {
		return nil
	}
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}
