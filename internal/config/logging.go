package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logs hands out component loggers sharing one destination.
type Logs struct {
	w      io.Writer
	closer io.Closer
}

// OpenLogs writes to a rotating file when cfg.File is set, to stderr
// otherwise.
func OpenLogs(cfg LogConfig) (*Logs, error) {
	if cfg.File == "" {
		return &Logs{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	return &Logs{w: lj, closer: lj}, nil
}

// DiscardLogs drops everything.
func DiscardLogs() *Logs {
	return &Logs{w: io.Discard}
}

// Logger returns a logger with the "[component] " prefix.
func (l *Logs) Logger(component string) *log.Logger {
	return log.New(l.w, "["+component+"] ", log.LstdFlags)
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
