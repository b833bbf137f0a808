// Package logf implements the replication log: append-only, one line
// per message in the fixed "<UTC stamp> UTC: <message>" form, with a
// level threshold applied at write time. The file re-opens
// automatically when an external rotation removes it; when a size cap
// is configured, rotation is handled by lumberjack instead.
package logf

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log levels. A message writes only when its level is at or below the
// logger's threshold.
const (
	LevelError = 0
	LevelWarn  = 1
	LevelInfo  = 2
	LevelDebug = 3
)

// stampFormat matches the log record contract.
const stampFormat = "2006/01/02 15:04:05"

// Logger writes timestamped lines to one log file.
type Logger struct {
	mu    sync.Mutex
	path  string
	level int
	file  *os.File           // direct mode
	roll  *lumberjack.Logger // size-capped mode, nil otherwise
	now   func() time.Time
}

// Open creates a logger appending to path with the given threshold.
// The file itself is created on first write, so a run that fails before
// logging anything leaves no file behind. maxMB > 0 delegates rotation
// to lumberjack with that size cap; maxMB == 0 writes directly and
// re-opens the file if it disappears.
func Open(path string, level, maxMB int) *Logger {
	l := &Logger{path: path, level: level, now: time.Now}
	if maxMB > 0 {
		l.roll = &lumberjack.Logger{Filename: path, MaxSize: maxMB, MaxBackups: 3}
	}
	return l
}

// Discard returns a logger that drops everything, for tests and for
// components run before the log file location is known.
func Discard() *Logger {
	return &Logger{level: -1, now: time.Now}
}

// SetLevel changes the threshold.
func (l *Logger) SetLevel(level int) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.write(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.write(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.write(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.write(LevelDebug, format, args...) }

// Logf writes at an explicit level, for adapter-injected messages.
func (l *Logger) Logf(level int, format string, args ...interface{}) {
	l.write(level, format, args...)
}

func (l *Logger) write(level int, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}
	line := fmt.Sprintf("%s UTC: %s\n", l.now().UTC().Format(stampFormat), fmt.Sprintf(format, args...))
	var w io.Writer
	switch {
	case l.roll != nil:
		w = l.roll
	default:
		// Rotation-safe: if the file was removed out from under us,
		// start a fresh one before writing.
		if l.file != nil {
			if _, err := os.Stat(l.path); os.IsNotExist(err) {
				l.file.Close()
				l.file = nil
			}
		}
		if l.file == nil {
			if l.path == "" {
				return
			}
			if err := l.reopen(); err != nil {
				return
			}
		}
		w = l.file
	}
	w.Write([]byte(line))
}

func (l *Logger) reopen() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Close flushes and releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roll != nil {
		return l.roll.Close()
	}
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
