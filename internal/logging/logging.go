// Package logging provides the file-backed logging context for one
// invocation: a main log, an error log, and the remote-output log that
// records every line produced by executed scripts. The context is
// created by the CLI, passed into each operation, and closed when the
// invocation ends; there is no package-level state.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	mainLogName   = "herd.log"
	errorLogName  = "herd-error.log"
	remoteLogName = "herd-remote.log"
)

// Log is the logging context for one invocation. A nil *Log is valid
// and discards everything. Files are opened append-only; concurrent
// invocations rely on filesystem append semantics, no locking.
type Log struct {
	mu     sync.Mutex
	main   *os.File
	errs   *os.File
	remote *os.File
}

// Open creates the log directory and opens the three log files.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	l := &Log{}
	var err error
	if l.main, err = openAppend(filepath.Join(dir, mainLogName)); err != nil {
		return nil, err
	}
	if l.errs, err = openAppend(filepath.Join(dir, errorLogName)); err != nil {
		l.Close()
		return nil, err
	}
	if l.remote, err = openAppend(filepath.Join(dir, remoteLogName)); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// Close releases the log files. Safe on a nil receiver.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range []*os.File{l.main, l.errs, l.remote} {
		if f != nil {
			f.Close()
		}
	}
	l.main, l.errs, l.remote = nil, nil, nil
	return nil
}

func (l *Log) write(f *os.File, level, msg string) {
	if f == nil {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(f, "[%s] [%s] %s\n", ts, level, msg)
}

// Infof logs an informational message.
func (l *Log) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(l.main, "INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning.
func (l *Log) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(l.main, "WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error to both the main and the error log.
func (l *Log) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.write(l.main, "ERROR", msg)
	l.write(l.errs, "ERROR", msg)
}

// RemoteLine records one line of remote output tagged with the owning
// alias and script.
func (l *Log) RemoteLine(alias, script, line string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(l.remote, "[%s] [%s] [%s] %s\n", ts, alias, script, line)
}
