// Package monitoring holds the process-wide diagnostic logger and the
// per-session log file.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// LogFileName is the log written inside every session directory.
const LogFileName = "log.txt"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs through Logf with a "warning:" prefix.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}

// Errorf logs through Logf with an "error:" prefix.
func Errorf(format string, v ...interface{}) {
	Logf("error: "+format, v...)
}

// SessionLog tees the standard logger into a file for the lifetime of a session.
type SessionLog struct {
	mu     sync.Mutex
	file   *os.File
	prev   io.Writer
	closed bool
}

// OpenSessionLog creates dir/log.txt and redirects the standard logger to
// write to both its current output and the file. Close restores the previous output.
func OpenSessionLog(dir string) (*SessionLog, error) {
	path := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	prev := log.Writer()
	log.SetOutput(io.MultiWriter(prev, f))
	return &SessionLog{file: f, prev: prev}, nil
}

// Path returns the location of the log file.
func (s *SessionLog) Path() string {
	return s.file.Name()
}

// Close restores the logger output and closes the file. Safe to call twice.
func (s *SessionLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	log.SetOutput(s.prev)
	return s.file.Close()
}
