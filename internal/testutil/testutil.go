// Package testutil provides shared test helpers and fixture writers.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/session"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteSession saves cfg to dir/name; the extension picks JSON or YAML.
func WriteSession(t testing.TB, dir, name string, cfg session.Config) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save session %s: %v", path, err)
	}
	return path
}

// WriteCaptureConfig marshals the given settings as a harness config file.
func WriteCaptureConfig(t testing.TB, dir string, settings map[string]any) string {
	t.Helper()
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		t.Fatalf("marshal capture config: %v", err)
	}
	return WriteFile(t, dir, "capture.json", string(data))
}

// LogRecorder collects lines logged through monitoring.Logf.
type LogRecorder struct {
	mu    sync.Mutex
	lines []string
}

// RecordLogs redirects monitoring.Logf into a LogRecorder until the test ends.
func RecordLogs(t testing.TB) *LogRecorder {
	t.Helper()
	r := &LogRecorder{}
	monitoring.SetLogger(func(format string, v ...interface{}) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lines = append(r.lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return r
}

// Lines returns a copy of the recorded lines.
func (r *LogRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Count returns how many lines contain substr.
func (r *LogRecorder) Count(substr string) int {
	n := 0
	for _, l := range r.Lines() {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}
