package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/prompt"
	"github.com/banshee-data/sim-capture/internal/report"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
	"github.com/banshee-data/sim-capture/internal/testutil"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

type harness struct {
	env    *env
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	sim    *simulator.TestableSimulator
	dials  int
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testutil.RecordLogs(t)
	dir := t.TempDir()
	h := &harness{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		sim:    simulator.NewTestableSimulator(),
		dir:    dir,
	}
	h.config = testutil.WriteCaptureConfig(t, dir, map[string]any{
		"launch_simulator": false,
		"force_capture":    true,
		"output_root":      filepath.Join(dir, "out"),
		"catalogue_path":   filepath.Join(dir, "catalogue.db"),
	})
	h.env = &env{
		stdin:  strings.NewReader(""),
		stdout: h.stdout,
		stderr: h.stderr,
		dial: func(context.Context, simulator.Options) (simulator.Simulator, error) {
			h.dials++
			return h.sim, nil
		},
		clock: timeutil.NewMockClock(time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)),
	}
	return h
}

func (h *harness) run(args ...string) int {
	return run(context.Background(), args, h.env)
}

func (h *harness) sessionDirs(t *testing.T) []string {
	t.Helper()
	dirs, err := filepath.Glob(filepath.Join(h.dir, "out", "*", "*"))
	require.NoError(t, err)
	return dirs
}

func shortSession() session.Config {
	cfg := session.Default()
	cfg.DurationS = 1
	return cfg
}

func TestNoArgumentsPrintsUsage(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run())
	assert.Contains(t, h.stderr.String(), "Usage: simcapture")
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run("record"))
	assert.Contains(t, h.stderr.String(), `unknown command "record"`)
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitOK, h.run("version"))
	assert.True(t, strings.HasPrefix(h.stdout.String(), "simcapture "))
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	good := testutil.WriteSession(t, h.dir, "good.yaml", shortSession())

	assert.Equal(t, exitOK, h.run("validate", "-config", h.config, "-session", good))
	assert.Contains(t, h.stdout.String(), "ok, 5 frames every 200ms")

	bad := shortSession()
	bad.CaptureFreqHz = 61
	badPath := testutil.WriteSession(t, h.dir, "bad.json", bad)
	assert.Equal(t, exitConfig, h.run("validate", "-config", h.config, "-session", badPath))
	assert.Contains(t, h.stderr.String(), "configuration error")

	assert.Equal(t, exitConfig, h.run("validate", "-config", h.config))
}

func TestRunCapturesSession(t *testing.T) {
	h := newHarness(t)
	path := testutil.WriteSession(t, h.dir, "session.json", shortSession())

	code := h.run("run", "-config", h.config, "-session", path, "-report")
	require.Equal(t, exitOK, code, h.stderr.String())
	assert.Equal(t, 1, h.dials)
	assert.Equal(t, 1, h.sim.CloseCount())
	assert.Contains(t, h.stdout.String(), "DONE: 5/5 frames (forced)")
	assert.Contains(t, h.stdout.String(), "report: ")

	dirs := h.sessionDirs(t)
	require.Len(t, dirs, 1)
	s, err := dataset.ReadSession(nil, dirs[0])
	require.NoError(t, err)
	require.NotNil(t, s.Summary)
	assert.Equal(t, "DONE", s.Summary.State)
	assert.Len(t, s.Frames, 5)
	for _, name := range []string{report.ChartFile, report.PlotFile, "log.txt"} {
		_, err := os.Stat(filepath.Join(dirs[0], name))
		assert.NoError(t, err, name)
	}

	h.stdout.Reset()
	require.Equal(t, exitOK, h.run("sessions", "-config", h.config))
	out := h.stdout.String()
	assert.Contains(t, out, "STARTED")
	assert.Contains(t, out, "DONE")
	assert.Contains(t, out, "5/5")
}

func TestRunLayoutFlag(t *testing.T) {
	h := newHarness(t)
	path := testutil.WriteSession(t, h.dir, "session.json", shortSession())

	require.Equal(t, exitOK, h.run("run", "-config", h.config, "-session", path, "-layout", "flat", "-no-catalogue"))
	dirs := h.sessionDirs(t)
	require.Len(t, dirs, 1)
	_, err := os.Stat(filepath.Join(dirs[0], dataset.FramesMetadataFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.dir, "catalogue.db"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.Equal(t, exitConfig, h.run("run", "-config", h.config, "-session", path, "-layout", "nested"))
}

func TestRunInvalidSessionNeverDials(t *testing.T) {
	h := newHarness(t)
	cfg := shortSession()
	cfg.CaptureFreqHz = 61
	path := testutil.WriteSession(t, h.dir, "session.json", cfg)

	assert.Equal(t, exitConfig, h.run("run", "-config", h.config, "-session", path))
	assert.Zero(t, h.dials)
	assert.Empty(t, h.sessionDirs(t))
}

func TestRunSessionAndDefaultsConflict(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, exitConfig, h.run("run", "-config", h.config, "-session", "x.json", "-defaults"))
	assert.Zero(t, h.dials)
}

func TestRunDialFailureFinishesSession(t *testing.T) {
	h := newHarness(t)
	h.env.dial = func(context.Context, simulator.Options) (simulator.Simulator, error) {
		return nil, errors.New("connection refused")
	}

	assert.Equal(t, exitFailure, h.run("run", "-config", h.config, "-defaults", "-no-catalogue"))
	dirs := h.sessionDirs(t)
	require.Len(t, dirs, 1)

	data, err := os.ReadFile(filepath.Join(dirs[0], dataset.SessionSummaryFile))
	require.NoError(t, err)
	var s dataset.Summary
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "ABORTED", s.State)
	assert.Equal(t, "connection_lost", s.Reason)
	assert.Contains(t, s.Error, "connection refused")
}

func TestRunConnectionLostExitCode(t *testing.T) {
	h := newHarness(t)
	h.sim.Errors = map[string]error{"Step": simulator.ErrConnectionReset}

	assert.Equal(t, exitFailure, h.run("run", "-config", h.config, "-defaults", "-no-catalogue"))
	assert.Equal(t, 1, h.sim.CloseCount())
	assert.Contains(t, h.stdout.String(), "ABORTED")
	assert.Contains(t, h.stderr.String(), "connection_lost")
}

type stubPrompt struct {
	cfg *session.Config
	err error
}

func (p stubPrompt) PromptSession(context.Context, session.Config) (*session.Config, error) {
	return p.cfg, p.err
}

func TestRunUsesPromptWithoutSessionFlag(t *testing.T) {
	h := newHarness(t)
	cfg := shortSession()
	h.env.prompt = stubPrompt{cfg: &cfg}
	assert.Equal(t, exitOK, h.run("run", "-config", h.config, "-no-catalogue"))
	assert.Equal(t, 1, h.dials)

	h.env.prompt = stubPrompt{err: prompt.ErrCancelled}
	assert.Equal(t, exitConfig, h.run("run", "-config", h.config, "-no-catalogue"))
	assert.Equal(t, 1, h.dials)
}

func TestReportCommand(t *testing.T) {
	h := newHarness(t)
	path := testutil.WriteSession(t, h.dir, "session.json", shortSession())
	require.Equal(t, exitOK, h.run("run", "-config", h.config, "-session", path, "-no-catalogue"))
	dirs := h.sessionDirs(t)
	require.Len(t, dirs, 1)

	h.stdout.Reset()
	require.Equal(t, exitOK, h.run("report", "-session", dirs[0]))
	assert.Contains(t, h.stdout.String(), "5 frames, period 0.200s")
	assert.Contains(t, h.stdout.String(), "chart: ")

	assert.Equal(t, exitConfig, h.run("report"))
}

func TestMigrateCommand(t *testing.T) {
	h := newHarness(t)
	catalogue := filepath.Join(h.dir, "migrate.db")

	require.Equal(t, exitOK, h.run("migrate", "-catalogue", catalogue, "up"))
	assert.Contains(t, h.stdout.String(), "All migrations applied")

	h.stdout.Reset()
	require.Equal(t, exitOK, h.run("migrate", "-catalogue", catalogue, "status"))
	assert.Contains(t, h.stdout.String(), "Current version: 3")

	assert.Equal(t, exitConfig, h.run("migrate", "-catalogue", catalogue))
}

func TestSessionsEmptyCatalogue(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, exitOK, h.run("sessions", "-catalogue", filepath.Join(h.dir, "empty.db")))
	assert.Equal(t, "no sessions\n", h.stdout.String())
}
