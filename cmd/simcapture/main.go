// Command simcapture drives a vehicle simulator through a scripted scenario
// and records camera, vehicle and IMU data into a session directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/sim-capture/internal/config"
	"github.com/banshee-data/sim-capture/internal/prompt"
	"github.com/banshee-data/sim-capture/internal/simulator"
	"github.com/banshee-data/sim-capture/internal/timeutil"
	"github.com/banshee-data/sim-capture/internal/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

// errConfig marks failures that are the operator's input rather than the run.
var errConfig = errors.New("configuration error")

func configError(err error) error {
	return fmt.Errorf("%w: %w", errConfig, err)
}

// env holds the process seams so commands can run against fakes.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	dial   func(ctx context.Context, opts simulator.Options) (simulator.Simulator, error)
	clock  timeutil.Clock
	prompt prompt.SessionPrompt
}

func defaultEnv() *env {
	return &env{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		dial: func(ctx context.Context, opts simulator.Options) (simulator.Simulator, error) {
			return simulator.Dial(ctx, opts)
		},
		clock: timeutil.RealClock{},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultEnv())
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, e *env) int {
	if len(args) == 0 {
		usage(e.stderr)
		return exitConfig
	}
	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		return runCapture(ctx, rest, e)
	case "validate":
		err = runValidate(rest, e)
	case "report":
		err = runReport(rest, e)
	case "sessions":
		err = runSessions(ctx, rest, e)
	case "migrate":
		err = runMigrate(rest, e)
	case "version":
		fmt.Fprintln(e.stdout, version.String())
	case "help", "-h", "--help":
		usage(e.stdout)
	default:
		fmt.Fprintf(e.stderr, "unknown command %q\n\n", cmd)
		usage(e.stderr)
		return exitConfig
	}
	return exitCode(e, err)
}

func exitCode(e *env, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errConfig):
		fmt.Fprintf(e.stderr, "error: %v\n", err)
		return exitConfig
	default:
		fmt.Fprintf(e.stderr, "error: %v\n", err)
		return exitFailure
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: simcapture <command> [flags]

Commands:
  run        capture a session (-config f, -session f | -defaults, -output dir, -report)
  validate   check a session file (-session f)
  report     write the timing report of a recorded session (-session dir)
  sessions   list catalogued sessions (-catalogue f)
  migrate    manage the catalogue schema (up, down, status, to N, force N)
  version    print build information
`)
}

// loadCaptureConfig reads path, or the default file when path is empty and it
// exists. With neither, every setting takes its built-in default.
func loadCaptureConfig(path string) (*config.CaptureConfig, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyCaptureConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	cc, err := config.LoadCaptureConfig(path)
	if err != nil {
		return nil, configError(err)
	}
	return cc, nil
}

func newFlagSet(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return configError(err)
	}
	return nil
}
