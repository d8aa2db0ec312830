package simulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Launcher starts a local simulator process.
type Launcher interface {
	Launch(ctx context.Context, home string, port int) (Process, error)
}

// Process is a running simulator started by a Launcher.
type Process interface {
	Stop() error
}

// ExecLauncher runs the simulator binary from its install directory.
type ExecLauncher struct {
	// Binary overrides the executable. Relative paths resolve against home.
	Binary string
	Args   []string
}

// DefaultBinary is the executable path relative to the install directory.
var DefaultBinary = filepath.Join("Bin64", "BeamNG.tech.x64.exe")

func (l ExecLauncher) Launch(_ context.Context, home string, port int) (Process, error) {
	bin := l.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(home, bin)
	}
	if _, err := os.Stat(bin); err != nil {
		return nil, fmt.Errorf("simulator binary: %w", err)
	}

	args := append([]string{"-console", "-nosteam", "-tcom-listen-ip", "127.0.0.1", "-tport", strconv.Itoa(port)}, l.Args...)
	cmd := exec.Command(bin, args...)
	cmd.Dir = home
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Stop() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = p.cmd.Wait()
	return nil
}
