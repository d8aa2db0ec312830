// Package prompt builds a session configuration interactively when no
// session file is given on the command line.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/sim-capture/internal/session"
)

// ErrCancelled is returned when the operator quits or input ends.
var ErrCancelled = errors.New("session prompt cancelled")

// SessionPrompt asks the operator for a session. The result is not validated.
type SessionPrompt interface {
	PromptSession(ctx context.Context, defaults session.Config) (*session.Config, error)
}

// TerminalPrompt is a line-oriented SessionPrompt over a reader and writer.
type TerminalPrompt struct {
	in  *bufio.Reader
	out io.Writer

	// Load reads a session file, session.Load when nil.
	Load func(path string) (session.Config, error)
}

// NewTerminalPrompt returns a prompt reading answers from in and writing questions to out.
func NewTerminalPrompt(in io.Reader, out io.Writer) *TerminalPrompt {
	return &TerminalPrompt{in: bufio.NewReader(in), out: out}
}

// PromptSession offers to load a file or edit the defaults field by field.
func (p *TerminalPrompt) PromptSession(ctx context.Context, defaults session.Config) (*session.Config, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		choice, err := p.ask("Session source: [f]ile, [e]dit defaults, [q]uit", "e")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(choice) {
		case "f", "file":
			cfg, err := p.fromFile()
			if errors.Is(err, ErrCancelled) {
				return nil, err
			}
			if err != nil {
				fmt.Fprintf(p.out, "could not load session: %v\n", err)
				continue
			}
			return &cfg, nil
		case "e", "edit":
			cfg, err := p.edit(ctx, defaults.Clone())
			if err != nil {
				return nil, err
			}
			return &cfg, nil
		case "q", "quit":
			return nil, ErrCancelled
		default:
			fmt.Fprintf(p.out, "unknown choice %q\n", choice)
		}
	}
}

func (p *TerminalPrompt) fromFile() (session.Config, error) {
	path, err := p.ask("Session file", "")
	if err != nil {
		return session.Config{}, err
	}
	if path == "" {
		return session.Config{}, errors.New("no path given")
	}
	load := p.Load
	if load == nil {
		load = session.Load
	}
	return load(path)
}

func (p *TerminalPrompt) edit(ctx context.Context, cfg session.Config) (session.Config, error) {
	text := []struct {
		label string
		field *string
	}{
		{"Scenario", &cfg.Scenario},
		{"Map", &cfg.Map},
		{"Vehicle name", &cfg.Vehicle.Name},
		{"Vehicle model", &cfg.Vehicle.Model},
		{"Weather preset", &cfg.Weather},
		{"Time of day (HH:mm:ss)", &cfg.Time},
	}
	for _, f := range text {
		if err := ctx.Err(); err != nil {
			return cfg, err
		}
		v, err := p.ask(f.label, *f.field)
		if err != nil {
			return cfg, err
		}
		*f.field = v
	}

	var err error
	if cfg.NumAITrafficVehicles, err = p.askInt("AI traffic vehicles", cfg.NumAITrafficVehicles); err != nil {
		return cfg, err
	}
	if cfg.DurationS, err = p.askFloat("Duration (s)", cfg.DurationS); err != nil {
		return cfg, err
	}
	if cfg.CaptureFreqHz, err = p.askFloat("Capture frequency (Hz)", cfg.CaptureFreqHz); err != nil {
		return cfg, err
	}
	if cfg.StartingWaypoint, err = p.ask("Starting waypoint", cfg.StartingWaypoint); err != nil {
		return cfg, err
	}
	if err := ctx.Err(); err != nil {
		return cfg, err
	}
	if cfg.Cameras, err = p.cameras(cfg.Cameras); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (p *TerminalPrompt) cameras(current []session.CameraConfig) ([]session.CameraConfig, error) {
	names := make([]string, len(current))
	for i, c := range current {
		names[i] = c.Name
	}
	keep, err := p.askBool(fmt.Sprintf("Keep cameras [%s]", strings.Join(names, ", ")), true)
	if err != nil {
		return nil, err
	}
	cams := current
	if !keep {
		cams = nil
	}
	for {
		more, err := p.askBool("Add a camera", len(cams) == 0)
		if err != nil {
			return nil, err
		}
		if !more {
			return cams, nil
		}
		cam, err := p.camera(session.DefaultCamera(), len(cams))
		if err != nil {
			return nil, err
		}
		cams = append(cams, cam)
	}
}

func (p *TerminalPrompt) camera(cam session.CameraConfig, n int) (session.CameraConfig, error) {
	var err error
	if n > 0 {
		cam.Name = fmt.Sprintf("camera_%d", n+1)
	}
	if cam.Name, err = p.ask("  Name", cam.Name); err != nil {
		return cam, err
	}
	if cam.Resolution, err = p.askResolution("  Resolution (WxH)", cam.Resolution); err != nil {
		return cam, err
	}
	if cam.FovY, err = p.askInt("  Vertical FOV (deg)", cam.FovY); err != nil {
		return cam, err
	}
	if cam.IsRenderColours, err = p.askBool("  Render colour", cam.IsRenderColours); err != nil {
		return cam, err
	}
	if cam.IsRenderAnnotations, err = p.askBool("  Render annotations", cam.IsRenderAnnotations); err != nil {
		return cam, err
	}
	if cam.IsRenderDepth, err = p.askBool("  Render depth", cam.IsRenderDepth); err != nil {
		return cam, err
	}
	return cam, nil
}

// ask prints label with its default and returns the trimmed answer, or def on an empty line.
func (p *TerminalPrompt) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		if line == "" {
			fmt.Fprintln(p.out)
			return "", ErrCancelled
		}
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (p *TerminalPrompt) askInt(label string, def int) (int, error) {
	for {
		s, err := p.ask(label, strconv.Itoa(def))
		if err != nil {
			return def, err
		}
		v, err := strconv.Atoi(s)
		if err == nil {
			return v, nil
		}
		fmt.Fprintf(p.out, "%q is not a whole number\n", s)
	}
}

func (p *TerminalPrompt) askFloat(label string, def float64) (float64, error) {
	for {
		s, err := p.ask(label, strconv.FormatFloat(def, 'g', -1, 64))
		if err != nil {
			return def, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return v, nil
		}
		fmt.Fprintf(p.out, "%q is not a number\n", s)
	}
}

func (p *TerminalPrompt) askBool(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		s, err := p.ask(label+" ("+hint+")", "")
		if err != nil {
			return def, err
		}
		switch strings.ToLower(s) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintf(p.out, "answer y or n\n")
	}
}

func (p *TerminalPrompt) askResolution(label string, def [2]int) ([2]int, error) {
	for {
		s, err := p.ask(label, fmt.Sprintf("%dx%d", def[0], def[1]))
		if err != nil {
			return def, err
		}
		w, h, ok := strings.Cut(strings.ToLower(s), "x")
		if ok {
			wi, werr := strconv.Atoi(strings.TrimSpace(w))
			hi, herr := strconv.Atoi(strings.TrimSpace(h))
			if werr == nil && herr == nil {
				return [2]int{wi, hi}, nil
			}
		}
		fmt.Fprintf(p.out, "%q is not WIDTHxHEIGHT\n", s)
	}
}
