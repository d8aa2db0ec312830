package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/sim-capture/internal/capture"
	"github.com/banshee-data/sim-capture/internal/config"
	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/db"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/prompt"
	"github.com/banshee-data/sim-capture/internal/report"
	"github.com/banshee-data/sim-capture/internal/scenario"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
)

func runCapture(ctx context.Context, args []string, e *env) int {
	fs := newFlagSet("run", e)
	configPath := fs.String("config", "", "harness settings JSON (default "+config.DefaultConfigPath+" when present)")
	sessionPath := fs.String("session", "", "session file (.json, .yaml)")
	useDefaults := fs.Bool("defaults", false, "use the built-in default session")
	output := fs.String("output", "", "output root, overrides output_root")
	layout := fs.String("layout", "", "dataset layout: frame_dirs or flat")
	noCatalogue := fs.Bool("no-catalogue", false, "do not record the session in the catalogue")
	withReport := fs.Bool("report", false, "write the timing report after capture")
	if err := parseFlags(fs, args); err != nil {
		return exitCode(e, err)
	}

	cc, err := loadCaptureConfig(*configPath)
	if err != nil {
		return exitCode(e, err)
	}
	cfg, err := loadSession(ctx, e, *sessionPath, *useDefaults)
	if err != nil {
		return exitCode(e, err)
	}

	simCtx := simulationContext(cc)
	opts := capture.OptionsFromConfig(cc)
	if err := cfg.Validate(simCtx.Rules()); err != nil {
		return exitCode(e, configError(err))
	}
	plan, err := capture.NewPlan(cfg, simCtx, opts)
	if err != nil {
		return exitCode(e, configError(err))
	}

	var indexer dataset.Indexer
	if !*noCatalogue && !cc.GetCatalogueDisable() {
		cat, err := db.OpenCatalogue(cc.GetCataloguePath())
		if err != nil {
			monitoring.Warnf("catalogue unavailable, continuing without it: %v", err)
		} else {
			defer cat.Close()
			indexer = cat
		}
	}

	root := cc.GetOutputRoot()
	if *output != "" {
		root = *output
	}
	if *layout == "" {
		*layout = cc.GetLayout()
	}
	if _, err := dataset.LayoutByName(*layout); err != nil {
		return exitCode(e, configError(err))
	}
	w, err := dataset.Create(ctx, dataset.Options{
		OutputRoot:  root,
		Prefix:      cc.GetSessionPrefix(),
		Layout:      *layout,
		DepthFormat: cc.GetDepthFormat(),
		Clock:       e.clock,
		Indexer:     indexer,
	}, cfg)
	if err != nil {
		return exitCode(e, fmt.Errorf("create session directory: %w", err))
	}
	if sessionLog, err := monitoring.OpenSessionLog(w.Dir()); err != nil {
		monitoring.Warnf("session log: %v", err)
	} else {
		defer sessionLog.Close()
	}
	monitoring.Logf("session %s writing to %s", w.SessionID(), w.Dir())

	sim, err := e.dial(ctx, simulator.Options{
		Host:           cc.GetSimulatorHost(),
		Port:           cc.GetSimulatorPort(),
		Home:           cc.GetSimulatorHome(),
		Launch:         cc.GetLaunchSimulator(),
		ConnectTimeout: cc.GetConnectTimeout(),
	})
	if err != nil {
		res := capture.RunResult{State: capture.StateAborted, Reason: capture.Classify(ctx, err), Err: err, Plan: plan}
		if res.Reason == capture.ReasonUnexpected {
			res.Reason = capture.ReasonConnectionLost
		}
		if ferr := w.Finish(ctx, res.Summary()); ferr != nil {
			monitoring.Warnf("finish session: %v", ferr)
		}
		return exitCode(e, fmt.Errorf("connect to simulator: %w", err))
	}

	res := capture.RunSession(ctx, capture.Session{
		Config:  cfg,
		Sim:     sim,
		Context: simCtx,
		Setup: scenario.Options{
			IMUName:            cc.GetIMUName(),
			WeatherTransitionS: cc.GetWeatherTransitionS(),
			RandomWaypoint:     cc.GetRandomWaypoint(),
		},
		Options: opts,
		Sink:    w,
		Clock:   e.clock,
		OnState: func(st capture.State) { monitoring.Logf("scheduler: %s", st) },
	})
	printResult(e, w.Dir(), res)

	if *withReport && res.FramesCaptured > 1 {
		if r, err := report.Generate(nil, w.Dir()); err != nil {
			monitoring.Warnf("timing report: %v", err)
		} else {
			fmt.Fprintf(e.stdout, "report: %s\n", r.Chart)
		}
	}
	return resultCode(res)
}

func loadSession(ctx context.Context, e *env, path string, useDefaults bool) (session.Config, error) {
	switch {
	case path != "" && useDefaults:
		return session.Config{}, configError(errors.New("-session and -defaults are mutually exclusive"))
	case path != "":
		cfg, err := session.Load(path)
		if err != nil {
			return cfg, configError(err)
		}
		return cfg, nil
	case useDefaults:
		return session.Default(), nil
	}
	p := e.prompt
	if p == nil {
		p = prompt.NewTerminalPrompt(e.stdin, e.stdout)
	}
	cfg, err := p.PromptSession(ctx, session.Default())
	if err != nil {
		if errors.Is(err, prompt.ErrCancelled) {
			return session.Config{}, configError(err)
		}
		return session.Config{}, err
	}
	return *cfg, nil
}

// simulationContext gathers what the running simulator would report about
// itself. A missing preset list only disables the weather name check.
func simulationContext(cc *config.CaptureConfig) *scenario.SimulationContext {
	var presets []string
	if path := cc.GetWeatherPresetsPath(); path != "" {
		p, err := simulator.LoadWeatherPresets(path)
		if err != nil {
			monitoring.Warnf("weather presets unavailable: %v", err)
		} else {
			presets = p
		}
	}
	return scenario.NewSimulationContext(cc.GetStepsPerSecond(), presets, cc.GetSupportedModels(), cc.GetRandomSeed())
}

func printResult(e *env, dir string, res capture.RunResult) {
	fmt.Fprintf(e.stdout, "%s: %d/%d frames (%s) in %s\n",
		res.State, res.FramesCaptured, res.Plan.NumFrames, res.Plan.Mode(), dir)
	if res.RateViolations+res.Stalls+res.SaveFailures > 0 {
		fmt.Fprintf(e.stdout, "  rate violations %d, stalls %d, save failures %d\n",
			res.RateViolations, res.Stalls, res.SaveFailures)
	}
	if res.Err != nil {
		fmt.Fprintf(e.stderr, "error (%s): %v\n", res.Reason, res.Err)
	}
}

func resultCode(res capture.RunResult) int {
	if res.State == capture.StateDone {
		return exitOK
	}
	switch res.Reason {
	case capture.ReasonConfig:
		return exitConfig
	case capture.ReasonInterrupted:
		return exitInterrupted
	}
	return exitFailure
}
