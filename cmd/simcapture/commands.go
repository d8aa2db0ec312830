package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/sim-capture/internal/capture"
	"github.com/banshee-data/sim-capture/internal/db"
	"github.com/banshee-data/sim-capture/internal/report"
	"github.com/banshee-data/sim-capture/internal/session"
)

func runValidate(args []string, e *env) error {
	fs := newFlagSet("validate", e)
	configPath := fs.String("config", "", "harness settings JSON")
	sessionPath := fs.String("session", "", "session file (.json, .yaml)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *sessionPath == "" {
		return configError(errors.New("validate needs -session"))
	}
	cc, err := loadCaptureConfig(*configPath)
	if err != nil {
		return err
	}
	cfg, err := session.Load(*sessionPath)
	if err != nil {
		return configError(err)
	}
	simCtx := simulationContext(cc)
	if err := cfg.Validate(simCtx.Rules()); err != nil {
		return configError(err)
	}
	plan, err := capture.NewPlan(cfg, simCtx, capture.OptionsFromConfig(cc))
	if err != nil {
		return configError(err)
	}
	fmt.Fprintf(e.stdout, "%s: ok, %s\n", *sessionPath, plan)
	return nil
}

func runReport(args []string, e *env) error {
	fs := newFlagSet("report", e)
	dir := fs.String("session", "", "recorded session directory")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *dir == "" {
		return configError(errors.New("report needs -session"))
	}
	r, err := report.Generate(nil, *dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, r.Timing)
	fmt.Fprintf(e.stdout, "plot:  %s\nchart: %s\n", r.Plot, r.Chart)
	return nil
}

func cataloguePath(flagValue, configPath string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cc, err := loadCaptureConfig(configPath)
	if err != nil {
		return "", err
	}
	return cc.GetCataloguePath(), nil
}

func runSessions(ctx context.Context, args []string, e *env) error {
	fs := newFlagSet("sessions", e)
	configPath := fs.String("config", "", "harness settings JSON")
	catFlag := fs.String("catalogue", "", "catalogue database, overrides catalogue_path")
	limit := fs.Int("limit", 20, "number of sessions to list, 0 for all")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	path, err := cataloguePath(*catFlag, *configPath)
	if err != nil {
		return err
	}
	cat, err := db.OpenCatalogue(path)
	if err != nil {
		return err
	}
	defer cat.Close()

	rows, err := cat.ListSessions(ctx, *limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(e.stdout, "no sessions")
		return nil
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATE\tFRAMES\tSCENARIO\tMAP\tDIR")
	for _, r := range rows {
		state := r.State
		if r.Reason != "" {
			state += " (" + r.Reason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), state, r.FramesCaptured, r.FramesPlanned, r.Scenario, r.Map, r.Dir)
	}
	return tw.Flush()
}

func runMigrate(args []string, e *env) error {
	fs := newFlagSet("migrate", e)
	configPath := fs.String("config", "", "harness settings JSON")
	catFlag := fs.String("catalogue", "", "catalogue database, overrides catalogue_path")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	path, err := cataloguePath(*catFlag, *configPath)
	if err != nil {
		return err
	}
	if err := db.RunMigrateCommand(fs.Args(), path, e.stdin, e.stdout); err != nil {
		if errors.Is(err, db.ErrUsage) {
			return configError(err)
		}
		return err
	}
	return nil
}
