package capture

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/scenario"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

// Session bundles everything one capture run needs.
type Session struct {
	Config  session.Config
	Sim     simulator.Simulator
	Context *scenario.SimulationContext
	Setup   scenario.Options
	Options Options
	Sink    Sink
	Clock   timeutil.Clock

	// OnState observes scheduler transitions.
	OnState func(State)
}

// RunSession validates, sets up and runs one session. Whatever happens,
// including a panic, the sink is finished and the simulator is closed
// exactly once before it returns.
func RunSession(ctx context.Context, s Session) (res RunResult) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Errorf("capture panic: %v\n%s", r, debug.Stack())
			res.State = StateAborted
			res.Reason = ReasonUnexpected
			res.Err = fmt.Errorf("panic: %v", r)
			safeFinish(ctx, s.Sink, &res)
		}
		if s.Sim != nil {
			if err := s.Sim.Close(); err != nil {
				monitoring.Warnf("close simulator: %v", err)
			}
		}
	}()

	early := func(err error) RunResult {
		res.State = StateAborted
		res.Reason = Classify(ctx, err)
		res.Err = err
		monitoring.Errorf("capture aborted (%s) before the first frame: %v", res.Reason, err)
		finish(ctx, s.Sink, &res)
		return res
	}

	if s.Context == nil {
		return early(fmt.Errorf("%w: missing simulation context", session.ErrInvalidConfig))
	}
	if err := s.Config.Validate(s.Context.Rules()); err != nil {
		return early(err)
	}
	plan, err := NewPlan(s.Config, s.Context, s.Options)
	if err != nil {
		return early(err)
	}
	res.Plan = plan
	if s.Sim == nil {
		return early(fmt.Errorf("%w: no simulator", session.ErrInvalidConfig))
	}

	rig, err := scenario.Setup(ctx, s.Sim, s.Context, s.Config, s.Setup)
	if err != nil {
		return early(err)
	}
	sched, err := NewScheduler(s.Sim, rig, s.Config, plan, s.Options, s.Sink, s.Clock)
	if err != nil {
		return early(err)
	}
	sched.OnState = s.OnState
	return sched.Run(ctx)
}

func safeFinish(ctx context.Context, sink Sink, res *RunResult) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Errorf("finish after panic: %v", r)
		}
	}()
	finish(ctx, sink, res)
}
