package stability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dutlab/hilrun/internal/model"
	"github.com/dutlab/hilrun/internal/plan"
)

type EventKind string

const (
	KindPlanStarted        EventKind = "plan_started"
	KindIterationStarted   EventKind = "iteration_started"
	KindIterationSucceeded EventKind = "iteration_succeeded"
	KindIterationFailed    EventKind = "iteration_failed"
	KindSummary            EventKind = "summary"
)

// Event is one lifecycle notification of a stability run. Iteration and
// ExitCode are meaningful for the iteration kinds, Summary only for
// KindSummary.
type Event struct {
	Kind      EventKind
	Iteration int
	ExitCode  int
	Summary   *Summary
}

// Summary is returned once per run, whatever ends it.
type Summary struct {
	ExitCode       int
	TotalRuns      int
	PassedRuns     int
	StopReason     string
	ElapsedSeconds float64
}

const (
	ReasonCompleted = "completed requested loops"
	ReasonDuration  = "reached duration limit"
	ReasonStopped   = "stopped on request"
)

func failureReason(code int) string {
	return fmt.Sprintf("stopped after failure (exit code %d)", code)
}

// Hooks are the collaborators a run is driven through. RunWorkload and Emit
// are required; PrepareEnv and Progress may be nil.
type Hooks struct {
	// RunWorkload executes the workload once and returns its exit code.
	RunWorkload func() int
	// PrepareEnv runs before each iteration in duration and limit mode.
	PrepareEnv func()
	// Emit receives every lifecycle event, the summary included.
	Emit func(Event)
	// Progress receives a 0..100 percentage when one can be computed.
	Progress func(percent int)
	// Store is the durable completed-loop counter shared with the workload.
	Store plan.BudgetStore
}

// Run drives the plan to completion and returns its summary. The summary
// event is emitted exactly once on every exit path, and any environment key
// the run mutates is restored before it returns.
func Run(ctx context.Context, p plan.Plan, h Hooks, logger *slog.Logger) (s Summary) {
	start := time.Now()
	defer func() {
		s.ElapsedSeconds = time.Since(start).Seconds()
		h.Emit(Event{Kind: KindSummary, Summary: &s})
	}()

	if err := h.Store.Reset(); err != nil {
		logger.Error("resetting completed-loop counter", "err", err)
	}
	h.Emit(Event{Kind: KindPlanStarted})

	if p.Mode == model.PlanModeLoops {
		return runLoops(p, h, logger)
	}
	return runRepeated(ctx, p, h, logger)
}

// runLoops delegates the whole budget to a single workload invocation. The
// workload consumes the loop iterator itself and advances the shared counter;
// the runner reads the counter back for its totals.
func runLoops(p plan.Plan, h Hooks, logger *slog.Logger) Summary {
	requested := plan.RequestedLoops(p, logger)

	prev, had := os.LookupEnv(plan.LoopsOverrideEnv)
	os.Setenv(plan.LoopsOverrideEnv, strconv.Itoa(requested))
	defer func() {
		if had {
			os.Setenv(plan.LoopsOverrideEnv, prev)
		} else {
			os.Unsetenv(plan.LoopsOverrideEnv)
		}
	}()

	code := h.RunWorkload()

	completed, err := h.Store.Get()
	if err != nil {
		logger.Error("reading completed-loop counter", "err", err)
	}
	if completed > requested {
		completed = requested
	}
	if h.Progress != nil && requested > 0 {
		h.Progress(completed * 100 / requested)
	}

	s := Summary{ExitCode: code, PassedRuns: completed}
	if code == 0 {
		s.TotalRuns = requested
		s.StopReason = ReasonCompleted
	} else {
		s.TotalRuns = min(completed+1, requested)
		s.StopReason = failureReason(code)
	}
	return s
}

// runRepeated walks the iterator itself, one workload invocation per
// iteration, for duration and limit plans.
func runRepeated(ctx context.Context, p plan.Plan, h Hooks, logger *slog.Logger) Summary {
	s := Summary{StopReason: ReasonDuration}
	if p.Mode == model.PlanModeLimit {
		s.StopReason = ReasonStopped
	}

	for it := range plan.Iterate(ctx, p, h.Store, logger) {
		if ctx.Err() != nil {
			s.StopReason = ReasonStopped
			break
		}
		if h.PrepareEnv != nil {
			h.PrepareEnv()
		}
		h.Emit(Event{Kind: KindIterationStarted, Iteration: it.Index})

		code := h.RunWorkload()
		s.TotalRuns++

		if code == 0 {
			s.PassedRuns++
			h.Emit(Event{Kind: KindIterationSucceeded, Iteration: it.Index})
			if err := it.Report(true); err != nil {
				logger.Error("recording completed iteration", "iteration", it.Index, "err", err)
			}
			continue
		}

		s.ExitCode = code
		s.StopReason = failureReason(code)
		h.Emit(Event{Kind: KindIterationFailed, Iteration: it.Index, ExitCode: code})
		if err := it.Report(false); err != nil {
			logger.Error("recording failed iteration", "iteration", it.Index, "err", err)
		}
		break
	}

	if ctx.Err() != nil && s.ExitCode == 0 {
		s.StopReason = ReasonStopped
	}
	return s
}
