package plan

import (
	"context"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dutlab/hilrun/internal/model"
)

// LoopsOverrideEnv overrides the configured loop count for one worker
// process. It may raise or lower the count and always wins when set.
const LoopsOverrideEnv = "HILRUN_STABILITY_LOOPS"

// Iteration is one yielded step of a plan. Report marks the iteration done;
// it is idempotent per iteration and, on success, advances the durable
// counter to max(previous, Index).
type Iteration struct {
	Index  int
	Budget Budget

	report func(success bool) error
}

func (it Iteration) Report(success bool) error {
	return it.report(success)
}

// Iterate yields iterations of the plan until its budget is exhausted, the
// consumer breaks out, or ctx is cancelled. Whatever ends the sequence, the
// durable counter is flushed one final time with its last value so a
// restarted caller reads a consistent number.
func Iterate(ctx context.Context, p Plan, store BudgetStore, logger *slog.Logger) iter.Seq[Iteration] {
	return func(yield func(Iteration) bool) {
		completed := 0
		defer func() {
			if err := store.Set(completed); err != nil {
				logger.Error("flushing completed-loop counter", "err", err)
			}
		}()

		next := func(index int, budget Budget) Iteration {
			reported := false
			return Iteration{
				Index:  index,
				Budget: budget,
				report: func(success bool) error {
					if reported {
						return nil
					}
					reported = true
					if !success {
						return nil
					}
					if index > completed {
						completed = index
					}
					return store.Set(completed)
				},
			}
		}

		switch p.Mode {
		case model.PlanModeDuration:
			deadline := time.Now().Add(time.Duration(p.DurationHours * float64(time.Hour)))
			for index := 1; ; index++ {
				remaining := int(max(time.Until(deadline), 0).Seconds())
				budget := Budget{RemainingSeconds: &remaining}
				if !yield(next(index, budget)) {
					return
				}
				// At least one iteration runs even with an elapsed
				// deadline; the check happens after the first yield.
				if !time.Now().Before(deadline) {
					return
				}
				if ctx.Err() != nil {
					return
				}
			}

		case model.PlanModeLimit:
			for index := 1; ; index++ {
				if !yield(next(index, Budget{})) {
					return
				}
				if ctx.Err() != nil {
					return
				}
			}

		default: // loops
			total := loopTotal(p, logger)
			for index := 1; index <= total; index++ {
				remaining := total - index
				budget := Budget{TotalLoops: &total, RemainingLoops: &remaining}
				if !yield(next(index, budget)) {
					return
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// RequestedLoops reports the effective loop count of a loops-mode plan,
// honoring the environment override the same way Iterate does.
func RequestedLoops(p Plan, logger *slog.Logger) int {
	return loopTotal(p, logger)
}

func loopTotal(p Plan, logger *slog.Logger) int {
	total := p.Loops
	if raw := os.Getenv(LoopsOverrideEnv); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			logger.Warn("ignoring invalid loop override", "env", LoopsOverrideEnv, "value", raw)
		} else {
			logger.Info("loop count overridden", "env", LoopsOverrideEnv, "loops", v)
			total = v
		}
	}
	return max(total, 1)
}
