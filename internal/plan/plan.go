package plan

import (
	"fmt"
	"log/slog"

	"github.com/dutlab/hilrun/internal/model"
)

// Plan is the immutable description of how many times, or for how long, a
// workload is repeated. A single bounded run does not use a Plan at all.
type Plan struct {
	Mode          string
	Loops         int
	DurationHours float64
	ExitFirst     bool

	// RetryLimit is carried from configuration for forward compatibility.
	// No component consumes it yet; failures stop the run immediately.
	RetryLimit int
}

const maxDurationHours = 24

// Normalize builds a Plan from validated configuration. When both a positive
// loop count and a positive duration are configured, loops mode wins and the
// duration is discarded with a warning.
func Normalize(st *model.Stability, logger *slog.Logger) (Plan, error) {
	if st == nil {
		return Plan{Mode: model.PlanModeLoops, Loops: 1}, nil
	}

	p := Plan{Mode: st.Mode}
	if st.Loops != nil {
		p.Loops = *st.Loops
	}
	if st.ExitFirst != nil {
		p.ExitFirst = *st.ExitFirst
	}
	if st.RetryLimit != nil {
		p.RetryLimit = *st.RetryLimit
	}
	if st.Duration != nil {
		d, err := model.ParseRunDuration(*st.Duration)
		if err != nil {
			return Plan{}, fmt.Errorf("stability duration: %w", err)
		}
		p.DurationHours = d.Hours()
	}

	if st.Loops != nil && p.DurationHours > 0 {
		logger.Warn("both loops and duration configured, using loops",
			"loops", p.Loops, "duration_hours", p.DurationHours)
		p.Mode = model.PlanModeLoops
		p.DurationHours = 0
	}

	switch p.Mode {
	case model.PlanModeLoops:
		if p.Loops < 1 {
			p.Loops = 1
		}
	case model.PlanModeDuration:
		if p.DurationHours <= 0 {
			return Plan{}, fmt.Errorf("duration mode requires a positive duration")
		}
		if p.DurationHours > maxDurationHours {
			logger.Warn("duration capped", "duration_hours", p.DurationHours, "cap_hours", maxDurationHours)
			p.DurationHours = maxDurationHours
		}
	case model.PlanModeLimit:
		// unbounded, stopped externally
	default:
		return Plan{}, fmt.Errorf("unknown stability mode %q", p.Mode)
	}
	return p, nil
}

// Budget is the remaining-iterations/remaining-time snapshot recomputed for
// each iteration. Fields that do not apply to the plan's mode are nil.
type Budget struct {
	TotalLoops       *int
	RemainingLoops   *int
	RemainingSeconds *int
}
