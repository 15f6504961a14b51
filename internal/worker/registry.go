package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dutlab/hilrun/internal/plan"
)

// Env is what a workload gets to work with: its private results directory,
// a logger wired into the event stream, the raw line sink, and, for
// stability workloads, the plan and the shared completed-loop counter.
type Env struct {
	ReportDir string
	Logger    *slog.Logger
	Output    io.Writer
	Plan      plan.Plan
	Store     plan.BudgetStore
}

// Workload executes one unit of work and returns its exit code; 0 means
// success. Workloads own their pass/fail semantics.
type Workload func(ctx context.Context, env Env) int

// Registry maps workload identifiers to their implementations. Identifiers
// not present here fall back to exec-style workloads from configuration.
type Registry struct {
	workloads map[string]Workload
}

func NewRegistry() *Registry {
	return &Registry{workloads: make(map[string]Workload)}
}

func (r *Registry) Register(id string, w Workload) error {
	if _, ok := r.workloads[id]; ok {
		return fmt.Errorf("workload %q already registered", id)
	}
	r.workloads[id] = w
	return nil
}

func (r *Registry) Lookup(id string) (Workload, bool) {
	w, ok := r.workloads[id]
	return w, ok
}

// IsStability reports whether a workload identifier names a stability-style
// workload. The convention is a "stability" segment anywhere in the
// slash-separated identifier path.
func IsStability(id string) bool {
	for _, seg := range strings.Split(id, "/") {
		if strings.EqualFold(seg, "stability") {
			return true
		}
	}
	return false
}
