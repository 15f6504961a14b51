package worker

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dutlab/hilrun/internal/model"
	"github.com/dutlab/hilrun/internal/plan"
	"github.com/dutlab/hilrun/internal/proto"
)

func intp(v int) *int { return &v }

// planIterations walks the workload's side of the loop budget, the way a
// real stability workload consumes its plan.
func planIterations(env Env) iter.Seq[plan.Iteration] {
	return plan.Iterate(context.Background(), env.Plan, env.Store, env.Logger)
}

func TestIsStability(t *testing.T) {
	t.Parallel()
	require.True(t, IsStability("stability"))
	require.True(t, IsStability("tests/stability/soak"))
	require.True(t, IsStability("tests/Stability"))
	require.False(t, IsStability("tests/throughput"))
	require.False(t, IsStability("stability-adjacent"))
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(context.Context, Env) int { return 0 }))
	require.Error(t, reg.Register("noop", func(context.Context, Env) int { return 0 }))

	_, ok := reg.Lookup("noop")
	require.True(t, ok)
	_, ok = reg.Lookup("other")
	require.False(t, ok)
}

func TestMain_SingleRun(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("smoke", func(_ context.Context, env Env) int {
		fmt.Fprintln(env.Output, "[CASE] test_smoke")
		fmt.Fprintln(env.Output, "[PROGRESS] 1/1")
		env.Logger.Info("all good")
		return 0
	}))

	var wire bytes.Buffer
	code := Main(context.Background(), Params{
		WorkloadID: "smoke",
		ReportBase: t.TempDir(),
		Registry:   reg,
	}, &wire)
	require.Equal(t, 0, code)

	events := decodeAll(t, &wire)
	require.IsType(t, proto.ReportDirEvent{}, events[0])
	reportDir := events[0].(proto.ReportDirEvent).Path
	require.DirExists(t, reportDir)

	var logs []string
	var progress []int
	var auxPath string
	for _, ev := range events[1:] {
		switch ev := ev.(type) {
		case proto.LogEvent:
			logs = append(logs, ev.Text)
		case proto.ProgressEvent:
			progress = append(progress, ev.Percent)
		case proto.AuxLogEvent:
			auxPath = ev.Path
		case proto.ReportDirEvent:
			t.Fatalf("report dir announced twice")
		}
	}
	require.Contains(t, logs, "[CASE] test_smoke")
	require.Contains(t, logs, "[PROGRESS] 1/1")
	require.Equal(t, []int{100}, progress)

	// the slog default was routed into the event stream
	found := false
	for _, l := range logs {
		if strings.Contains(l, "all good") {
			found = true
		}
	}
	require.True(t, found, "slog line missing from event stream: %v", logs)

	// aux log announced last and mirrors the lines
	require.NotEmpty(t, auxPath)
	require.IsType(t, proto.AuxLogEvent{}, events[len(events)-1])
	data, err := os.ReadFile(auxPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "[CASE] test_smoke")
}

func TestMain_WorkloadPanicBecomesLogs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("boom", func(context.Context, Env) int {
		panic("wiring shorted")
	}))

	var wire bytes.Buffer
	code := Main(context.Background(), Params{
		WorkloadID: "boom",
		ReportBase: t.TempDir(),
		Registry:   reg,
	}, &wire)
	require.Equal(t, 1, code)

	var logs []string
	for _, ev := range decodeAll(t, &wire) {
		if l, ok := ev.(proto.LogEvent); ok {
			logs = append(logs, l.Text)
		}
	}
	require.Contains(t, logs, "workload panicked: wiring shorted")
	joined := strings.Join(logs, "\n")
	require.Contains(t, joined, "goroutine", "stack trace missing")
}

func TestMain_UnknownWorkload(t *testing.T) {
	var wire bytes.Buffer
	code := Main(context.Background(), Params{
		WorkloadID: "no-such-thing",
		ReportBase: t.TempDir(),
		Registry:   NewRegistry(),
	}, &wire)
	require.Equal(t, 1, code)
	require.NotEmpty(t, decodeAll(t, &wire))
}

func TestMain_StabilityLoops(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	require.NoError(t, reg.Register("stability/soak", func(_ context.Context, env Env) int {
		// consume the whole budget in one invocation
		for it := range planIterations(env) {
			calls++
			if err := it.Report(true); err != nil {
				return 1
			}
			fmt.Fprintf(env.Output, "[PROGRESS] %d/3\n", it.Index)
		}
		return 0
	}))

	var wire bytes.Buffer
	code := Main(context.Background(), Params{
		WorkloadID: "stability/soak",
		ReportBase: t.TempDir(),
		Stability:  &model.Stability{Mode: model.PlanModeLoops, Loops: intp(3)},
		Registry:   reg,
	}, &wire)
	require.Equal(t, 0, code)
	require.Equal(t, 3, calls)

	var logs []string
	var progress []int
	for _, ev := range decodeAll(t, &wire) {
		switch ev := ev.(type) {
		case proto.LogEvent:
			logs = append(logs, ev.Text)
		case proto.ProgressEvent:
			progress = append(progress, ev.Percent)
		}
	}
	require.Contains(t, logs, "[Stability] plan started")
	require.Contains(t, logs, "[Stability] finished: 3/3 passed, completed requested loops, elapsed 0.0s")
	require.NotEmpty(t, progress)
	require.Equal(t, 100, progress[len(progress)-1])
}

func TestMain_StabilityFailureStops(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("stability/flaky", func(_ context.Context, env Env) int {
		for it := range planIterations(env) {
			if it.Index == 2 {
				return 5
			}
			if err := it.Report(true); err != nil {
				return 1
			}
		}
		return 0
	}))

	var wire bytes.Buffer
	code := Main(context.Background(), Params{
		WorkloadID: "stability/flaky",
		ReportBase: t.TempDir(),
		Stability:  &model.Stability{Mode: model.PlanModeLoops, Loops: intp(4)},
		Registry:   reg,
	}, &wire)
	require.Equal(t, 5, code)

	var logs []string
	for _, ev := range decodeAll(t, &wire) {
		if l, ok := ev.(proto.LogEvent); ok {
			logs = append(logs, l.Text)
		}
	}
	joined := strings.Join(logs, "\n")
	require.Contains(t, joined, "stopped after failure (exit code 5)")
	require.Contains(t, joined, "1/2 passed")
}
