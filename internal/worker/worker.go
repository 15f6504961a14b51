package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	hlog "github.com/dutlab/hilrun/internal/log"
	"github.com/dutlab/hilrun/internal/model"
	"github.com/dutlab/hilrun/internal/plan"
	"github.com/dutlab/hilrun/internal/proto"
	"github.com/dutlab/hilrun/internal/stability"
)

// AuxLogName is the fixed name the supervisor copies the auxiliary log
// under inside the report directory.
const AuxLogName = "worker.log"

type Params struct {
	WorkloadID string
	// ReportBase is the directory the per-run report directory is created
	// under.
	ReportBase string
	// AuxLogPath is where the auxiliary structured log is written. Empty
	// means inside the report directory.
	AuxLogPath string
	// StatePath is the completed-loop counter file shared with the
	// supervisor's process tree. Empty means inside the report directory.
	StatePath string
	Stability *model.Stability
	Registry  *Registry
}

// Main is the worker-process entry. It announces the report directory,
// routes all workload output through the event stream, runs the workload
// (through the stability runner for stability workloads), and never lets a
// panic escape: total failure is log events plus a non-zero exit code.
func Main(ctx context.Context, p Params, out io.Writer) (code int) {
	enc := proto.NewEncoder(out)

	reportDir, err := makeReportDir(p.ReportBase)
	if err != nil {
		_ = enc.Encode(proto.LogEvent{Text: fmt.Sprintf("cannot create report directory: %v", err)})
		return 1
	}
	_ = enc.Encode(proto.ReportDirEvent{Path: reportDir})

	auxPath := p.AuxLogPath
	if auxPath == "" {
		auxPath = filepath.Join(reportDir, AuxLogName)
	}
	var aux *os.File
	if aux, err = os.Create(auxPath); err != nil {
		_ = enc.Encode(proto.LogEvent{Text: fmt.Sprintf("cannot create auxiliary log: %v", err)})
		aux = nil
	}

	sink := NewSink(enc, auxWriter(aux))
	prev := slog.Default()
	slog.SetDefault(slog.New(hlog.NewLineHandler(sink.Line)))

	defer func() {
		if r := recover(); r != nil {
			code = 1
			sink.Line(fmt.Sprintf("workload panicked: %v", r))
			for _, l := range strings.Split(string(debug.Stack()), "\n") {
				sink.Line(l)
			}
		}
		slog.SetDefault(prev)
		sink.Close()
		if aux != nil {
			aux.Close()
			if st, err := os.Stat(auxPath); err == nil && st.Size() > 0 {
				_ = enc.Encode(proto.AuxLogEvent{Path: auxPath})
			}
		}
	}()

	logger := slog.Default()
	run, err := resolve(p.Registry, p.WorkloadID)
	if err != nil {
		logger.Error("resolving workload", "workload", p.WorkloadID, "err", err)
		return 1
	}

	env := Env{
		ReportDir: reportDir,
		Logger:    logger,
		Output:    sink,
	}

	if !IsStability(p.WorkloadID) {
		return run(ctx, env)
	}

	pl, err := plan.Normalize(p.Stability, logger)
	if err != nil {
		logger.Error("loading stability plan", "workload", p.WorkloadID, "err", err)
		return 1
	}
	statePath := p.StatePath
	if statePath == "" {
		statePath = filepath.Join(reportDir, "completed_loops")
	}
	store := plan.NewFileStore(statePath)
	env.Plan = pl
	env.Store = store

	sum := stability.Run(ctx, pl, stability.Hooks{
		RunWorkload: func() int { return run(ctx, env) },
		Emit:        stabilityEmitter(sink),
		Progress: func(pc int) {
			_ = enc.Encode(proto.ProgressEvent{Percent: pc})
		},
		Store: store,
	}, logger)
	return sum.ExitCode
}

func makeReportDir(base string) (string, error) {
	if base == "" {
		base = filepath.Join(os.TempDir(), "hilrun")
	}
	name := time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func auxWriter(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

func resolve(reg *Registry, id string) (Workload, error) {
	if reg != nil {
		if w, ok := reg.Lookup(id); ok {
			return w, nil
		}
	}
	cfg, err := ParseCommandConfig(id)
	if err != nil {
		return nil, err
	}
	return ExecWorkload(cfg), nil
}

// stabilityEmitter renders lifecycle events as the plain-text lines log
// viewers expect.
func stabilityEmitter(sink *Sink) func(stability.Event) {
	return func(e stability.Event) {
		switch e.Kind {
		case stability.KindPlanStarted:
			sink.Line("[Stability] plan started")
		case stability.KindIterationStarted:
			sink.Line(fmt.Sprintf("[Stability] iteration %d started", e.Iteration))
		case stability.KindIterationSucceeded:
			sink.Line(fmt.Sprintf("[Stability] iteration %d passed", e.Iteration))
		case stability.KindIterationFailed:
			sink.Line(fmt.Sprintf("[Stability] iteration %d failed (exit code %d)", e.Iteration, e.ExitCode))
		case stability.KindSummary:
			s := e.Summary
			sink.Line(fmt.Sprintf("[Stability] finished: %d/%d passed, %s, elapsed %.1fs",
				s.PassedRuns, s.TotalRuns, s.StopReason, s.ElapsedSeconds))
		}
	}
}
