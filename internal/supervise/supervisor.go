package supervise

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dutlab/hilrun/internal/history"
	"github.com/dutlab/hilrun/internal/procrun"
	"github.com/dutlab/hilrun/internal/proto"
	"github.com/dutlab/hilrun/internal/worker"
)

var ErrRunInProgress = errors.New("run in progress")

type UpdateKind int

const (
	UpdateLog UpdateKind = iota
	UpdateProgress
	UpdateETA
	UpdateReportDir
)

// Update is one normalized, UI-facing notification of a supervised run.
type Update struct {
	Kind    UpdateKind
	Line    string
	Percent int
	ETA     time.Duration
	Path    string
}

type Options struct {
	// ReportBase is where workers create their per-run report directories.
	ReportBase string
	// StateDir holds the completed-loop counter and the staged aux log.
	StateDir string
	// TermWait and KillWait bound the two phases of Stop.
	TermWait time.Duration
	KillWait time.Duration
	// HistoryDB, when set, records case durations and seeds the first ETA.
	HistoryDB *sql.DB
	Logger    *slog.Logger
	Verbose   bool

	// spawn overrides how the worker process is launched; tests use it.
	spawn func(ctx context.Context, runner *procrun.Runner, workloadID string, stdout io.Writer, stderr procrun.LineFunc) error
}

// Supervisor owns one worker process at a time: it spawns the worker, drains
// its event stream, derives case timing and ETA, and guarantees the process
// and stream are fully terminated on completion. A Supervisor is reusable
// once the previous run has finished.
type Supervisor struct {
	opts   Options
	runner *procrun.Runner

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stopOnce  *sync.Once
	updates   chan Update
	runID     string
	reportDir string
	auxPath   string
	eg        *errgroup.Group
}

func New(opts Options) *Supervisor {
	if opts.TermWait == 0 {
		opts.TermWait = 10 * time.Second
	}
	if opts.KillWait == 0 {
		opts.KillWait = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		runner: procrun.NewRunner(),
	}
}

// Start spawns one worker process for the workload, bound to a fresh event
// stream. It fails with ErrRunInProgress while a previous run is active.
func (s *Supervisor) Start(ctx context.Context, workloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}

	runID := uuid.NewString()
	auxPath, err := s.stageAuxPath(runID)
	if err != nil {
		return fmt.Errorf("preparing aux log path: %w", err)
	}

	pr, pw := io.Pipe()
	logger := s.opts.Logger.With("run_id", runID, "workload", workloadID)
	stderr := func(_ context.Context, line string) {
		logger.Debug("worker stderr", "line", line)
	}

	spawn := s.opts.spawn
	if spawn == nil {
		spawn = s.spawnWorker(auxPath)
	}
	if err := spawn(ctx, s.runner, workloadID, pw, stderr); err != nil {
		pw.Close()
		if errors.Is(err, procrun.ErrInProgress) {
			return ErrRunInProgress
		}
		return fmt.Errorf("spawning worker: %w", err)
	}

	s.running = true
	s.runID = runID
	s.reportDir = ""
	s.auxPath = auxPath
	s.stopCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.updates = make(chan Update, 256)

	events := make(chan proto.Event, 64)
	s.eg = &errgroup.Group{}
	s.eg.Go(func() error { return s.decode(pr, events) })
	s.eg.Go(func() error {
		s.drain(ctx, logger, pw, events, s.stopCh, s.updates)
		return nil
	})
	return nil
}

// Updates returns the live event stream of the current run. The channel is
// closed when the run has fully finished; it must be consumed.
func (s *Supervisor) Updates() <-chan Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// Stop requests cancellation of the current run. It terminates the worker
// with a bounded signal escalation and returns without waiting for the
// event stream to empty. Stopping a finished or never-started run is a
// no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	once := s.stopOnce
	running := s.running
	s.mu.Unlock()
	if !running || once == nil {
		return
	}
	once.Do(func() { close(stopCh) })
}

// Wait blocks until the current run has fully finished, the drain loop
// included, and returns the worker's exit code.
func (s *Supervisor) Wait() int {
	s.mu.Lock()
	eg := s.eg
	s.mu.Unlock()
	if eg == nil {
		return -1
	}
	if err := eg.Wait(); err != nil {
		s.opts.Logger.Error("event stream ended abnormally", "err", err)
	}
	return s.runner.Result().ExitCode()
}

func (s *Supervisor) spawnWorker(auxPath string) func(context.Context, *procrun.Runner, string, io.Writer, procrun.LineFunc) error {
	return func(ctx context.Context, runner *procrun.Runner, workloadID string, stdout io.Writer, stderr procrun.LineFunc) error {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		args := []string{"_worker", "--workload", workloadID, "--aux-log", auxPath}
		if s.opts.ReportBase != "" {
			args = append(args, "--report-base", s.opts.ReportBase)
		}
		if s.opts.StateDir != "" {
			args = append(args, "--state", filepath.Join(s.opts.StateDir, "completed_loops"))
		}
		if s.opts.Verbose {
			args = append(args, "--verbose")
		}
		return runner.Start(ctx, procrun.Command{
			Path:   exe,
			Args:   args,
			Env:    os.Environ(),
			Stdout: stdout,
		}, stderr)
	}
}

func (s *Supervisor) stageAuxPath(runID string) (string, error) {
	dir := s.opts.StateDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "hilrun")
	}
	dir = filepath.Join(dir, "aux")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, runID+".log"), nil
}

func (s *Supervisor) decode(r io.Reader, events chan<- proto.Event) error {
	defer close(events)
	dec := proto.NewDecoder(r)
	for {
		ev, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		events <- ev
	}
}

// drain multiplexes decoded events, the stop request, and worker exit. On
// normal completion it drains the remaining events, closes the final case
// timer, emits a closing diagnostic line, and tears the stream down; on
// stop it terminates the worker and leaves without emptying the stream.
func (s *Supervisor) drain(ctx context.Context, logger *slog.Logger, pw *io.PipeWriter,
	events <-chan proto.Event, stopCh <-chan struct{}, updates chan<- Update,
) {
	tr := newTracker(nil)
	s.seedETA(ctx, tr)
	auxCopied := false
	stopped := false
	exited := false
	done := s.runner.Done()

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			s.handleEvent(ctx, ev, tr, updates)

		case <-stopCh:
			stopped = true
			logger.Info("stop requested, terminating worker")
			// closing our pipe end first keeps the child's exit from
			// blocking on an unread stream
			pw.Close()
			if err := s.runner.Stop(s.opts.TermWait, s.opts.KillWait); err != nil && !errors.Is(err, procrun.ErrNotStarted) {
				logger.Error("terminating worker", "err", err)
			}
			updates <- Update{Kind: UpdateLog, Line: "run terminated on request"}
			break loop

		case res := <-done:
			done = nil
			exited = true
			logger.Debug("worker exited", "exit_code", res.ExitCode())
			// EOF for the decoder; remaining buffered events still drain.
			pw.Close()
			s.copyAuxLog(ctx, &auxCopied)
		}
	}

	if stopped {
		// the consumer is not waited for, but the decoder must still wind
		// down so nothing leaks
		for range events {
		}
	}

	if !stopped {
		for ev := range events {
			s.handleEvent(ctx, ev, tr, updates)
		}
		if name, d, ok := tr.finish(); ok {
			s.emitCaseTime(ctx, name, d, tr, updates)
		}
		if !exited {
			// the stream ended first (decoder error); don't hang on a
			// child that never exits
			pw.Close()
			select {
			case <-done:
			case <-time.After(s.opts.TermWait):
				_ = s.runner.Stop(s.opts.TermWait, s.opts.KillWait)
			}
		}
		code := s.runner.Result().ExitCode()
		updates <- Update{Kind: UpdateLog, Line: fmt.Sprintf("run finished, exit code %d", code)}
		logger.Info("run finished", "exit_code", code)
	}

	s.copyAuxLog(ctx, &auxCopied)

	close(updates)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Supervisor) handleEvent(ctx context.Context, ev proto.Event, tr *tracker, updates chan<- Update) {
	switch ev := ev.(type) {
	case proto.LogEvent:
		if isNoise(ev.Text) {
			return
		}
		m := proto.ParseMarker(ev.Text)
		if m.Kind == proto.MarkerCase {
			// a known case's own history beats the generic seed
			if tr.seedable() {
				s.seedCaseETA(ctx, m.Case, tr)
			}
			// close the previous case before its successor's line appears
			if name, d, ok := tr.openCase(m.Case); ok {
				s.emitCaseTime(ctx, name, d, tr, updates)
			}
		}
		updates <- Update{Kind: UpdateLog, Line: ev.Text}
		switch m.Kind {
		case proto.MarkerCaseTime:
			name, d := tr.closeCase(time.Duration(m.Millis) * time.Millisecond)
			s.recordCase(ctx, name, d)
			s.emitETA(tr, updates)
		case proto.MarkerProgress:
			tr.progress(m.Done, m.Total)
			s.emitETA(tr, updates)
		}

	case proto.ProgressEvent:
		updates <- Update{Kind: UpdateProgress, Percent: ev.Percent}

	case proto.ReportDirEvent:
		s.mu.Lock()
		s.reportDir = ev.Path
		s.mu.Unlock()
		updates <- Update{Kind: UpdateReportDir, Path: ev.Path}

	case proto.AuxLogEvent:
		s.mu.Lock()
		s.auxPath = ev.Path
		s.mu.Unlock()
	}
}

// emitCaseTime publishes a synthetic [CASETIME] line for a case the
// workload never closed itself.
func (s *Supervisor) emitCaseTime(ctx context.Context, name string, d time.Duration, tr *tracker, updates chan<- Update) {
	updates <- Update{Kind: UpdateLog, Line: proto.CaseTimeLine(int(d.Milliseconds()))}
	s.recordCase(ctx, name, d)
	s.emitETA(tr, updates)
}

func (s *Supervisor) emitETA(tr *tracker, updates chan<- Update) {
	if eta, ok := tr.eta(); ok {
		updates <- Update{Kind: UpdateETA, ETA: eta}
	}
}

func (s *Supervisor) seedETA(ctx context.Context, tr *tracker) {
	if s.opts.HistoryDB == nil {
		return
	}
	avg, err := history.AverageDuration(ctx, s.opts.HistoryDB, 100)
	if err != nil {
		if !errors.Is(err, history.ErrNoHistory) {
			s.opts.Logger.Error("seeding eta from history", "err", err)
		}
		return
	}
	tr.seed(avg)
}

// seedCaseETA replaces the generic seed with the opening case's own
// historical average, when one exists.
func (s *Supervisor) seedCaseETA(ctx context.Context, name string, tr *tracker) {
	if s.opts.HistoryDB == nil || name == "" {
		return
	}
	avg, err := history.CaseAverage(ctx, s.opts.HistoryDB, name)
	if err != nil {
		if !errors.Is(err, history.ErrNoHistory) {
			s.opts.Logger.Error("seeding eta from case history", "case", name, "err", err)
		}
		return
	}
	tr.refineSeed(avg)
}

func (s *Supervisor) recordCase(ctx context.Context, name string, d time.Duration) {
	if s.opts.HistoryDB == nil || name == "" {
		return
	}
	if err := history.Record(ctx, s.opts.HistoryDB, s.runID, name, d); err != nil {
		s.opts.Logger.Error("recording case duration", "case", name, "err", err)
	}
}

// copyAuxLog copies the worker's auxiliary log into the report directory
// under a fixed name, at most once per run. A vanished source is skipped;
// an existing destination gets a timestamp suffix instead of being
// overwritten.
func (s *Supervisor) copyAuxLog(ctx context.Context, copied *bool) {
	if *copied {
		return
	}
	s.mu.Lock()
	src, dir := s.auxPath, s.reportDir
	s.mu.Unlock()
	if src == "" || dir == "" {
		return
	}
	if _, err := os.Stat(src); err != nil {
		return
	}

	dst := filepath.Join(dir, worker.AuxLogName)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(worker.AuxLogName)
		base := strings.TrimSuffix(worker.AuxLogName, ext)
		dst = filepath.Join(dir, base+"-"+time.Now().Format("20060102-150405")+ext)
	}
	if err := copyFile(src, dst); err != nil {
		s.opts.Logger.ErrorContext(ctx, "copying aux log", "src", src, "dst", dst, "err", err)
		return
	}
	*copied = true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// isNoise drops known-irrelevant lines before they reach consumers.
func isNoise(line string) bool {
	switch {
	case strings.HasPrefix(line, "libpng warning:"),
		strings.Contains(line, "KeyboardInterrupt"):
		return true
	}
	return false
}
