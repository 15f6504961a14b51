package proto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Event is the closed union of messages a worker process sends to its
// supervisor. Events travel one JSON object per line over the worker's
// stdout pipe, so ordering is the pipe's ordering.
type Event interface {
	kind() string
}

// LogEvent carries one newline-normalized line of human-readable text.
type LogEvent struct {
	Text string
}

// ProgressEvent carries an overall completion percentage.
type ProgressEvent struct {
	Percent int
}

// ReportDirEvent announces the run's results directory, at most once, near
// the start of a run.
type ReportDirEvent struct {
	Path string
}

// AuxLogEvent announces the worker's auxiliary structured log file, at most
// once, at the end of a run.
type AuxLogEvent struct {
	Path string
}

const (
	kindLog       = "log"
	kindProgress  = "progress"
	kindReportDir = "report_dir"
	kindAuxLog    = "secondary_log_path"
)

func (LogEvent) kind() string       { return kindLog }
func (ProgressEvent) kind() string  { return kindProgress }
func (ReportDirEvent) kind() string { return kindReportDir }
func (AuxLogEvent) kind() string    { return kindAuxLog }

type wireEvent struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	Percent int    `json:"percent,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Encoder writes events to the wire. Safe for concurrent use; lines are
// written whole, never interleaved.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(ev Event) error {
	we := wireEvent{Kind: ev.kind()}
	switch ev := ev.(type) {
	case LogEvent:
		we.Text = ev.Text
	case ProgressEvent:
		we.Percent = ev.Percent
	case ReportDirEvent:
		we.Path = ev.Path
	case AuxLogEvent:
		we.Path = ev.Path
	default:
		return fmt.Errorf("unknown event type %T", ev)
	}

	data, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.kind(), err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing %s event: %w", ev.kind(), err)
	}
	return nil
}

// Decoder reads events off the wire in emission order. A line that is not a
// JSON event (stray print from the workload) is passed through as a
// LogEvent instead of being dropped. Decode returns io.EOF when the writer
// side has closed.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{sc: sc}
}

func (d *Decoder) Decode() (Event, error) {
	if !d.sc.Scan() {
		if err := d.sc.Err(); err != nil {
			return nil, fmt.Errorf("reading event stream: %w", err)
		}
		return nil, io.EOF
	}
	line := d.sc.Text()

	var we wireEvent
	if err := json.Unmarshal([]byte(line), &we); err != nil || we.Kind == "" {
		return LogEvent{Text: strings.TrimRight(line, "\r")}, nil
	}
	switch we.Kind {
	case kindLog:
		return LogEvent{Text: we.Text}, nil
	case kindProgress:
		return ProgressEvent{Percent: we.Percent}, nil
	case kindReportDir:
		return ReportDirEvent{Path: we.Path}, nil
	case kindAuxLog:
		return AuxLogEvent{Path: we.Path}, nil
	default:
		return LogEvent{Text: line}, nil
	}
}
