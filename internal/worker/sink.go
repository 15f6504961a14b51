package worker

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/dutlab/hilrun/internal/proto"
)

// Sink is a line-buffered writer standing in for the workload's stdout.
// Each completed line becomes one log event; [PROGRESS] markers additionally
// produce a progress event. Every line is also teed into the auxiliary log
// when one is attached. Partial lines are held until their newline arrives
// or Close flushes them.
type Sink struct {
	mu  sync.Mutex
	enc *proto.Encoder
	aux io.Writer
	buf bytes.Buffer
}

func NewSink(enc *proto.Encoder, aux io.Writer) *Sink {
	return &Sink{enc: enc, aux: aux}
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	for {
		raw := s.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(raw[:i]), "\r")
		s.buf.Next(i + 1)
		s.emit(line)
	}
	return len(p), nil
}

// Line forwards one already-complete line, bypassing the byte buffer.
func (s *Sink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(strings.TrimRight(line, "\r\n"))
}

func (s *Sink) emit(line string) {
	if s.aux != nil {
		io.WriteString(s.aux, line+"\n")
	}
	_ = s.enc.Encode(proto.LogEvent{Text: line})
	if m := proto.ParseMarker(line); m.Kind == proto.MarkerProgress {
		_ = s.enc.Encode(proto.ProgressEvent{Percent: proto.ProgressPercent(m.Done, m.Total)})
	}
}

// Close flushes a trailing partial line, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		s.emit(strings.TrimRight(s.buf.String(), "\r\n"))
		s.buf.Reset()
	}
	return nil
}
