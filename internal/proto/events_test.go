package proto

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Order(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	sent := []Event{
		ReportDirEvent{Path: "/tmp/report/run-1"},
		LogEvent{Text: "[CASE] test_boot"},
		ProgressEvent{Percent: 50},
		LogEvent{Text: "plain line with \"quotes\" and unicode ✓"},
		AuxLogEvent{Path: "/tmp/aux.log"},
	}
	for _, ev := range sent {
		require.NoError(t, enc.Encode(ev))
	}

	dec := NewDecoder(&buf)
	for _, want := range sent {
		got, err := dec.Decode()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := dec.Decode()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecode_StrayLinesBecomeLogs(t *testing.T) {
	t.Parallel()
	raw := strings.Join([]string{
		`not json at all`,
		`{"kind":"progress","percent":10}`,
		`{"almost":"json but no kind"}`,
		`{"kind":"martian","text":"x"}`,
	}, "\n") + "\n"

	dec := NewDecoder(strings.NewReader(raw))

	got, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, LogEvent{Text: "not json at all"}, got)

	got, err = dec.Decode()
	require.NoError(t, err)
	require.Equal(t, ProgressEvent{Percent: 10}, got)

	got, err = dec.Decode()
	require.NoError(t, err)
	require.IsType(t, LogEvent{}, got)

	got, err = dec.Decode()
	require.NoError(t, err)
	require.IsType(t, LogEvent{}, got)

	_, err = dec.Decode()
	require.ErrorIs(t, err, io.EOF)
}

func TestEncode_ConcurrentWritersKeepLinesWhole(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	enc := NewEncoder(&syncWriter{w: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = enc.Encode(LogEvent{Text: strings.Repeat("x", 40)})
			}
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		ev, err := dec.Decode()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, LogEvent{Text: strings.Repeat("x", 40)}, ev)
		count++
	}
	require.Equal(t, 8*50, count)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
