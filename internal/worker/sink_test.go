package worker

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dutlab/hilrun/internal/proto"
)

func decodeAll(t *testing.T, buf *bytes.Buffer) []proto.Event {
	t.Helper()
	dec := proto.NewDecoder(buf)
	var events []proto.Event
	for {
		ev, err := dec.Decode()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestSink_SplitsLines(t *testing.T) {
	t.Parallel()
	var wire bytes.Buffer
	sink := NewSink(proto.NewEncoder(&wire), nil)

	_, err := sink.Write([]byte("first li"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("ne\nsecond line\r\ntrailing"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	require.Equal(t, []proto.Event{
		proto.LogEvent{Text: "first line"},
		proto.LogEvent{Text: "second line"},
		proto.LogEvent{Text: "trailing"},
	}, decodeAll(t, &wire))
}

func TestSink_ProgressMarker(t *testing.T) {
	t.Parallel()
	var wire bytes.Buffer
	sink := NewSink(proto.NewEncoder(&wire), nil)

	_, err := sink.Write([]byte("[CASE] test_a\n[PROGRESS] 1/4\n"))
	require.NoError(t, err)

	require.Equal(t, []proto.Event{
		proto.LogEvent{Text: "[CASE] test_a"},
		proto.LogEvent{Text: "[PROGRESS] 1/4"},
		proto.ProgressEvent{Percent: 25},
	}, decodeAll(t, &wire))
}

func TestSink_TeesIntoAuxLog(t *testing.T) {
	t.Parallel()
	var wire, aux bytes.Buffer
	sink := NewSink(proto.NewEncoder(&wire), &aux)

	sink.Line("one")
	sink.Line("two\n")

	require.Equal(t, "one\ntwo\n", aux.String())
	require.Len(t, decodeAll(t, &wire), 2)
}
