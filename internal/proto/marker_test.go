package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMarker(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		line string
		want Marker
	}{
		{"[CASE] test_wifi_roam", Marker{Kind: MarkerCase, Case: "test_wifi_roam"}},
		{"[CASE]   spaced  ", Marker{Kind: MarkerCase, Case: "spaced"}},
		{"[PROGRESS] 3/10", Marker{Kind: MarkerProgress, Done: 3, Total: 10}},
		{"[PROGRESS] 3 / 10", Marker{Kind: MarkerProgress, Done: 3, Total: 10}},
		{"[PROGRESS] broken", Marker{}},
		{"[CASETIME] 1250", Marker{Kind: MarkerCaseTime, Millis: 1250}},
		{"[CASETIME] soon", Marker{}},
		{`[FIXTURE] {"dut":"router-7"}`, Marker{Kind: MarkerFixture, JSON: `{"dut":"router-7"}`}},
		{`[CASEINFO] {"retries":0}`, Marker{Kind: MarkerCaseInfo, JSON: `{"retries":0}`}},
		{"ordinary log line", Marker{}},
		{"", Marker{}},
		{"mid-line [CASE] not a marker", Marker{}},
	} {
		require.Equal(t, tc.want, ParseMarker(tc.line), "line %q", tc.line)
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, ProgressPercent(0, 0))
	require.Equal(t, 0, ProgressPercent(5, 0))
	require.Equal(t, 50, ProgressPercent(1, 2))
	require.Equal(t, 100, ProgressPercent(2, 2))
	require.Equal(t, 100, ProgressPercent(9, 2))
}

func TestCaseTimeLine(t *testing.T) {
	t.Parallel()
	require.Equal(t, Marker{Kind: MarkerCaseTime, Millis: 420}, ParseMarker(CaseTimeLine(420)))
}
