package proto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MarkerKind identifies a bracketed token at the start of a log line. The
// tokens are synthesized by the workload and consumed by the supervisor for
// timing and progress derivation; the line itself is always forwarded
// verbatim.
type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerCase
	MarkerProgress
	MarkerCaseTime
	MarkerFixture
	MarkerCaseInfo
)

// Marker is the parsed form of a log-line token, parsed once so consumers
// never re-match the text.
type Marker struct {
	Kind MarkerKind

	// Case name for MarkerCase.
	Case string
	// Done/Total for MarkerProgress.
	Done  int
	Total int
	// Millis for MarkerCaseTime.
	Millis int
	// Raw JSON payload for MarkerFixture and MarkerCaseInfo.
	JSON string
}

var progressRe = regexp.MustCompile(`^\[PROGRESS\]\s+(\d+)\s*/\s*(\d+)`)

// ParseMarker inspects the start of a log line. Lines without a recognized
// token return a Marker with Kind MarkerNone.
func ParseMarker(line string) Marker {
	switch {
	case strings.HasPrefix(line, "[CASE]"):
		return Marker{Kind: MarkerCase, Case: strings.TrimSpace(line[len("[CASE]"):])}

	case strings.HasPrefix(line, "[PROGRESS]"):
		m := progressRe.FindStringSubmatch(line)
		if m == nil {
			return Marker{}
		}
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		return Marker{Kind: MarkerProgress, Done: done, Total: total}

	case strings.HasPrefix(line, "[CASETIME]"):
		ms, err := strconv.Atoi(strings.TrimSpace(line[len("[CASETIME]"):]))
		if err != nil {
			return Marker{}
		}
		return Marker{Kind: MarkerCaseTime, Millis: ms}

	case strings.HasPrefix(line, "[FIXTURE]"):
		return Marker{Kind: MarkerFixture, JSON: strings.TrimSpace(line[len("[FIXTURE]"):])}

	case strings.HasPrefix(line, "[CASEINFO]"):
		return Marker{Kind: MarkerCaseInfo, JSON: strings.TrimSpace(line[len("[CASEINFO]"):])}

	default:
		return Marker{}
	}
}

// CaseTimeLine renders a synthetic [CASETIME] line the way a workload would
// print one.
func CaseTimeLine(millis int) string {
	return fmt.Sprintf("[CASETIME] %d", millis)
}

// ProgressPercent converts a done/total pair to a clamped percentage.
func ProgressPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	pc := done * 100 / total
	return min(max(pc, 0), 100)
}
