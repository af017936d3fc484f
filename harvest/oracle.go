// ABOUTME: Completion oracle that classifies an output record by its first line and tail bytes.
// ABOUTME: Reads at most one line plus ~200 trailing bytes; any read failure degrades to Incomplete.
package harvest

import (
	"bufio"
	"os"
	"strings"
)

// Completion is the oracle's verdict for one output record.
type Completion int

const (
	// NotStarted: no output file exists for the input.
	NotStarted Completion = iota
	// Incomplete: the file exists but its markers do not prove completion.
	// Safe to reprocess.
	Incomplete
	// CompleteOK: both markers present and matching, no error suffix.
	CompleteOK
	// CompleteError: both markers present, end marker carries the error
	// suffix. Never reinterpreted as success; callers decide whether to
	// quarantine and resubmit.
	CompleteError
)

// String returns the lowercase name of the completion state.
func (c Completion) String() string {
	switch c {
	case NotStarted:
		return "not_started"
	case Incomplete:
		return "incomplete"
	case CompleteOK:
		return "complete_ok"
	case CompleteError:
		return "complete_error"
	default:
		return "unknown"
	}
}

// tailWindow is how many trailing bytes the oracle reads to find the last line.
const tailWindow = 200

// InspectOutput decides the completion state of the output record at path for
// the given input basename. Only the first line and the last tailWindow bytes
// are read. Every failure mode degrades toward Incomplete — fail-safe toward
// reprocessing, never toward false completeness.
func InspectOutput(path, basename string) Completion {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NotStarted
		}
		return Incomplete
	}
	defer f.Close()

	// First line must be the matching start marker.
	r := bufio.NewReaderSize(f, 4096)
	firstLine, err := r.ReadString('\n')
	if err != nil {
		return Incomplete
	}
	if strings.TrimRight(firstLine, "\r\n") != StartMarker(basename) {
		return Incomplete
	}

	info, err := f.Stat()
	if err != nil {
		return Incomplete
	}

	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return Incomplete
	}

	last := lastNonEmptyLine(string(buf))
	switch last {
	case EndMarker(basename, false):
		return CompleteOK
	case EndMarker(basename, true):
		return CompleteError
	case OutputHeader:
		// Header as the last line means a write is (or was) in progress.
		return Incomplete
	default:
		return Incomplete
	}
}

// lastNonEmptyLine returns the last non-empty line of s, trimmed of trailing
// carriage returns.
func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if line != "" {
			return line
		}
	}
	return ""
}
