// ABOUTME: Output marker protocol: sentinel start/end lines that bound every per-file record.
// ABOUTME: RecordWriter guarantees the end marker is written on every exit path via Finalize.
package harvest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389-research/gleaner/metamap"
)

const (
	markerStartPrefix = "START:"
	markerEndPrefix   = "END:"
	markerErrorSuffix = ":ERROR"
)

// OutputHeader is the fixed eight-column header written after the start marker.
const OutputHeader = "CUI,Score,ConceptName,PreferredName,MatchedWords,SemTypes,Sources,Position"

// StartMarker returns the start sentinel line for an input basename.
func StartMarker(basename string) string { return markerStartPrefix + basename }

// EndMarker returns the end sentinel line. When failed is true the line
// carries the error suffix, which is authoritative evidence of failure for
// every later scan.
func EndMarker(basename string, failed bool) string {
	if failed {
		return markerEndPrefix + basename + markerErrorSuffix
	}
	return markerEndPrefix + basename
}

// OutputName returns the output filename for an input basename.
func OutputName(basename string) string { return basename + ".csv" }

// RecordWriter writes one output record: start marker, header, zero or more
// concept rows, and exactly one end marker. Callers must defer Finalize
// immediately after construction so the end marker is appended on every exit
// path — that guarantee is what makes completion detection crash-safe.
type RecordWriter struct {
	path      string
	basename  string
	f         *os.File
	w         *bufio.Writer
	csv       *csv.Writer
	rows      int
	failed    bool
	finalized bool
}

// NewRecordWriter creates (or truncates) the output file for basename in dir
// and writes the start marker and header.
func NewRecordWriter(dir, basename string) (*RecordWriter, error) {
	path := filepath.Join(dir, OutputName(basename))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output record: %w", err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(StartMarker(basename) + "\n" + OutputHeader + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write start marker: %w", err)
	}

	return &RecordWriter{
		path:     path,
		basename: basename,
		f:        f,
		w:        w,
		csv:      csv.NewWriter(w),
	}, nil
}

// WriteConcept appends one data row for the given concept.
func (rw *RecordWriter) WriteConcept(c metamap.Concept) error {
	if rw.finalized {
		return fmt.Errorf("record %q already finalized", rw.basename)
	}
	if err := rw.csv.Write(c.Fields()); err != nil {
		return fmt.Errorf("write concept row: %w", err)
	}
	rw.rows++
	return nil
}

// Rows returns the number of data rows written so far.
func (rw *RecordWriter) Rows() int { return rw.rows }

// Path returns the output file path.
func (rw *RecordWriter) Path() string { return rw.path }

// MarkFailed flags the record so Finalize writes the error-suffixed end marker.
func (rw *RecordWriter) MarkFailed() { rw.failed = true }

// Finalize writes the end marker, flushes, and closes the file. It is
// idempotent: a second call is a no-op. An output file missing its end
// marker can only mean the writer never reached Finalize.
func (rw *RecordWriter) Finalize() error {
	if rw.finalized {
		return nil
	}
	rw.finalized = true

	rw.csv.Flush()
	werr := rw.csv.Error()

	if _, err := rw.w.WriteString(EndMarker(rw.basename, rw.failed) + "\n"); err != nil && werr == nil {
		werr = err
	}
	if err := rw.w.Flush(); err != nil && werr == nil {
		werr = err
	}
	if err := rw.f.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return fmt.Errorf("finalize record %q: %w", rw.basename, werr)
	}
	return nil
}

// basenameFromStartMarker extracts the basename from a start marker line.
// Returns "" if the line is not a start marker.
func basenameFromStartMarker(line string) string {
	if !strings.HasPrefix(line, markerStartPrefix) {
		return ""
	}
	return strings.TrimPrefix(line, markerStartPrefix)
}
