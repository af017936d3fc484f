// ABOUTME: Input discovery and pending-file partitioning against the completion oracle.
// ABOUTME: Discovers input documents once per run; never mutates them.
package harvest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InputFile identifies one input document. Immutable once discovered.
type InputFile struct {
	Path string // absolute path
	Base string // basename, used as the marker key
	Size int64
}

// DiscoverInputs scans dir (non-recursively) for input documents. Dotfiles
// and subdirectories are skipped. Results are sorted by basename so worker
// partitions are stable across runs.
func DiscoverInputs(dir string) ([]InputFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}

	var files []InputFile
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil {
			abs = filepath.Join(dir, entry.Name())
		}
		files = append(files, InputFile{Path: abs, Base: entry.Name(), Size: info.Size()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// PartitionResult describes how discovered inputs relate to existing output
// records at the start of a run.
type PartitionResult struct {
	Pending   []InputFile // not started, or incomplete records (quarantined before reprocessing)
	Errored   []InputFile // complete-with-error records, left for an explicit retry pass
	Completed int         // count of complete-ok records
}

// Partition classifies every input against the completion oracle. Incomplete
// records are quarantined and their inputs returned as pending; records that
// completed with the error marker are authoritative failures and are not
// silently retried here.
func Partition(inputs []InputFile, out *OutputDir) (PartitionResult, error) {
	var result PartitionResult
	for _, in := range inputs {
		switch InspectOutput(out.OutputPath(in.Base), in.Base) {
		case CompleteOK:
			result.Completed++
		case CompleteError:
			result.Errored = append(result.Errored, in)
		case Incomplete:
			if err := out.Quarantine(in.Base); err != nil {
				return result, err
			}
			result.Pending = append(result.Pending, in)
		default:
			result.Pending = append(result.Pending, in)
		}
	}
	return result, nil
}
