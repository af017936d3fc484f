// ABOUTME: Help display for the gleaner CLI with grouped flags and examples.
// ABOUTME: Provides printHelp for usage output and binaryStatus for engine detection.
package main

import (
	"fmt"
	"io"
	"os/exec"
)

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, and examples.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "gleaner %s — resumable parallel batch runner for concept extraction\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  gleaner -input <dir> -output <dir>       Process a batch (resumes automatically)")
	fmt.Fprintln(w, "  gleaner -output <dir> -retry-pass        Reprocess failed files from a prior run")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Batch Flags:")
	fmt.Fprintln(w, "  -input <dir>          Directory of input documents")
	fmt.Fprintln(w, "  -output <dir>         Output directory for records and run state")
	fmt.Fprintln(w, "  -config <file>        YAML configuration file (flags override it)")
	fmt.Fprintln(w, "  -workers <n>          Parallel workers (default: 4)")
	fmt.Fprintln(w, "  -instances <n>        Engine instance cap (default: auto-sized from cores and memory)")
	fmt.Fprintln(w, "  -chunk-size <n>       Files per scheduling chunk (default: 500)")
	fmt.Fprintln(w, "  -timeout <dur>        Per-file engine deadline (default: 10m)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Retry Flags:")
	fmt.Fprintln(w, "  -retry-pass           Reprocess failed files instead of the full batch")
	fmt.Fprintln(w, "  -retry-class <class>  Restrict to one class: timeout, memory, connection, malformed, other")
	fmt.Fprintln(w, "  -max-attempts <n>     Retry ceiling per failed file (default: 3)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Observability:")
	fmt.Fprintln(w, "  -status-addr <addr>   HTTP status API listen address, e.g. :8945")
	fmt.Fprintln(w, "  -timedb <file>        SQLite duration history for ETA estimation")
	fmt.Fprintln(w, "  -verbose              Verbose output")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  gleaner -input notes/ -output results/")
	fmt.Fprintln(w, "  gleaner -input notes/ -output results/ -workers 8 -instances 4")
	fmt.Fprintln(w, "  gleaner -output results/ -retry-pass -retry-class timeout")
	fmt.Fprintln(w, "  gleaner -input notes/ -output results/ -status-addr :8945 -verbose")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  metamap binary        %s\n", binaryStatus("metamap"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  The extraction engine and its two auxiliary servers must be installed;")
	fmt.Fprintln(w, "  gleaner starts the servers itself when they are down.")
}

// binaryStatus returns "[found]" if the named binary resolves on PATH,
// or "[not found]" otherwise.
func binaryStatus(name string) string {
	if _, err := exec.LookPath(name); err != nil {
		return "[not found]"
	}
	return "[found]"
}
