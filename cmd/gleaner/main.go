// ABOUTME: CLI entrypoint for the gleaner batch runner with run and retry-pass modes.
// ABOUTME: Wires the orchestrator, progress events, and signal handling together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389-research/gleaner/harvest"
)

var version = "dev"

// config holds all CLI configuration parsed from flags.
type config struct {
	inputDir    string
	outputDir   string
	configFile  string
	workers     int
	instances   int
	chunkSize   int
	maxAttempts int
	timeout     time.Duration
	retryPass   bool
	retryClass  string
	statusAddr  string
	timeDBPath  string
	verbose     bool
	showVersion bool
}

func main() {
	loadEnvAuto()

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("gleaner %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("gleaner", flag.ContinueOnError)
	fs.StringVar(&cfg.inputDir, "input", "", "Directory of input documents")
	fs.StringVar(&cfg.outputDir, "output", "", "Output directory for records and run state")
	fs.StringVar(&cfg.configFile, "config", "", "YAML configuration file")
	fs.IntVar(&cfg.workers, "workers", 0, "Parallel workers (default: 4)")
	fs.IntVar(&cfg.instances, "instances", 0, "Engine instance cap (default: auto-sized)")
	fs.IntVar(&cfg.chunkSize, "chunk-size", 0, "Files per scheduling chunk (default: 500)")
	fs.IntVar(&cfg.maxAttempts, "max-attempts", 0, "Retry ceiling per failed file (default: 3)")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "Per-file engine deadline (default: 10m)")
	fs.BoolVar(&cfg.retryPass, "retry-pass", false, "Reprocess failed files from the previous run instead of the full batch")
	fs.StringVar(&cfg.retryClass, "retry-class", "", "Restrict the retry pass to one error class: timeout, memory, connection, malformed, other")
	fs.StringVar(&cfg.statusAddr, "status-addr", "", "Listen address for the HTTP status API, e.g. :8945")
	fs.StringVar(&cfg.timeDBPath, "timedb", "", "SQLite file for per-file duration history (improves ETA)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return cfg
}

// run executes the batch (or retry pass) and returns an exit code.
func run(cfg config) int {
	runCfg, err := buildRunConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	orch, err := harvest.NewOrchestrator(runCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if cfg.verbose {
		orch.AddEventHandler(verboseEventHandler)
	}

	// Set up context with signal handling for graceful cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	var summary harvest.RunSummary
	var runErr error
	if cfg.retryPass {
		summary, runErr = orch.RunRetryPass(ctx, harvest.ErrorClass(cfg.retryClass))
	} else {
		summary, runErr = orch.Run(ctx)
	}

	printSummary(summary)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}
	if summary.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d file(s) failed; re-run with -retry-pass to reprocess them\n", summary.Failed)
		return 1
	}
	return 0
}

// buildRunConfig merges the optional YAML config file with flag overrides.
// Flags win over the file.
func buildRunConfig(cfg config) (harvest.Config, error) {
	var runCfg harvest.Config
	if cfg.configFile != "" {
		loaded, err := harvest.LoadConfig(cfg.configFile)
		if err != nil {
			return harvest.Config{}, err
		}
		runCfg = loaded
	}

	if cfg.inputDir != "" {
		runCfg.InputDir = cfg.inputDir
	}
	if cfg.outputDir != "" {
		runCfg.OutputDir = cfg.outputDir
	}
	if cfg.workers > 0 {
		runCfg.Workers = cfg.workers
	}
	if cfg.instances > 0 {
		runCfg.Instances = cfg.instances
	}
	if cfg.chunkSize > 0 {
		runCfg.ChunkSize = cfg.chunkSize
	}
	if cfg.maxAttempts > 0 {
		runCfg.MaxAttempts = cfg.maxAttempts
	}
	if cfg.timeout > 0 {
		runCfg.FileTimeout = cfg.timeout
	}
	if cfg.statusAddr != "" {
		runCfg.StatusAddr = cfg.statusAddr
	}
	if cfg.timeDBPath != "" {
		runCfg.TimeDBPath = cfg.timeDBPath
	}

	return runCfg, nil
}

// printSummary writes the terminal accounting for the run to stdout.
func printSummary(s harvest.RunSummary) {
	fmt.Printf("Run %s %s in %s\n", s.RunID, s.Status, s.Elapsed.Round(time.Second))
	fmt.Printf("  total:     %d\n", s.Total)
	if s.Skipped > 0 {
		fmt.Printf("  skipped:   %d (already complete)\n", s.Skipped)
	}
	fmt.Printf("  completed: %d\n", s.Completed)
	fmt.Printf("  failed:    %d\n", s.Failed)
}

// verboseEventHandler prints run lifecycle events to stderr.
func verboseEventHandler(evt harvest.Event) {
	switch evt.Type {
	case harvest.EventRunStarted:
		fmt.Fprintf(os.Stderr, "[run] started (%v total, %v pending)\n", evt.Data["total"], evt.Data["pending"])
	case harvest.EventChunkStarted:
		fmt.Fprintf(os.Stderr, "[chunk] %v/%v started (%v files)\n", evt.Data["chunk"], evt.Data["chunks"], evt.Data["files"])
	case harvest.EventFileStarted:
		fmt.Fprintf(os.Stderr, "[file] %s started (%v)\n", evt.File, evt.Data["worker"])
	case harvest.EventFileCompleted:
		fmt.Fprintf(os.Stderr, "[file] %s completed (%v rows)\n", evt.File, evt.Data["rows"])
	case harvest.EventFileFailed:
		fmt.Fprintf(os.Stderr, "[file] %s failed (%v): %v\n", evt.File, evt.Data["class"], evt.Data["error"])
	case harvest.EventFileRetrying:
		fmt.Fprintf(os.Stderr, "[file] %s retrying: %v\n", evt.File, evt.Data["error"])
	case harvest.EventFileStalled:
		fmt.Fprintf(os.Stderr, "[file] %s stalled for %v\n", evt.File, evt.Data["elapsed"])
	case harvest.EventServerRestarting:
		fmt.Fprintf(os.Stderr, "[server] %v restarting\n", evt.Data["server"])
	case harvest.EventServerUp:
		fmt.Fprintf(os.Stderr, "[server] %v up\n", evt.Data["server"])
	case harvest.EventServerDown:
		fmt.Fprintf(os.Stderr, "[server] %v down: %v\n", evt.Data["server"], evt.Data["error"])
	case harvest.EventRunCompleted:
		fmt.Fprintf(os.Stderr, "[run] completed\n")
	case harvest.EventRunFailed:
		fmt.Fprintf(os.Stderr, "[run] failed: %v\n", evt.Data["error"])
	case harvest.EventRunCancelled:
		fmt.Fprintf(os.Stderr, "[run] cancelled\n")
	}
}
