// ABOUTME: Client shells out to the external concept-extraction engine binary per document.
// ABOUTME: Submits text on stdin, parses fielded output lines, and kills the process tree on cancel.
package metamap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Options configures how the engine binary is invoked. The engine itself is
// opaque: the only contract is "document text in on stdin, fielded concept
// lines out on stdout, or a failure".
type Options struct {
	BinaryPath  string `yaml:"binary"`    // resolved via exec.LookPath("metamap") if empty
	OptionFlags string `yaml:"options"`   // engine feature flags passed through verbatim, e.g. "-y -K"
	HeapSize    string `yaml:"heap_size"` // JVM heap hint exported as METAMAP_JAVA_HEAP, e.g. "4g"
	WorkDir     string `yaml:"work_dir"`  // working directory for the engine process (empty = inherit)
}

// Client invokes the engine binary once per document. It holds no live
// process between calls: a fresh engine process per document avoids carrying
// corrupted engine state across inputs.
type Client struct {
	opts Options
}

// NewClient creates a Client, resolving the engine binary path. If
// Options.BinaryPath is empty the binary is looked up on PATH as "metamap".
func NewClient(opts Options) (*Client, error) {
	if opts.BinaryPath == "" {
		path, err := exec.LookPath("metamap")
		if err != nil {
			return nil, fmt.Errorf("engine binary not found in PATH: %w", err)
		}
		opts.BinaryPath = path
	} else {
		if _, err := os.Stat(opts.BinaryPath); err != nil {
			return nil, fmt.Errorf("engine binary not found at %q: %w", opts.BinaryPath, err)
		}
	}
	return &Client{opts: opts}, nil
}

// Process runs the engine on a single document and returns the parsed
// concepts. The document is written to the engine's stdin; fielded output
// is read from stdout. Context cancellation or deadline kills the entire
// engine process group.
func (c *Client) Process(ctx context.Context, doc string) ([]Concept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.opts.BinaryPath, c.buildArgs()...)

	// Set process group so the whole engine tree dies on cancellation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 3 * time.Second

	if c.opts.WorkDir != "" {
		cmd.Dir = c.opts.WorkDir
	}

	cmd.Env = os.Environ()
	if c.opts.HeapSize != "" {
		cmd.Env = append(cmd.Env, "METAMAP_JAVA_HEAP="+c.opts.HeapSize)
	}

	cmd.Stdin = strings.NewReader(doc)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine process: %w", err)
	}

	concepts, parseErr := parseOutput(stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Deadline or cancellation: report it as the primary failure so the
		// caller's classifier sees a timeout, not a spurious exit status.
		return nil, fmt.Errorf("engine did not finish: %w", ctxErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("engine exited with error: %v: %s", waitErr, strings.TrimSpace(stderrBuf.String()))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("reading engine output: %w", parseErr)
	}

	return GroupByUtterance(concepts), nil
}

// Close implements the instance-pool handle contract. The client holds no
// persistent process, so there is nothing to release.
func (c *Client) Close() error { return nil }

// buildArgs constructs the engine argument list from the configured option
// flags. The fielded-output flag is always appended so stdout is parseable.
func (c *Client) buildArgs() []string {
	var args []string
	if c.opts.OptionFlags != "" {
		args = append(args, strings.Fields(c.opts.OptionFlags)...)
	}
	return append(args, "-N")
}

// parseOutput reads fielded output lines from the engine, skipping banner and
// blank lines. A line that starts with a field count marker but fails to
// parse is an error; unrecognized chatter is ignored.
func parseOutput(r io.Reader) ([]Concept, error) {
	var concepts []Concept
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, "|") {
			continue
		}
		concept, err := parseConceptLine(line)
		if err != nil {
			// Pipe-bearing lines that do not parse indicate malformed output.
			return nil, err
		}
		concepts = append(concepts, concept)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return concepts, nil
}

// killProcessGroup sends SIGKILL to the engine's process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
