// ABOUTME: Health supervisor for the engine's two auxiliary sidecar servers.
// ABOUTME: Probes socket, then process table, then pid file; restarts idempotently with bounded polling.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ServerState is the transient health of one auxiliary server. Never
// persisted and never cached across probes; derived on demand.
type ServerState string

const (
	ServerUp         ServerState = "up"
	ServerDown       ServerState = "down"
	ServerRestarting ServerState = "restarting"
)

// ErrServerDown reports that restart polling was exhausted without the
// server coming up. Processing continues in degraded mode on this error:
// one server's absence does not necessarily block the other.
var ErrServerDown = errors.New("auxiliary server did not come up after restart")

// ServerSpec describes one auxiliary server the engine depends on. The only
// interface to the server is reachability probing and its own control
// script; the protocol it speaks is opaque.
type ServerSpec struct {
	Name           string        `yaml:"name"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ControlScript  string        `yaml:"control_script"`  // issued as "<script> start"
	PIDFile        string        `yaml:"pid_file"`        // optional liveness fallback
	ProcessPattern string        `yaml:"process_pattern"` // optional process-table fallback
	Settle         time.Duration `yaml:"settle"`          // extra wait after a probe first succeeds post-restart
}

// Addr returns the host:port probe target, defaulting the host to localhost.
func (s ServerSpec) Addr() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// SupervisorConfig bounds the probe and restart-polling behavior.
type SupervisorConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout"` // per-probe socket timeout
	PollInterval time.Duration `yaml:"poll_interval"` // fixed delay between restart polls
	MaxPolls     int           `yaml:"max_polls"`     // polling attempts before declaring down
}

// withDefaults fills zero values with the defaults tuned for the two
// stock sidecars.
func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 24
	}
	return c
}

// Supervisor owns health probing and restart of the auxiliary servers.
// Restarts are serialized per supervisor so two workers discovering the same
// outage do not race duplicate restart commands.
type Supervisor struct {
	servers map[string]ServerSpec
	cfg     SupervisorConfig
	emit    func(Event)

	mu         sync.Mutex
	restarting map[string]bool

	// test seams
	restartFn func(ctx context.Context, spec ServerSpec) error
	probeFn   func(spec ServerSpec) ServerState
	sleepFn   func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a supervisor for the given servers. emit may be nil.
func NewSupervisor(servers []ServerSpec, cfg SupervisorConfig, emit func(Event)) *Supervisor {
	m := make(map[string]ServerSpec, len(servers))
	for _, s := range servers {
		m[s.Name] = s
	}
	sup := &Supervisor{
		servers:    m,
		cfg:        cfg.withDefaults(),
		emit:       emit,
		restarting: map[string]bool{},
	}
	sup.restartFn = sup.issueRestart
	sup.probeFn = sup.probe
	sup.sleepFn = sleepCtx
	return sup
}

// Servers returns the configured server names.
func (s *Supervisor) Servers() []string {
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	return names
}

// Status probes one server and returns its current state. A server mid-
// restart reports ServerRestarting without a fresh probe.
func (s *Supervisor) Status(name string) ServerState {
	s.mu.Lock()
	mid := s.restarting[name]
	spec, ok := s.servers[name]
	s.mu.Unlock()

	if !ok {
		return ServerDown
	}
	if mid {
		return ServerRestarting
	}
	return s.probeFn(spec)
}

// EnsureUp brings one server up if it is not already: DOWN -> RESTARTING ->
// (polling) -> UP. Restart is idempotent — a probe showing UP short-circuits
// without issuing the control command. Exhausted polling returns
// ErrServerDown and the caller proceeds in degraded mode.
func (s *Supervisor) EnsureUp(ctx context.Context, name string) error {
	spec, ok := s.servers[name]
	if !ok {
		return fmt.Errorf("unknown auxiliary server %q", name)
	}

	// Idempotent restart: a probe already showing UP issues no command.
	if s.probeFn(spec) == ServerUp {
		return nil
	}

	s.mu.Lock()
	for s.restarting[name] {
		// Another worker is already restarting this server; wait for it
		// rather than racing a duplicate restart command.
		s.mu.Unlock()
		if err := s.sleepFn(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
		if s.probeFn(spec) == ServerUp {
			return nil
		}
		s.mu.Lock()
	}
	s.restarting[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.restarting, name)
		s.mu.Unlock()
	}()

	s.emitEvent(Event{Type: EventServerRestarting, Data: map[string]any{"server": name}})

	if err := s.restartFn(ctx, spec); err != nil {
		s.emitEvent(Event{Type: EventServerDown, Data: map[string]any{"server": name, "error": err.Error()}})
		return fmt.Errorf("restart %s: %w", name, err)
	}

	for attempt := 0; attempt < s.cfg.MaxPolls; attempt++ {
		if err := s.sleepFn(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
		if s.probeFn(spec) == ServerUp {
			// The two sidecars have materially different cold-start
			// latencies; a reachable socket is not yet a ready server.
			if spec.Settle > 0 {
				if err := s.sleepFn(ctx, spec.Settle); err != nil {
					return err
				}
			}
			s.emitEvent(Event{Type: EventServerUp, Data: map[string]any{"server": name}})
			return nil
		}
	}

	s.emitEvent(Event{Type: EventServerDown, Data: map[string]any{"server": name}})
	return fmt.Errorf("%s: %w", name, ErrServerDown)
}

// EnsureAllUp runs EnsureUp for every configured server, collecting errors
// instead of stopping at the first: degraded operation with one server is
// better than none.
func (s *Supervisor) EnsureAllUp(ctx context.Context) error {
	var errs []error
	for name := range s.servers {
		if err := s.EnsureUp(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// probe derives the server's state using, in order of preference: a direct
// socket connect, a process-table pattern match, and a pid-file liveness
// check.
func (s *Supervisor) probe(spec ServerSpec) ServerState {
	if spec.Port > 0 {
		conn, err := net.DialTimeout("tcp", spec.Addr(), s.cfg.ProbeTimeout)
		if err == nil {
			conn.Close()
			return ServerUp
		}
	}

	if spec.ProcessPattern != "" && processTableMatches(spec.ProcessPattern) {
		return ServerUp
	}

	if spec.PIDFile != "" && pidFileAlive(spec.PIDFile) {
		return ServerUp
	}

	return ServerDown
}

// issueRestart invokes the server's control script with the "start" verb.
func (s *Supervisor) issueRestart(ctx context.Context, spec ServerSpec) error {
	if spec.ControlScript == "" {
		return fmt.Errorf("no control script configured for %s", spec.Name)
	}
	cmd := exec.CommandContext(ctx, spec.ControlScript, "start")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("control script failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// emitEvent stamps and forwards an event if a handler is wired.
func (s *Supervisor) emitEvent(evt Event) {
	if s.emit == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	s.emit(evt)
}

// processTableMatches scans the process table for a command line containing
// pattern.
func processTableMatches(pattern string) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, pattern) {
			return true
		}
	}
	return false
}

// pidFileAlive reports whether the pid recorded in path belongs to a live
// process.
func pidFileAlive(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// sleepCtx sleeps for d or until the context is done, returning the context
// error in the latter case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
