// ABOUTME: Run configuration: YAML-loadable settings plus programmatic overrides.
// ABOUTME: Defaults target the stock engine install with its two sidecar servers.
package harvest

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/gleaner/metamap"
)

// Config is the full orchestrator configuration. Zero values select defaults;
// a YAML file can override any subset.
type Config struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`

	Workers     int `yaml:"workers"`      // parallel workers (default 4)
	Instances   int `yaml:"instances"`    // engine instance cap; 0 = auto-size
	Prewarm     int `yaml:"prewarm"`      // eagerly started instances (clamped to 2)
	ChunkSize   int `yaml:"chunk_size"`   // files per scheduling chunk (default 500)
	MaxAttempts int `yaml:"max_attempts"` // retry ceiling per failed file (default 3)

	FileTimeout    time.Duration `yaml:"file_timeout"`     // per-file engine deadline
	ConnRetries    int           `yaml:"conn_retries"`     // in-attempt connection resubmissions
	ConnRetryDelay time.Duration `yaml:"conn_retry_delay"` // delay between those resubmissions

	Engine     metamap.Options  `yaml:"engine"`
	Servers    []ServerSpec     `yaml:"servers"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`

	StatusAddr string `yaml:"status_addr"` // optional HTTP status listener, e.g. ":8945"
	TimeDBPath string `yaml:"timedb_path"` // optional duration-history sqlite file

	// Factory overrides engine instance construction. When set, the engine
	// binary preflight check is skipped. Used by tests.
	Factory InstanceFactory `yaml:"-"`
}

// DefaultServers returns specs for the two sidecars a stock engine install
// runs: the part-of-speech tagger and the word-sense-disambiguation server.
// The WSD server loads a large model and needs a long settle window after its
// socket first accepts.
func DefaultServers() []ServerSpec {
	return []ServerSpec{
		{
			Name:           "tagger",
			Port:           1795,
			ControlScript:  "skrmedpostctl",
			ProcessPattern: "taggerServer",
			Settle:         5 * time.Second,
		},
		{
			Name:           "wsd",
			Port:           5554,
			ControlScript:  "wsdserverctl",
			ProcessPattern: "disambServer",
			Settle:         60 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file. Unknown keys are rejected so typos
// fail loudly instead of silently selecting defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// withDefaults fills every zero value with its default.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Instances <= 0 {
		c.Instances = AutoSizeInstances()
	}
	if c.Prewarm <= 0 {
		c.Prewarm = 2
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = 10 * time.Minute
	}
	if c.ConnRetries <= 0 {
		c.ConnRetries = 3
	}
	if c.ConnRetryDelay <= 0 {
		c.ConnRetryDelay = 5 * time.Second
	}
	if len(c.Servers) == 0 {
		c.Servers = DefaultServers()
	}
	if c.Watchdog.StallTimeout <= 0 {
		c.Watchdog = DefaultWatchdogConfig()
	}
	return c
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("input_dir must be set")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must be set")
	}
	return nil
}

// workerConfig projects the worker-pool subset of the configuration.
func (c Config) workerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:        c.Workers,
		FileTimeout:    c.FileTimeout,
		ConnRetries:    c.ConnRetries,
		ConnRetryDelay: c.ConnRetryDelay,
	}
}
