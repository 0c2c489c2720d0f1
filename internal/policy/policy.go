// Package policy holds configuration and the paths/limits derived from it.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default global state directory (~/.config/loomwork).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "loomwork")
}

// EngineConfig controls the auto-continue execution loop.
type EngineConfig struct {
	MaxIterations          int `yaml:"max_iterations"`           // per workflow (default 25)
	MaxRetries             int `yaml:"max_retries"`              // transient retries per feature (default 2)
	ExecutorTimeoutSeconds int `yaml:"executor_timeout_seconds"` // per invocation (default 300)
	RetryDelaySeconds      int `yaml:"retry_delay_seconds"`      // initial backoff (default 15)

	// ExecutorCommand runs one implementation attempt; VerifierCommand
	// checks the result. The engine is disabled when ExecutorCommand is
	// empty, leaving workflows to be driven over MCP.
	ExecutorCommand []string `yaml:"executor_command"`
	VerifierCommand []string `yaml:"verifier_command"`
}

// EscalationConfig controls coordinator triage and the human poll loop.
type EscalationConfig struct {
	Coordinator         string `yaml:"coordinator"`           // agent identity of the coordinator (default "coordinator")
	Human               string `yaml:"human"`                 // agent identity for level-3 escalations (default "human")
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"` // response poll interval (default 15)
	PollTimeoutMinutes  int    `yaml:"poll_timeout_minutes"`  // total wait before escalation_timed_out (default 30)

	// Playbook maps a case-insensitive question substring to a canned
	// answer. Coordinator-level escalations matching an entry are
	// answered on-thread without waiting; everything else is forwarded
	// to the human recipient.
	Playbook map[string]string `yaml:"playbook"`
}

// StreamConfig bounds the event-stream consumers on the query surface.
type StreamConfig struct {
	MaxConsumersPerWorkflow int `yaml:"max_consumers_per_workflow"` // default 4
	MaxLifetimeSeconds      int `yaml:"max_lifetime_seconds"`       // per connection (default 600)
	WindowSize              int `yaml:"window_size"`                // recent events kept in memory (default 256)
}

// Config holds the daemon configuration.
type Config struct {
	StateDir string `yaml:"state_dir"` // root for event db, journals, snapshots, mail
	LogFile  string `yaml:"log_file"`
	HTTPPort int    `yaml:"http_port"`

	SnapshotEvery int `yaml:"snapshot_every"` // projection snapshot cadence in events (default 100)

	Engine     *EngineConfig     `yaml:"engine"`
	Escalation *EscalationConfig `yaml:"escalation"`
	Stream     *StreamConfig     `yaml:"stream"`
}

// DefaultConfig returns sensible defaults. Engine, Escalation and Stream
// are always set.
func DefaultConfig() *Config {
	return &Config{
		StateDir:      "",
		SnapshotEvery: 100,
		Engine: &EngineConfig{
			MaxIterations:          25,
			MaxRetries:             2,
			ExecutorTimeoutSeconds: 300,
			RetryDelaySeconds:      15,
		},
		Escalation: &EscalationConfig{
			Coordinator:         "coordinator",
			Human:               "human",
			PollIntervalSeconds: 15,
			PollTimeoutMinutes:  30,
		},
		Stream: &StreamConfig{
			MaxConsumersPerWorkflow: 4,
			MaxLifetimeSeconds:      600,
			WindowSize:              256,
		},
	}
}

// LoadConfig loads configuration from a YAML file, filling any missing
// sections with defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = def.SnapshotEvery
	}
	if cfg.Engine == nil {
		cfg.Engine = def.Engine
	}
	if cfg.Escalation == nil {
		cfg.Escalation = def.Escalation
	}
	if cfg.Stream == nil {
		cfg.Stream = def.Stream
	}
	if cfg.Engine.MaxIterations <= 0 {
		cfg.Engine.MaxIterations = def.Engine.MaxIterations
	}
	if cfg.Engine.MaxRetries < 0 {
		cfg.Engine.MaxRetries = def.Engine.MaxRetries
	}
	if cfg.Engine.ExecutorTimeoutSeconds <= 0 {
		cfg.Engine.ExecutorTimeoutSeconds = def.Engine.ExecutorTimeoutSeconds
	}
	if cfg.Engine.RetryDelaySeconds <= 0 {
		cfg.Engine.RetryDelaySeconds = def.Engine.RetryDelaySeconds
	}
	if cfg.Escalation.Coordinator == "" {
		cfg.Escalation.Coordinator = def.Escalation.Coordinator
	}
	if cfg.Escalation.Human == "" {
		cfg.Escalation.Human = def.Escalation.Human
	}
	if cfg.Escalation.PollIntervalSeconds <= 0 {
		cfg.Escalation.PollIntervalSeconds = def.Escalation.PollIntervalSeconds
	}
	if cfg.Escalation.PollTimeoutMinutes <= 0 {
		cfg.Escalation.PollTimeoutMinutes = def.Escalation.PollTimeoutMinutes
	}
	if cfg.Stream.MaxConsumersPerWorkflow <= 0 {
		cfg.Stream.MaxConsumersPerWorkflow = def.Stream.MaxConsumersPerWorkflow
	}
	if cfg.Stream.MaxLifetimeSeconds <= 0 {
		cfg.Stream.MaxLifetimeSeconds = def.Stream.MaxLifetimeSeconds
	}
	if cfg.Stream.WindowSize <= 0 {
		cfg.Stream.WindowSize = def.Stream.WindowSize
	}
}

// Policy resolves paths and limits from config.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects StateDir for dynamic updates
}

// New creates a new policy.
func New(cfg *Config) *Policy {
	applyDefaults(cfg)
	return &Policy{config: cfg}
}

// StateDir returns the root state directory. Defaults to the global dir.
func (p *Policy) StateDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.StateDir == "" {
		return GlobalStateDir()
	}
	return p.config.StateDir
}

// SetStateDir overrides the state directory at runtime (used by tests and
// by the daemon when a client selects a different project root).
func (p *Policy) SetStateDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.StateDir = dir
}

// EventDBPath returns the path of the centralized indexed event store.
func (p *Policy) EventDBPath() string {
	return filepath.Join(p.StateDir(), "events.sqlite")
}

// WorkflowDir returns the per-workflow directory (journal, state snapshot,
// projection snapshots).
func (p *Policy) WorkflowDir(workflowID string) string {
	return filepath.Join(p.StateDir(), "workflows", workflowID)
}

// MailDir returns the root mail directory (one inbox/outbox pair per agent).
func (p *Policy) MailDir() string {
	return filepath.Join(p.StateDir(), "mail")
}

// LogFile returns the configured log file path. If unset, defaults to
// loomwork.log in the global state dir. "none" or "off" disables file logging.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "loomwork.log")
	}
	return p.config.LogFile
}

// HTTPPort returns the dashboard/query API port (0 disables HTTP).
func (p *Policy) HTTPPort() int { return p.config.HTTPPort }

// SnapshotEvery returns the projection snapshot cadence in events.
func (p *Policy) SnapshotEvery() int { return p.config.SnapshotEvery }

// MaxIterations returns the per-workflow iteration budget.
func (p *Policy) MaxIterations() int { return p.config.Engine.MaxIterations }

// MaxRetries returns the transient retry limit per feature.
func (p *Policy) MaxRetries() int { return p.config.Engine.MaxRetries }

// ExecutorTimeout returns the per-invocation executor timeout.
func (p *Policy) ExecutorTimeout() time.Duration {
	return time.Duration(p.config.Engine.ExecutorTimeoutSeconds) * time.Second
}

// RetryDelay returns the initial backoff delay between transient retries.
func (p *Policy) RetryDelay() time.Duration {
	return time.Duration(p.config.Engine.RetryDelaySeconds) * time.Second
}

// ExecutorCommand returns the configured executor argv, nil when the
// engine is disabled.
func (p *Policy) ExecutorCommand() []string { return p.config.Engine.ExecutorCommand }

// VerifierCommand returns the configured verifier argv.
func (p *Policy) VerifierCommand() []string { return p.config.Engine.VerifierCommand }

// Coordinator returns the coordinator agent identity.
func (p *Policy) Coordinator() string { return p.config.Escalation.Coordinator }

// Human returns the level-3 escalation recipient identity.
func (p *Policy) Human() string { return p.config.Escalation.Human }

// PollInterval returns the escalation response poll interval.
func (p *Policy) PollInterval() time.Duration {
	return time.Duration(p.config.Escalation.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the total escalation wait before timing out.
func (p *Policy) PollTimeout() time.Duration {
	return time.Duration(p.config.Escalation.PollTimeoutMinutes) * time.Minute
}

// Playbook returns the canned-answer table for coordinator triage,
// nil when triage is unconfigured.
func (p *Policy) Playbook() map[string]string { return p.config.Escalation.Playbook }

// StreamLimits returns (max consumers per workflow, max connection
// lifetime, in-memory window size).
func (p *Policy) StreamLimits() (int, time.Duration, int) {
	s := p.config.Stream
	return s.MaxConsumersPerWorkflow,
		time.Duration(s.MaxLifetimeSeconds) * time.Second,
		s.WindowSize
}
