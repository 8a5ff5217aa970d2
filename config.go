package jobcore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable thresholds for the lifecycle engine.
type Config struct {
	// SweepInterval is how often the scheduler audits the store.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleJobMaxAge is how long terminal jobs are retained before the
	// cleanup pass archives and deletes them.
	StaleJobMaxAge time.Duration `yaml:"stale_job_max_age"`

	// ActiveJobTimeout is how long an active job may go without a
	// heartbeat before it is declared hung and force-failed.
	ActiveJobTimeout time.Duration `yaml:"active_job_timeout"`

	// SoftStallThreshold is the idle window after which an active job's
	// step is annotated as stalled. A UX signal, not a failure.
	SoftStallThreshold time.Duration `yaml:"soft_stall_threshold"`

	// StaleWorkerThreshold is the tighter window the repository uses when
	// a supervisor polls for dead workers between sweeps.
	StaleWorkerThreshold time.Duration `yaml:"stale_worker_threshold"`

	// JobTTL bounds how long a durable store keeps a job record.
	JobTTL time.Duration `yaml:"job_ttl"`

	// CheckpointTTL bounds the current checkpoint copy. Long enough to
	// survive a multi-day pause, short enough to bound storage growth.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`

	// ArchiveTTL bounds immutable checkpoint archives kept for forensics.
	ArchiveTTL time.Duration `yaml:"archive_ttl"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:        5 * time.Minute,
		StaleJobMaxAge:       24 * time.Hour,
		ActiveJobTimeout:     60 * time.Minute,
		SoftStallThreshold:   5 * time.Minute,
		StaleWorkerThreshold: 35 * time.Second,
		JobTTL:               24 * time.Hour,
		CheckpointTTL:        7 * 24 * time.Hour,
		ArchiveTTL:           30 * 24 * time.Hour,
	}
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
// Fields absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("jobcore: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("jobcore: parse config: %w", err)
	}
	return cfg, nil
}
