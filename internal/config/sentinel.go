package config

import "time"

// SentinelConfig configures the single-threaded control-plane loop.
type SentinelConfig struct {
	// CleanupInterval is how often the sentinel runs the requeue_stale sweep
	// over Claimed and Running jobs.
	CleanupInterval string `yaml:"cleanup_interval" json:"cleanup_interval,omitempty"`

	// WorkerTimeout is the heartbeat age after which the requeue_stale sweep
	// requeues a Claimed or Running job as a transient failure.
	WorkerTimeout string `yaml:"worker_timeout" json:"worker_timeout,omitempty"`

	// MaxConcurrentJobs is the size of the sentinel's in-process worker pool
	// (4 when zero or negative). Remote workers are bounded by the
	// MaxConcurrentJobs each declares in its Identify payload.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs,omitempty"`

	// ControlSocket is the unix socket path the sentinel listens on for
	// worker connections; empty means no listener is started.
	ControlSocket string `yaml:"control_socket" json:"control_socket,omitempty"`
}

// DefaultSentinelConfig returns the default control-plane configuration
// (spec.md §4.8: CLEANUP_INTERVAL_SECS=10s, WORKER_TIMEOUT_SECS=60s).
func DefaultSentinelConfig() SentinelConfig {
	return SentinelConfig{
		CleanupInterval:   "10s",
		WorkerTimeout:     "60s",
		MaxConcurrentJobs: 8,
		ControlSocket:     "",
	}
}

// GetCleanupInterval returns CleanupInterval as a duration.
func (s *SentinelConfig) GetCleanupInterval() time.Duration {
	d, err := time.ParseDuration(s.CleanupInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetWorkerTimeout returns WorkerTimeout as a duration.
func (s *SentinelConfig) GetWorkerTimeout() time.Duration {
	d, err := time.ParseDuration(s.WorkerTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
