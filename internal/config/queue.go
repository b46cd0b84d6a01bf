package config

import "time"

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	// HeartbeatInterval is not read by any package in this module; the
	// sentinel's in-process workers send no heartbeats.
	HeartbeatInterval string `yaml:"heartbeat_interval" json:"heartbeat_interval,omitempty"`

	// StaleThreshold is not read: the requeue_stale sweep uses
	// sentinel.worker_timeout as its heartbeat-age threshold.
	StaleThreshold string `yaml:"stale_threshold" json:"stale_threshold,omitempty"`

	// MaxRetryCount bounds transient-failure retries before a job moves to
	// the dead-letter table.
	MaxRetryCount int `yaml:"max_retry_count" json:"max_retry_count,omitempty"`

	// BackoffBase is the initial interval for the exponential retry backoff.
	BackoffBase string `yaml:"backoff_base" json:"backoff_base,omitempty"`

	// BackoffMultiplier scales the interval on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier,omitempty"`

	// DatabasePath is the catalog.db location.
	DatabasePath string `yaml:"database_path" json:"database_path,omitempty"`

	// ConsecutiveFailureThreshold pauses a parser after this many
	// consecutive permanent failures (circuit breaker).
	ConsecutiveFailureThreshold int `yaml:"consecutive_failure_threshold" json:"consecutive_failure_threshold,omitempty"`

	// CleanupIntervalSeconds is not read by the control plane: its
	// requeue_stale sweep runs on sentinel.cleanup_interval.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" json:"cleanup_interval_seconds,omitempty"`
}

// DefaultQueueConfig returns the default job queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		HeartbeatInterval:           "60s",
		StaleThreshold:              "5m",
		MaxRetryCount:               5,
		BackoffBase:                 "1s",
		BackoffMultiplier:           4,
		DatabasePath:                "catalog.db",
		ConsecutiveFailureThreshold: 5,
		CleanupIntervalSeconds:      10,
	}
}

// ConsecutiveParserFailures returns the circuit-breaker threshold,
// defaulting to 5 if unset (spec.md §4.3).
func (q *QueueConfig) ConsecutiveParserFailures() int {
	if q.ConsecutiveFailureThreshold <= 0 {
		return 5
	}
	return q.ConsecutiveFailureThreshold
}

// GetHeartbeatInterval returns HeartbeatInterval as a duration.
func (q *QueueConfig) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(q.HeartbeatInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetStaleThreshold returns StaleThreshold as a duration.
func (q *QueueConfig) GetStaleThreshold() time.Duration {
	d, err := time.ParseDuration(q.StaleThreshold)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetBackoffBase returns BackoffBase as a duration.
func (q *QueueConfig) GetBackoffBase() time.Duration {
	d, err := time.ParseDuration(q.BackoffBase)
	if err != nil {
		return 1 * time.Second
	}
	return d
}
