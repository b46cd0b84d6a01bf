package config

// ValidatorConfig configures schema-contract row validation.
type ValidatorConfig struct {
	// QuarantineThreshold is the maximum fraction of a batch's rows that may
	// fail validation before the job itself fails.
	QuarantineThreshold float64 `yaml:"quarantine_threshold" json:"quarantine_threshold,omitempty"`

	// MaxQuarantineRows caps how many violating rows are retained for the
	// failure receipt / quarantine sink per job, regardless of threshold.
	MaxQuarantineRows int `yaml:"max_quarantine_rows" json:"max_quarantine_rows,omitempty"`

	// QuarantinePersist controls whether quarantined rows are written to a
	// sink (true) or only counted for the receipt (false). A job that fails
	// the quarantine threshold aborts all of its sinks, so its quarantined
	// rows are discarded whatever this setting says.
	QuarantinePersist bool `yaml:"quarantine_persist" json:"quarantine_persist,omitempty"`

	// ConsecutiveParserFailures is not read by the queue: the per-parser
	// circuit breaker uses queue.consecutive_failure_threshold.
	ConsecutiveParserFailures int `yaml:"consecutive_parser_failures" json:"consecutive_parser_failures,omitempty"`
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		QuarantineThreshold:       0.5,
		MaxQuarantineRows:         10000,
		QuarantinePersist:         true,
		ConsecutiveParserFailures: 5,
	}
}
