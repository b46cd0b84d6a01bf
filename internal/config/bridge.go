package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// BridgeConfig configures the host<->guest subprocess transport.
type BridgeConfig struct {
	// ConnectTimeout bounds how long the host waits for the guest to open
	// the named pipe after spawn.
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout,omitempty"`

	// ReadTimeout bounds how long the host waits for the next framed
	// message once connected.
	ReadTimeout string `yaml:"read_timeout" json:"read_timeout,omitempty"`

	// PipeDir is the directory named pipes are created under.
	PipeDir string `yaml:"pipe_dir" json:"pipe_dir,omitempty"`

	// MaxMessageBytes is not read: the control wire is bounded by
	// protocol.MaxControlPayloadBytes.
	MaxMessageBytes int64 `yaml:"max_message_bytes" json:"max_message_bytes,omitempty"`

	// ShimScriptPath is the embedded guest shim script passed as the
	// interpreter's first argument (spec.md §4.4 step 3).
	ShimScriptPath string `yaml:"shim_script_path" json:"shim_script_path,omitempty"`

	// InterpreterName is the guest interpreter binary name looked up inside
	// a prepared environment's bin/ directory (spec.md §4.4 step 1: "derives
	// the guest interpreter path from prepare_env").
	InterpreterName string `yaml:"interpreter_name" json:"interpreter_name,omitempty"`

	// WorkDir roots the per-job temporary directories the archive is
	// extracted into (spec.md §4.4 step 1).
	WorkDir string `yaml:"work_dir" json:"work_dir,omitempty"`

	// Inherit puts the bridge in dev mode: guest stdout/stderr are
	// inherited from the host terminal instead of written to a per-job log
	// file (spec.md §4.4 step 3).
	Inherit bool `yaml:"inherit" json:"inherit,omitempty"`

	// LogDir roots per-job guest log files at logs/{date}/{job_id}.log
	// (spec.md §4.10), used when Inherit is false.
	LogDir string `yaml:"log_dir" json:"log_dir,omitempty"`
}

// DefaultBridgeConfig returns the default bridge configuration.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		ConnectTimeout:  "30s",
		ReadTimeout:     "60s",
		PipeDir:         "",
		MaxMessageBytes: 4 << 30, // 4 GiB
		ShimScriptPath:  "",
		InterpreterName: "python3",
		WorkDir:         "",
		Inherit:         false,
		LogDir:          "",
	}
}

// LogFilePath returns the per-job guest log path (spec.md §4.10
// "logs/{date}/{job_id}.log"), or "" when LogDir is unset.
func (b *BridgeConfig) LogFilePath(jobID int64, at time.Time) string {
	if b.LogDir == "" {
		return ""
	}
	return filepath.Join(b.LogDir, at.UTC().Format("2006-01-02"), fmt.Sprintf("%d.log", jobID))
}

// GetConnectTimeout returns ConnectTimeout as a duration.
func (b *BridgeConfig) GetConnectTimeout() time.Duration {
	d, err := time.ParseDuration(b.ConnectTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetReadTimeout returns ReadTimeout as a duration.
func (b *BridgeConfig) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(b.ReadTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
