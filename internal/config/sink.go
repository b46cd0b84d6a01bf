package config

// SinkConfig configures the staged-write/atomic-promote sink registry.
type SinkConfig struct {
	// StagingDir is the root of per-job staging trees
	// (staging/{job_id}/{output_name}/). Defaults to $HOME/.casparian/staging.
	StagingDir string `yaml:"staging_dir" json:"staging_dir,omitempty"`

	// PromotedDir is the root promoted outputs are renamed into. Defaults to
	// $HOME/.casparian/promoted.
	PromotedDir string `yaml:"promoted_dir" json:"promoted_dir,omitempty"`

	// ParquetRowGroupSize bounds the number of buffered rows per Parquet
	// row group before a flush.
	ParquetRowGroupSize int64 `yaml:"parquet_row_group_size" json:"parquet_row_group_size,omitempty"`
}

// DefaultSinkConfig returns the default sink registry configuration.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		StagingDir:          "",
		PromotedDir:         "",
		ParquetRowGroupSize: 50000,
	}
}
