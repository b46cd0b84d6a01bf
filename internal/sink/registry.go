package sink

import (
	"fmt"
	"strings"

	"casparianflow/internal/config"
	"casparianflow/internal/protocol"
)

// Registry opens and tracks the sinks for one job's outputs (spec.md §4.6
// step 1: "for each (output_name, sink_uri, sink_mode), create a sink
// instance ... directory is exclusive to this job").
type Registry struct {
	cfg   *config.SinkConfig
	sinks map[string]Sink
}

// NewRegistry returns an empty registry bound to cfg's staging/promoted
// roots.
func NewRegistry(cfg *config.SinkConfig) *Registry {
	return &Registry{cfg: cfg, sinks: map[string]Sink{}}
}

// sinkURIScheme splits a sink_uri into a scheme ("parquet", "sqlite") and
// the remainder. A sink_uri with no "://" is treated as a parquet sink, with
// the whole uri as the remainder.
func sinkURIScheme(uri string) (scheme, rest string) {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[:idx], uri[idx+3:]
	}
	return "parquet", uri
}

// Open creates one sink instance per (output_name, sink_uri, sink_mode) in
// sinks, keyed by output name, for the outputs named in contracts.
func (r *Registry) Open(jobID int64, sinks []protocol.SinkSpec, contracts map[string]protocol.SchemaContract) error {
	for _, spec := range sinks {
		contract, ok := contracts[spec.OutputName]
		if !ok {
			return fmt.Errorf("open sinks: no contract declared for output %q", spec.OutputName)
		}

		scheme, rest := sinkURIScheme(spec.SinkURI)
		var s Sink
		var err error

		switch scheme {
		case "sqlite":
			dbPath := rest
			if dbPath == "" {
				dbPath = r.cfg.PromotedDir + "/catalog.db"
			}
			s, err = NewSQLiteSink(jobID, contract, spec.Mode, dbPath)
		case "parquet", "":
			s, err = NewParquetSink(jobID, contract, spec.Mode, r.cfg.StagingDir, r.cfg.PromotedDir, r.cfg.ParquetRowGroupSize)
		default:
			return fmt.Errorf("open sinks: unsupported sink_uri scheme %q for output %q", scheme, spec.OutputName)
		}
		if err != nil {
			r.Abort()
			return fmt.Errorf("open sink for output %q: %w", spec.OutputName, err)
		}
		r.sinks[spec.OutputName] = s
	}
	return nil
}

// Get returns the open sink for outputName, or false if none was opened.
func (r *Registry) Get(outputName string) (Sink, bool) {
	s, ok := r.sinks[outputName]
	return s, ok
}

// Finish promotes every open sink. On the first failure it aborts every
// sink (including the ones that already finished have nothing left to
// abort) and returns the error, since a partial promote across outputs
// would violate spec.md §4.6's atomic-commit intent at the job level.
func (r *Registry) Finish() error {
	for name, s := range r.sinks {
		if err := s.Finish(); err != nil {
			r.Abort()
			return fmt.Errorf("finish sink for output %q: %w", name, err)
		}
	}
	return nil
}

// Abort discards staging for every open sink (spec.md §4.6 "on error/
// cancel, abort() deletes staging"), tolerating sinks that errored during
// Open.
func (r *Registry) Abort() {
	for _, s := range r.sinks {
		_ = s.Abort()
	}
}
