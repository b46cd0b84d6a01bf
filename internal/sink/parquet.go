package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
	"casparianflow/internal/validator"
)

// buildParquetSchema renders spec.md §3 SchemaContract columns, the
// reserved lineage columns, and the quarantine metadata columns into
// xitongsys's JSON schema dialect, all OPTIONAL: one physical schema backs
// both clean and quarantine rows in the same staged file (quarantine
// columns simply read null on clean rows and vice versa), so a single
// writer instance serves both write_batch and write_quarantine.
func buildParquetSchema(contract protocol.SchemaContract) string {
	var sb strings.Builder
	sb.WriteString(`{"Tag":"name=root, repetitiontype=REQUIRED","Fields":[`)

	first := true
	writeField := func(name, ptype, converted string) {
		if !first {
			sb.WriteString(",")
		}
		first = false
		tag := fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", name, ptype)
		if converted != "" {
			tag += ", convertedtype=" + converted
		}
		sb.WriteString(fmt.Sprintf(`{"Tag":%q}`, tag))
	}

	for _, col := range contract.Columns {
		ptype, converted := parquetType(col.LogicalType)
		writeField(col.Name, ptype, converted)
	}
	for _, name := range protocol.LineageColumnNames {
		if name == protocol.ColJobID || name == protocol.ColProcessedAt {
			writeField(name, "INT64", "")
		} else {
			writeField(name, "BYTE_ARRAY", "UTF8")
		}
	}
	writeField("__cf_row_id", "INT64", "")
	writeField("__cf_violation_kind", "BYTE_ARRAY", "UTF8")
	writeField("__cf_violation_column", "BYTE_ARRAY", "UTF8")
	writeField("__cf_suggested_fix", "BYTE_ARRAY", "UTF8")
	writeField("__cf_row_json", "BYTE_ARRAY", "UTF8")

	sb.WriteString(`]}`)
	return sb.String()
}

// parquetType maps a contract LogicalType to a xitongsys physical
// type/convertedtype pair. decimal, date, and timestamp_tz are stored as
// UTF8 strings: xitongsys's fixed-point/date physical encodings require a
// scale/precision or epoch-unit decision the contract does not carry, and a
// string column round-trips every value the validator already accepted
// (including the guest's string-fallback form) without loss.
func parquetType(t protocol.LogicalType) (physical, converted string) {
	switch t {
	case protocol.TypeInt64:
		return "INT64", ""
	case protocol.TypeFloat64:
		return "DOUBLE", ""
	case protocol.TypeBool:
		return "BOOLEAN", ""
	case protocol.TypeBinary:
		return "BYTE_ARRAY", ""
	default: // string, decimal, date, timestamp_tz
		return "BYTE_ARRAY", "UTF8"
	}
}

// ParquetSink stages one output's rows into a row-oriented Parquet file
// under staging/{job_id}/{output_name}/ and promotes it by rename on
// Finish (spec.md §4.6).
type ParquetSink struct {
	jobID      int64
	outputName string
	mode       protocol.SinkMode
	stagingDir string
	targetPath string

	contract protocol.SchemaContract

	fw *local.LocalFileWriter
	pw *writer.JSONWriter

	rowGroupSize int64
	finished     bool
}

// NewParquetSink opens a staged Parquet writer for one job's output.
// targetDir is the promoted-output root; the final file path is chosen per
// sinkMode (spec.md §4.6 sink modes).
func NewParquetSink(jobID int64, contract protocol.SchemaContract, mode protocol.SinkMode, stagingRoot, targetDir string, rowGroupSize int64) (*ParquetSink, error) {
	stagingDir := filepath.Join(stagingRoot, fmt.Sprintf("%d", jobID), contract.OutputName)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir for output %s: %w", contract.OutputName, err)
	}

	stagedPath := filepath.Join(stagingDir, "data.parquet")
	fw, err := local.NewLocalFileWriter(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("open staged parquet file for output %s: %w", contract.OutputName, err)
	}

	schema := buildParquetSchema(contract)

	pw, err := writer.NewJSONWriter(schema, fw, 4)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("create parquet writer for output %s: %w", contract.OutputName, err)
	}
	pw.RowGroupSize = rowGroupSize
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	if rowGroupSize <= 0 {
		pw.RowGroupSize = 50000
	}

	var targetPath string
	switch mode {
	case protocol.SinkAppend:
		targetPath = filepath.Join(targetDir, contract.OutputName, fmt.Sprintf("%d-%s-%s.parquet", jobID, contract.OutputName, uuid.NewString()))
	default:
		targetPath = filepath.Join(targetDir, contract.OutputName, fmt.Sprintf("%s.parquet", contract.OutputName))
	}

	return &ParquetSink{
		jobID:        jobID,
		outputName:   contract.OutputName,
		mode:         mode,
		stagingDir:   stagingDir,
		targetPath:   targetPath,
		contract:     contract,
		fw:           fw,
		pw:           pw,
		rowGroupSize: rowGroupSize,
	}, nil
}

// WriteBatch writes clean rows, injecting lineage columns immediately
// before serialization (spec.md §4.6 step 2).
func (s *ParquetSink) WriteBatch(rec arrow.Record, cleanIndices []int64, lineage Lineage) error {
	if s.finished {
		return fmt.Errorf("sink %s already finished", s.outputName)
	}
	if err := rejectReservedColumns(rec); err != nil {
		return err
	}

	lrow := lineage.row()
	for _, idx := range cleanIndices {
		row := recordRowToMap(rec, int(idx))
		for k, v := range lrow {
			row[k] = v
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %d for output %s: %w", idx, s.outputName, err)
		}
		if err := s.pw.Write(string(data)); err != nil {
			return fmt.Errorf("write row %d to staged parquet for output %s: %w", idx, s.outputName, err)
		}
	}
	return nil
}

// WriteQuarantine writes quarantined rows with their violation context and
// lineage into the same staged file (spec.md §3 QuarantineRow).
func (s *ParquetSink) WriteQuarantine(rows []validator.QuarantineRow, lineage Lineage) error {
	if s.finished {
		return fmt.Errorf("sink %s already finished", s.outputName)
	}
	lrow := lineage.row()
	for _, qr := range rows {
		row := map[string]interface{}{
			"__cf_row_id":           qr.RowIndex,
			"__cf_violation_kind":   string(qr.Violation.Kind),
			"__cf_violation_column": qr.Violation.Column,
			"__cf_suggested_fix":    qr.Violation.SuggestedFix,
			"__cf_row_json":         qr.RowJSON,
		}
		for k, v := range lrow {
			row[k] = v
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal quarantine row %d for output %s: %w", qr.RowIndex, s.outputName, err)
		}
		if err := s.pw.Write(string(data)); err != nil {
			return fmt.Errorf("write quarantine row %d for output %s: %w", qr.RowIndex, s.outputName, err)
		}
	}
	return nil
}

// Finish stops the parquet writer, closes the staged file, and promotes it
// into targetPath per the sink's mode (spec.md §4.6 step 3).
func (s *ParquetSink) Finish() error {
	if s.finished {
		return nil
	}

	if err := s.pw.WriteStop(); err != nil {
		s.fw.Close()
		return fmt.Errorf("finalize staged parquet for output %s: %w", s.outputName, err)
	}
	if err := s.fw.Close(); err != nil {
		return fmt.Errorf("close staged parquet for output %s: %w", s.outputName, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.targetPath), 0755); err != nil {
		return fmt.Errorf("create promoted output dir for output %s: %w", s.outputName, err)
	}

	switch s.mode {
	case protocol.SinkError:
		if _, err := os.Stat(s.targetPath); err == nil {
			return fmt.Errorf("promote output %s: target already exists under Error sink mode: %s", s.outputName, s.targetPath)
		}
	case protocol.SinkAppend:
		if _, err := os.Stat(s.targetPath); err == nil {
			return fmt.Errorf("promote output %s: generated append filename collided: %s", s.outputName, s.targetPath)
		}
	case protocol.SinkReplace:
		// os.Rename below overwrites an existing target on the same volume.
	}

	stagedFile := filepath.Join(s.stagingDir, "data.parquet")
	if err := os.Rename(stagedFile, s.targetPath); err != nil {
		return fmt.Errorf("promote output %s: %w", s.outputName, err)
	}
	s.finished = true
	os.RemoveAll(s.stagingDir)

	logging.SinkDebug("promoted output %s for job %d to %s", s.outputName, s.jobID, s.targetPath)
	return nil
}

// Abort discards the staged file without promoting anything (spec.md §4.6
// "on error/cancel, abort() deletes staging").
func (s *ParquetSink) Abort() error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.pw.WriteStop()
	s.fw.Close()
	return os.RemoveAll(s.stagingDir)
}
