package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"casparianflow/internal/config"
	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
)

// Validator checks record batches against SchemaContracts (spec.md §4.5).
type Validator struct {
	cfg *config.ValidatorConfig
}

// New returns a Validator configured by cfg.
func New(cfg *config.ValidatorConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Config returns the quarantine-threshold configuration this Validator was
// constructed with, so callers applying Decide use the same policy.
func (v *Validator) Config() *config.ValidatorConfig {
	return v.cfg
}

// ValidateBatch decodes a self-describing Arrow IPC stream payload (as sent
// over the bridge wire, spec.md §4.1) and partitions its rows against
// contract into clean and quarantine (spec.md §4.5).
func (v *Validator) ValidateBatch(contract protocol.SchemaContract, payload []byte) (*Split, error) {
	reader, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open arrow ipc stream for output %s: %w", contract.OutputName, err)
	}
	defer reader.Release()

	result := &Split{}
	var rowOffset int64

	for reader.Next() {
		rec := reader.Record()
		split, err := v.validateRecord(contract, rec, rowOffset)
		if err != nil {
			return nil, err
		}
		result.CleanIndices = append(result.CleanIndices, split.CleanIndices...)
		result.Quarantine = append(result.Quarantine, split.Quarantine...)
		rowOffset += rec.NumRows()
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read arrow ipc stream for output %s: %w", contract.OutputName, err)
	}

	if len(result.Quarantine) > 0 {
		logging.ValidatorWarn("output %s: %d/%d rows quarantined", contract.OutputName, len(result.Quarantine), result.TotalRows())
	}
	return result, nil
}

// ValidateRecord validates a single already-decoded record batch against
// contract, with row indices local to rec (spec.md §4.5). The executor uses
// this directly when it needs the decoded arrow.Record alongside the split
// (to pass both to a sink's write_batch), rather than re-decoding payload
// bytes that ValidateBatch already consumed.
func (v *Validator) ValidateRecord(contract protocol.SchemaContract, rec arrow.Record) (*Split, error) {
	return v.validateRecord(contract, rec, 0)
}

// validateRecord checks structural compatibility (column presence/count)
// first: a structural violation quarantines every row in the record, since
// there is no well-formed per-row interpretation otherwise. Then each
// present row is checked column by column.
func (v *Validator) validateRecord(contract protocol.SchemaContract, rec arrow.Record, rowOffset int64) (*Split, error) {
	schema := rec.Schema()
	fieldIndex := map[string]int{}
	for i, f := range schema.Fields() {
		fieldIndex[f.Name] = i
	}

	if structuralKind, ok := structuralViolation(contract, schema); ok {
		return quarantineWholeRecord(contract, rec, rowOffset, structuralKind), nil
	}

	split := &Split{}
	numRows := int(rec.NumRows())

	for row := 0; row < numRows; row++ {
		violation, ok := v.checkRow(contract, rec, fieldIndex, row, rowOffset)
		if ok {
			rowJSON, err := rowToJSON(rec, row)
			if err != nil {
				return nil, fmt.Errorf("serialize quarantined row %d: %w", rowOffset+int64(row), err)
			}
			split.Quarantine = append(split.Quarantine, QuarantineRow{
				RowIndex:  rowOffset + int64(row),
				RowJSON:   rowJSON,
				Violation: violation,
			})
		} else {
			split.CleanIndices = append(split.CleanIndices, rowOffset+int64(row))
		}
	}
	return split, nil
}

// structuralViolation reports a batch-wide violation when the contract's
// column set cannot be reconciled against the record's schema at all
// (spec.md §4.5 column_name_mismatch / column_count_mismatch).
func structuralViolation(contract protocol.SchemaContract, schema *arrow.Schema) (ViolationKind, bool) {
	present := map[string]bool{}
	for _, f := range schema.Fields() {
		present[f.Name] = true
	}

	for _, col := range contract.Columns {
		if present[col.Name] {
			continue
		}
		if contract.Mode == protocol.ModeAllowMissingOptional && col.Nullable {
			continue
		}
		return ViolationColumnNameMismatch, true
	}

	if contract.Mode == protocol.ModeStrict && len(schema.Fields()) != len(contract.Columns) {
		return ViolationColumnCountMismatch, true
	}

	return "", false
}

func quarantineWholeRecord(contract protocol.SchemaContract, rec arrow.Record, rowOffset int64, kind ViolationKind) *Split {
	split := &Split{}
	numRows := int(rec.NumRows())
	for row := 0; row < numRows; row++ {
		rowJSON, err := rowToJSON(rec, row)
		if err != nil {
			rowJSON = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		split.Quarantine = append(split.Quarantine, QuarantineRow{
			RowIndex:  rowOffset + int64(row),
			RowJSON:   rowJSON,
			Violation: newViolation(contract.OutputName, "", kind, rowOffset+int64(row), ""),
		})
	}
	return split
}

// checkRow validates one row against every declared contract column,
// returning the first violation found (a row either passes entirely or is
// quarantined under a single violation).
func (v *Validator) checkRow(contract protocol.SchemaContract, rec arrow.Record, fieldIndex map[string]int, row int, rowOffset int64) (ViolationContext, bool) {
	for _, col := range contract.Columns {
		idx, present := fieldIndex[col.Name]
		if !present {
			// Already covered by structuralViolation when required; an
			// optional missing column under allow_missing_optional has
			// nothing to check per row.
			continue
		}

		arr := rec.Column(idx)
		isNull := arr.IsNull(row)

		if isNull {
			if !col.Nullable {
				return newViolation(contract.OutputName, col.Name, ViolationNullNotAllowed, rowOffset+int64(row), "null"), true
			}
			continue
		}

		sample := cellString(arr, row)
		if ok, kind := checkCellType(col, arr, row); !ok {
			return newViolation(contract.OutputName, col.Name, kind, rowOffset+int64(row), sample), true
		}
	}
	return ViolationContext{}, false
}

// checkCellType reports whether arr's value at row satisfies col's logical
// type, allowing the guest's documented string fallback (spec.md §4.4
// "Serialization safety": a problematic column may arrive as a UTF-8
// string array instead of its native type) provided the string still
// parses as the declared type.
func checkCellType(col protocol.Column, arr arrow.Array, row int) (bool, ViolationKind) {
	switch col.LogicalType {
	case protocol.TypeString, protocol.TypeBinary:
		switch arr.(type) {
		case *array.String, *array.LargeString, *array.Binary, *array.LargeBinary:
			return true, ""
		}
		return false, ViolationTypeMismatch

	case protocol.TypeBool:
		if _, ok := arr.(*array.Boolean); ok {
			return true, ""
		}
		if s, ok := stringCell(arr, row); ok {
			if _, err := strconv.ParseBool(s); err == nil {
				return true, ""
			}
			return false, ViolationFormatMismatch
		}
		return false, ViolationTypeMismatch

	case protocol.TypeInt64:
		switch a := arr.(type) {
		case *array.Int64:
			return true, ""
		case *array.Int32:
			_ = a
			return true, ""
		}
		if s, ok := stringCell(arr, row); ok {
			if _, err := strconv.ParseInt(s, 10, 64); err == nil {
				return true, ""
			}
			return false, ViolationFormatMismatch
		}
		return false, ViolationTypeMismatch

	case protocol.TypeFloat64, protocol.TypeDecimal:
		switch arr.(type) {
		case *array.Float64, *array.Float32, *array.Decimal128, *array.Decimal256:
			return true, ""
		}
		if s, ok := stringCell(arr, row); ok {
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				return true, ""
			}
			return false, ViolationFormatMismatch
		}
		return false, ViolationTypeMismatch

	case protocol.TypeDate:
		switch arr.(type) {
		case *array.Date32, *array.Date64:
			return true, ""
		}
		return checkFormattedString(arr, row, col.FormatHint, "2006-01-02")

	case protocol.TypeTimestamp:
		switch arr.(type) {
		case *array.Timestamp:
			return true, ""
		}
		return checkFormattedString(arr, row, col.FormatHint, time.RFC3339)

	default:
		return true, ""
	}
}

// checkFormattedString validates a string-fallback cell against a format
// hint (defaulting to layout when the contract gives none); used for
// date/timestamp columns that arrived as the guest's UTF-8 fallback.
func checkFormattedString(arr arrow.Array, row int, formatHint, layout string) (bool, ViolationKind) {
	s, ok := stringCell(arr, row)
	if !ok {
		return false, ViolationTypeMismatch
	}
	if formatHint != "" {
		layout = formatHint
	}
	if _, err := time.Parse(layout, s); err != nil {
		return false, ViolationFormatMismatch
	}
	return true, ""
}

func stringCell(arr arrow.Array, row int) (string, bool) {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row), true
	case *array.LargeString:
		return a.Value(row), true
	}
	return "", false
}

// cellString renders a cell's value for violation samples, regardless of
// its underlying arrow type.
func cellString(arr arrow.Array, row int) string {
	if s, ok := stringCell(arr, row); ok {
		return s
	}
	return arr.ValueStr(row)
}

// rowToJSON serializes an entire row as JSON of Arrow values (spec.md §3
// QuarantineRow "original row as JSON of Arrow values").
func rowToJSON(rec arrow.Record, row int) (string, error) {
	obj := make(map[string]interface{}, rec.NumCols())
	schema := rec.Schema()
	for i := 0; i < int(rec.NumCols()); i++ {
		arr := rec.Column(i)
		name := schema.Field(i).Name
		if arr.IsNull(row) {
			obj[name] = nil
			continue
		}
		obj[name] = arr.ValueStr(row)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decide applies the per-job quarantine policy (spec.md §4.5): the job
// fails outright if the quarantine ratio or absolute count exceeds
// configured limits; otherwise a nonzero quarantine count still completes
// the job, just as CompletedWithWarnings.
func Decide(cfg *config.ValidatorConfig, totalRows, quarantinedRows int64) (failJob bool, reason string) {
	if totalRows == 0 {
		return false, ""
	}
	ratio := float64(quarantinedRows) / float64(totalRows)
	if ratio > cfg.QuarantineThreshold {
		return true, fmt.Sprintf("quarantine ratio %.4f exceeds threshold %.4f", ratio, cfg.QuarantineThreshold)
	}
	if cfg.MaxQuarantineRows > 0 && quarantinedRows > int64(cfg.MaxQuarantineRows) {
		return true, fmt.Sprintf("quarantined rows %d exceed max %d", quarantinedRows, cfg.MaxQuarantineRows)
	}
	return false, ""
}
