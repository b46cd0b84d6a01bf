// Package validator implements per-contract row validation (spec.md §4.5):
// type/nullability/format checks against a SchemaContract, splitting each
// record batch into clean and quarantine partitions with a ViolationContext
// attached to every quarantined row. Validation runs host-side, never in
// the guest.
package validator

import (
	"strings"
)

// ViolationKind classifies why a row failed its contract (spec.md §4.5).
type ViolationKind string

const (
	ViolationTypeMismatch        ViolationKind = "type_mismatch"
	ViolationNullNotAllowed      ViolationKind = "null_not_allowed"
	ViolationFormatMismatch      ViolationKind = "format_mismatch"
	ViolationColumnNameMismatch  ViolationKind = "column_name_mismatch"
	ViolationColumnCountMismatch ViolationKind = "column_count_mismatch"
)

// SuggestedFix names a remediation action for a ViolationKind (spec.md
// §4.5: "attach a SuggestedFix chosen by kind").
func (k ViolationKind) SuggestedFix() string {
	switch k {
	case ViolationTypeMismatch:
		return "change_type"
	case ViolationNullNotAllowed:
		return "make_nullable"
	case ViolationFormatMismatch:
		return "change_format"
	case ViolationColumnNameMismatch:
		return "rename_or_add_column"
	case ViolationColumnCountMismatch:
		return "adjust_column_count"
	default:
		return "manual_review"
	}
}

// ViolationContext records why one row (or, for structural violations, an
// entire batch) failed validation (spec.md §4.5).
type ViolationContext struct {
	OutputName   string
	Column       string
	Kind         ViolationKind
	RowIndex     int64
	Sample       string
	SuggestedFix string
}

func newViolation(outputName, column string, kind ViolationKind, rowIndex int64, sample string) ViolationContext {
	return ViolationContext{
		OutputName:   outputName,
		Column:       column,
		Kind:         kind,
		RowIndex:     rowIndex,
		Sample:       redactSample(column, sample),
		SuggestedFix: kind.SuggestedFix(),
	}
}

// sensitiveColumnNames are substrings whose presence in a column name
// causes sample values to be masked rather than quoted verbatim in a
// violation report.
var sensitiveColumnNames = []string{"ssn", "password", "secret", "token", "email", "phone", "credit_card"}

const maxSampleLen = 80

// redactSample truncates long values and masks values from columns whose
// name suggests sensitive content, since ViolationContext.Sample may end up
// in logs or the error catalog (spec.md §4.5 "sample (redaction-aware)").
func redactSample(column, value string) string {
	lower := strings.ToLower(column)
	for _, s := range sensitiveColumnNames {
		if strings.Contains(lower, s) {
			return "***REDACTED***"
		}
	}
	if len(value) > maxSampleLen {
		return value[:maxSampleLen] + "...(truncated)"
	}
	return value
}

// QuarantineRow is one row that failed validation, carrying the original
// row data and why it failed (spec.md §3 QuarantineRow).
type QuarantineRow struct {
	RowIndex  int64
	RowJSON   string
	Violation ViolationContext
}

// Split is the result of validating one record batch against a contract:
// indices that passed, and fully-described violations for the rest.
type Split struct {
	CleanIndices []int64
	Quarantine   []QuarantineRow
}

// TotalRows returns the number of rows this split covers.
func (s *Split) TotalRows() int64 {
	return int64(len(s.CleanIndices) + len(s.Quarantine))
}
