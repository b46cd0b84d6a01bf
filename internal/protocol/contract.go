package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReservedLineagePrefix is the namespace injected by the core on every
// output row; no parser-declared column may begin with it (spec.md §3).
const ReservedLineagePrefix = "_cf_"

// ContractMode controls how a batch's column set is reconciled against a
// SchemaContract's declared columns (spec.md §3 SchemaContract).
type ContractMode string

const (
	ModeStrict              ContractMode = "strict"
	ModeAllowExtra          ContractMode = "allow_extra"
	ModeAllowMissingOptional ContractMode = "allow_missing_optional"
)

// LogicalType is the contract-level type a column's values must satisfy.
type LogicalType string

const (
	TypeString    LogicalType = "string"
	TypeInt64     LogicalType = "int64"
	TypeFloat64   LogicalType = "float64"
	TypeBool      LogicalType = "bool"
	TypeDecimal   LogicalType = "decimal"
	TypeDate      LogicalType = "date"
	TypeTimestamp LogicalType = "timestamp_tz"
	TypeBinary    LogicalType = "binary"
)

// Column is one ordered column declaration in a SchemaContract.
type Column struct {
	Name         string      `json:"name"`
	LogicalType  LogicalType `json:"logical_type"`
	Nullable     bool        `json:"nullable"`
	FormatHint   string      `json:"format_hint,omitempty"`
}

// SchemaContract is the per-output validation contract (spec.md §3, §4.5).
type SchemaContract struct {
	OutputName string       `json:"output_name"`
	Columns    []Column     `json:"columns"`
	Mode       ContractMode `json:"mode"`
}

// Validate checks the contract-level invariant that no column begins with
// the reserved lineage prefix (spec.md §3 SchemaContract invariant).
func (c SchemaContract) Validate() error {
	for _, col := range c.Columns {
		if strings.HasPrefix(col.Name, ReservedLineagePrefix) {
			return fmt.Errorf("contract %s: column %q uses reserved lineage prefix %q", c.OutputName, col.Name, ReservedLineagePrefix)
		}
	}
	return nil
}

// SchemaHash computes the contract's stable canonicalized schema_hash
// (spec.md §4.1 canonicalize(contract) -> schema_hash). Canonicalization is
// JSON with ordered struct fields (column order is already semantically
// significant and preserved, not sorted) over a minimal projection so
// unrelated struct additions never perturb the hash.
func (c SchemaContract) SchemaHash() (string, error) {
	type canonicalColumn struct {
		Name        string `json:"name"`
		LogicalType string `json:"logical_type"`
		Nullable    bool   `json:"nullable"`
		FormatHint  string `json:"format_hint"`
	}
	type canonicalContract struct {
		OutputName string            `json:"output_name"`
		Mode       string            `json:"mode"`
		Columns    []canonicalColumn `json:"columns"`
	}

	cc := canonicalContract{
		OutputName: c.OutputName,
		Mode:       string(c.Mode),
		Columns:    make([]canonicalColumn, len(c.Columns)),
	}
	for i, col := range c.Columns {
		cc.Columns[i] = canonicalColumn{
			Name:        col.Name,
			LogicalType: string(col.LogicalType),
			Nullable:    col.Nullable,
			FormatHint:  col.FormatHint,
		}
	}

	data, err := json.Marshal(cc)
	if err != nil {
		return "", fmt.Errorf("canonicalize contract %s: %w", c.OutputName, err)
	}
	return HashBytes(data), nil
}
