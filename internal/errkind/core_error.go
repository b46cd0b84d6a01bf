package errkind

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"casparianflow/internal/protocol"
)

// CoreError wraps a failure with its kind, retry disposition, and a stable
// fingerprint for error-catalog grouping (spec.md §7).
type CoreError struct {
	Kind    Kind
	Cause   error
	stack   string
	context map[string]string // key -> Go type name, for fingerprinting only
}

// New wraps cause with kind, capturing the current call stack for
// fingerprinting. context describes any structured fields attached to the
// failure (e.g. {"column": "string", "row_index": "int"}); only keys and
// value *types* feed the fingerprint, never values, so repeated occurrences
// with different data still group together.
func New(kind Kind, cause error, context map[string]string) *CoreError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return &CoreError{
		Kind:    kind,
		Cause:   cause,
		stack:   string(buf[:n]),
		context: context,
	}
}

func (e *CoreError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s", e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this failure consumes retry budget.
func (e *CoreError) Retryable() bool {
	return e.Kind.Retryable()
}

var framePathLine = regexp.MustCompile(`(?m)^\s+\S+\.go:\d+.*$`)
var hexAddr = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// normalizedStack strips absolute file paths, line numbers, and memory
// addresses from a captured stack trace, leaving only function names so the
// fingerprint is stable across machines and builds (spec.md §7).
func normalizedStack(stack string) string {
	s := framePathLine.ReplaceAllString(stack, "")
	s = hexAddr.ReplaceAllString(s, "0x?")
	return strings.TrimSpace(s)
}

// contextSchema renders only the sorted key->type pairs of a context map,
// never the values (spec.md §7: "the context schema hashes only keys and
// value types").
func contextSchema(context map[string]string) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(context[k])
		sb.WriteString(";")
	}
	return sb.String()
}

// Fingerprint computes hash(kind, normalized_stack_trace, context_schema)
// (spec.md §7), used to group repeated occurrences in cf_error_catalog.
func (e *CoreError) Fingerprint() string {
	parts := string(e.Kind) + "\x00" + normalizedStack(e.stack) + "\x00" + contextSchema(e.context)
	return protocol.HashBytes([]byte(parts))
}
