package protocol

import "strings"

// SinkMode is the promote-time collision policy for an OutputTarget.
type SinkMode string

const (
	SinkAppend  SinkMode = "append"
	SinkReplace SinkMode = "replace"
	SinkError   SinkMode = "error"
)

// keyFields joins fields with a separator that cannot appear in any single
// field value in practice (URIs/names/hashes never carry NUL), so the joined
// string is injective over its inputs before hashing.
func keyFields(fields ...string) []byte {
	return []byte(strings.Join(fields, "\x00"))
}

// OutputTargetKey derives the stable identity of an output target from the
// sink URI kind+location, the table/file name template, the schema hash,
// and the sink mode (spec.md §3 OutputTarget).
func OutputTargetKey(sinkURIKind, sinkLocation, nameTemplate, schemaHash string, mode SinkMode) string {
	return HashBytes(keyFields(sinkURIKind, sinkLocation, nameTemplate, schemaHash, string(mode)))
}

// MaterializationKey derives the idempotency key for a completed promotion:
// hash(output_target_key, source_hash, artifact_hash) (spec.md §3 Materialization,
// §4.9).
func MaterializationKey(outputTargetKey, sourceHash, artifactHash string) string {
	return HashBytes(keyFields(outputTargetKey, sourceHash, artifactHash))
}
