package protocol

import "testing"

func TestOutputTargetKeyStableAndDistinguishing(t *testing.T) {
	a := OutputTargetKey("file", "staging/events", "{job_id}-events-{shard}.parquet", "schema-1", SinkAppend)
	b := OutputTargetKey("file", "staging/events", "{job_id}-events-{shard}.parquet", "schema-1", SinkAppend)
	if a != b {
		t.Errorf("OutputTargetKey not stable: %s != %s", a, b)
	}

	c := OutputTargetKey("file", "staging/events", "{job_id}-events-{shard}.parquet", "schema-2", SinkAppend)
	if a == c {
		t.Error("OutputTargetKey did not change with schema_hash")
	}

	d := OutputTargetKey("file", "staging/events", "{job_id}-events-{shard}.parquet", "schema-1", SinkReplace)
	if a == d {
		t.Error("OutputTargetKey did not change with sink mode")
	}
}

func TestMaterializationKeyIdempotence(t *testing.T) {
	otk := OutputTargetKey("file", "staging/events", "events.parquet", "schema-1", SinkReplace)

	k1 := MaterializationKey(otk, "H_a", "A_demo1")
	k2 := MaterializationKey(otk, "H_a", "A_demo1")
	if k1 != k2 {
		t.Errorf("MaterializationKey not idempotent: %s != %s", k1, k2)
	}

	k3 := MaterializationKey(otk, "H_b", "A_demo1")
	if k1 == k3 {
		t.Error("MaterializationKey did not change with source_hash")
	}
}

func TestKeyFieldsInjective(t *testing.T) {
	// "ab","c" must not collide with "a","bc" once joined and hashed.
	k1 := OutputTargetKey("ab", "c", "x", "y", SinkAppend)
	k2 := OutputTargetKey("a", "bc", "x", "y", SinkAppend)
	if k1 == k2 {
		t.Error("field-boundary collision in key derivation")
	}
}
