package protocol

import (
	"encoding/hex"
	"io"
	"sync"

	"lukechampine.com/blake3"
)

// hasherPool reuses blake3 hashers across the high-frequency SourceHash /
// ArtifactHash calls on the ingestion hot path.
var hasherPool = sync.Pool{
	New: func() interface{} {
		return blake3.New(32, nil)
	},
}

// HashBytes returns the hex-encoded blake3-256 digest of data.
func HashBytes(data []byte) string {
	h := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader streams r through blake3 without buffering the whole input,
// used for SourceHash over input files that may be large.
func HashReader(r io.Reader) (string, error) {
	h := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SourceHash is blake3 of an InputFile's bytes (spec.md §3 InputFile).
func SourceHash(r io.Reader) (string, error) {
	return HashReader(r)
}

// ArtifactHash is blake3(archive_bytes) (spec.md §3 ParserArtifact).
func ArtifactHash(archiveBytes []byte) string {
	return HashBytes(archiveBytes)
}

// EnvHash is blake3(lockfile_bytes) (spec.md §3 ParserArtifact).
func EnvHash(lockfileBytes []byte) string {
	return HashBytes(lockfileBytes)
}
