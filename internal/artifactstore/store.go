// Package artifactstore implements the content-addressed parser bundle
// store and cached execution environments (spec.md §4.2): store/fetch of
// immutable archives, and prepare_env's race-free, filesystem-locked
// build-or-reuse of a parser's dependency environment.
package artifactstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"casparianflow/internal/config"
	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
)

// Metadata accompanies a stored artifact: the declarative surface named in
// spec.md §6 "Parser declaration surface".
type Metadata struct {
	Name       string
	Version    string
	Entrypoint string
	Topics     []string
}

// Store is the artifact store rooted at a home directory
// ($HOME/.casparian by default).
type Store struct {
	homeDir string
	cfg     *config.ArtifactStoreConfig
}

// New returns a Store rooted at homeDir.
func New(homeDir string, cfg *config.ArtifactStoreConfig) *Store {
	return &Store{homeDir: homeDir, cfg: cfg}
}

func (s *Store) artifactsDir() string {
	return filepath.Join(s.homeDir, "artifacts")
}

func (s *Store) artifactPath(artifactHash string) string {
	return filepath.Join(s.artifactsDir(), artifactHash)
}

func (s *Store) metadataPath(artifactHash string) string {
	return filepath.Join(s.artifactsDir(), artifactHash+".metadata.json")
}

// Store persists archiveBytes under artifact_hash, idempotent on
// artifact_hash (spec.md §4.2): a second Store call for an already-present
// hash is a no-op, since the archive's content (and therefore its bytes)
// cannot differ for the same hash without a blake3 collision.
func (s *Store) Store(artifactHash string, archiveBytes []byte, lockfileHash string, metadata Metadata) error {
	if protocol.ArtifactHash(archiveBytes) != artifactHash {
		return fmt.Errorf("artifact hash mismatch: declared %s, computed %s", artifactHash, protocol.ArtifactHash(archiveBytes))
	}

	if err := os.MkdirAll(s.artifactsDir(), 0755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}

	path := s.artifactPath(artifactHash)
	if _, err := os.Stat(path); err == nil {
		logging.ArtifactDebug("artifact %s already present, store is a no-op", artifactHash)
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, archiveBytes, 0644); err != nil {
		return fmt.Errorf("write artifact archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename artifact archive into place: %w", err)
	}

	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	if err := os.WriteFile(s.metadataPath(artifactHash), metaBytes, 0644); err != nil {
		return fmt.Errorf("write artifact metadata: %w", err)
	}

	logging.Artifact("stored artifact %s (%s v%s, %d bytes)", artifactHash, metadata.Name, metadata.Version, len(archiveBytes))
	return nil
}

// Fetch returns the archive bytes for artifact_hash.
func (s *Store) Fetch(artifactHash string) ([]byte, error) {
	data, err := os.ReadFile(s.artifactPath(artifactHash))
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", artifactHash, err)
	}
	return data, nil
}

// FetchMetadata returns the declarative metadata (name, version, entrypoint,
// topics) recorded alongside artifact_hash at Store time (spec.md §6
// "Parser declaration surface").
func (s *Store) FetchMetadata(artifactHash string) (Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(artifactHash))
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch artifact metadata %s: %w", artifactHash, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("parse artifact metadata %s: %w", artifactHash, err)
	}
	return m, nil
}

// Exists reports whether artifact_hash has been stored.
func (s *Store) Exists(artifactHash string) bool {
	_, err := os.Stat(s.artifactPath(artifactHash))
	return err == nil
}
