package artifactstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"casparianflow/internal/config"
)

// writeFakeBuilder writes a shell script standing in for the external
// environment builder: it creates --target and writes a marker file inside
// it, mirroring a real builder materializing a dependency environment.
func writeFakeBuilder(t *testing.T, dir string, exitCode int) string {
	t.Helper()
	path := filepath.Join(dir, "fake-env-builder.sh")
	script := "#!/bin/sh\n" +
		"target=\"\"\n" +
		"while [ \"$#\" -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"--target\" ]; then shift; target=\"$1\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"mkdir -p \"$target\"\n" +
		"touch \"$target/marker\"\n" +
		"exit " + itoa(exitCode) + "\n"

	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake builder: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestPrepareEnvBuildsOnFirstCall(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultArtifactStoreConfig()
	cfg.EnvBuilderPath = writeFakeBuilder(t, t.TempDir(), 0)
	s := New(home, &cfg)

	handle, err := s.PrepareEnv(context.Background(), "artifacthash", "envhash1", []byte("lockfile contents"))
	if err != nil {
		t.Fatalf("PrepareEnv: %v", err)
	}

	if handle.EnvHash != "envhash1" {
		t.Errorf("EnvHash = %q, want envhash1", handle.EnvHash)
	}
	if _, err := os.Stat(filepath.Join(handle.Path, "marker")); err != nil {
		t.Errorf("expected marker file in built environment: %v", err)
	}
}

func TestPrepareEnvReusesExistingEnvironment(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultArtifactStoreConfig()
	builderDir := t.TempDir()
	cfg.EnvBuilderPath = writeFakeBuilder(t, builderDir, 0)
	s := New(home, &cfg)

	ctx := context.Background()
	if _, err := s.PrepareEnv(ctx, "artifacthash", "envhash2", []byte("lockfile contents")); err != nil {
		t.Fatalf("first PrepareEnv: %v", err)
	}

	// Remove the builder so a second build attempt would fail; a cache hit
	// must not invoke it again.
	os.Remove(cfg.EnvBuilderPath)

	handle, err := s.PrepareEnv(ctx, "artifacthash", "envhash2", []byte("lockfile contents"))
	if err != nil {
		t.Fatalf("second PrepareEnv should reuse cache without invoking the builder: %v", err)
	}
	if _, err := os.Stat(filepath.Join(handle.Path, "marker")); err != nil {
		t.Errorf("expected marker file to persist from first build: %v", err)
	}
}

func TestPrepareEnvSurfacesBuilderFailure(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultArtifactStoreConfig()
	cfg.EnvBuilderPath = writeFakeBuilder(t, t.TempDir(), 7)
	s := New(home, &cfg)

	_, err := s.PrepareEnv(context.Background(), "artifacthash", "envhash3", []byte("lockfile contents"))
	if err == nil {
		t.Fatal("expected an error when the builder exits nonzero")
	}
}

func TestPrepareEnvRespectsContextTimeout(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultArtifactStoreConfig()
	cfg.EnvBuilderPath = writeFakeBuilder(t, t.TempDir(), 0)
	s := New(home, &cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := s.PrepareEnv(ctx, "artifacthash", "envhash4", []byte("lockfile contents"))
	if err == nil {
		t.Fatal("expected an error when the context is already expired")
	}
}
