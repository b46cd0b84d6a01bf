package build

import (
	"testing"

	"casparianflow/internal/config"
)

func TestEnvKeyHelpers(t *testing.T) {
	env := []string{"FOO=1", "BAR=2"}

	if !hasEnvKey(env, "FOO") {
		t.Fatalf("hasEnvKey(env, FOO) = false, want true")
	}
	if hasEnvKey(env, "BA") {
		t.Fatalf("hasEnvKey(env, BA) = true, want false")
	}

	updated := setEnvKey(append([]string{}, env...), "FOO", "3")
	if !hasEnvKey(updated, "FOO") {
		t.Fatalf("setEnvKey did not retain FOO key")
	}
	if updated[0] != "FOO=3" {
		t.Fatalf("setEnvKey updated[0] = %q, want %q", updated[0], "FOO=3")
	}

	added := setEnvKey(append([]string{}, env...), "BAZ", "9")
	if !hasEnvKey(added, "BAZ") {
		t.Fatalf("setEnvKey did not add BAZ key")
	}

	merged := MergeEnv(env, "BAR=7", "BAZ=9")
	if !hasEnvKey(merged, "BAR") || !hasEnvKey(merged, "BAZ") {
		t.Fatalf("MergeEnv missing expected keys: %v", merged)
	}
	for _, entry := range merged {
		if entry == "BAR=2" {
			t.Fatalf("MergeEnv did not override BAR: %v", merged)
		}
	}
}

func TestGetEnvBuilderEnvOffline(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("HOME", "/home/tester")

	cfg := &config.ArtifactStoreConfig{Offline: true}
	env := GetEnvBuilderEnv(cfg, "env-abc123", "/home/tester/.casparian/envs/env-abc123")

	if !hasEnvKey(env, "PATH") {
		t.Fatal("expected PATH to be carried through")
	}
	if !hasEnvKey(env, "CASPARIAN_OFFLINE") {
		t.Fatal("expected CASPARIAN_OFFLINE=1 when cfg.Offline is true")
	}
	if !hasEnvKey(env, "CASPARIAN_ENV_HASH") {
		t.Fatal("expected CASPARIAN_ENV_HASH to be set")
	}
}

func TestGetEnvBuilderEnvOnline(t *testing.T) {
	cfg := &config.ArtifactStoreConfig{Offline: false}
	env := GetEnvBuilderEnv(cfg, "env-def456", "/tmp/env-def456")

	if hasEnvKey(env, "CASPARIAN_OFFLINE") {
		t.Fatal("did not expect CASPARIAN_OFFLINE when cfg.Offline is false")
	}
}

func TestEnvBuilderArgsIncludesOfflineFlag(t *testing.T) {
	cfg := &config.ArtifactStoreConfig{Offline: true}
	args := EnvBuilderArgs(cfg, "/tmp/lock.yaml", "/tmp/target")

	found := false
	for _, a := range args {
		if a == "--offline" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected --offline in args, got %v", args)
	}
}

func TestDeriveEnvCacheDir(t *testing.T) {
	got := DeriveEnvCacheDir("/home/tester/.casparian", "env-abc123")
	want := "/home/tester/.casparian/envs/env-abc123"
	if got != want {
		t.Fatalf("DeriveEnvCacheDir() = %q, want %q", got, want)
	}
}
