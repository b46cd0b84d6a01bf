package artifactstore

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"casparianflow/internal/build"
	"casparianflow/internal/errkind"
	"casparianflow/internal/logging"
)

// EnvHandle is a prepared, ready-to-use execution environment.
type EnvHandle struct {
	EnvHash string
	Path    string
}

// BuildError carries the external environment builder's diagnostics
// (spec.md §4.2: "a rich error with the builder's exit code, stderr text,
// and remediation hints").
type BuildError struct {
	ExitCode int
	Stderr   string
	Hints    []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("environment builder exited %d: %s", e.ExitCode, e.Stderr)
}

// PrepareEnv looks up the cached environment for env_hash, building it if
// absent (spec.md §4.2). Race-free across processes via an exclusive
// filesystem lock on {env_hash}.lock; never returns a partially built
// environment; never executes guest code itself (only the external
// builder).
func (s *Store) PrepareEnv(ctx context.Context, artifactHash, envHash string, lockfileBytes []byte) (EnvHandle, error) {
	envDir := build.DeriveEnvCacheDir(s.homeDir, envHash)

	if info, err := os.Stat(envDir); err == nil && info.IsDir() {
		return EnvHandle{EnvHash: envHash, Path: envDir}, nil
	}

	envsRoot := filepath.Join(s.homeDir, "envs")
	if err := os.MkdirAll(envsRoot, 0755); err != nil {
		return EnvHandle{}, fmt.Errorf("create envs root: %w", err)
	}

	lockPath := filepath.Join(envsRoot, envHash+".lock")
	fl := flock.New(lockPath)

	locked, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return EnvHandle{}, fmt.Errorf("acquire env lock %s: %w", lockPath, err)
	}
	if !locked {
		return EnvHandle{}, fmt.Errorf("could not acquire env lock %s", lockPath)
	}
	defer fl.Unlock()

	// Recheck after acquiring the lock: another process may have just
	// finished the build while we waited.
	if info, err := os.Stat(envDir); err == nil && info.IsDir() {
		return EnvHandle{EnvHash: envHash, Path: envDir}, nil
	}

	logging.Artifact("building environment env_hash=%s for artifact_hash=%s", envHash, artifactHash)

	tmpDir, err := os.MkdirTemp(envsRoot, envHash+".build-*")
	if err != nil {
		return EnvHandle{}, fmt.Errorf("create build temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	lockfilePath, err := extractLockfile(tmpDir, lockfileBytes)
	if err != nil {
		return EnvHandle{}, fmt.Errorf("extract lockfile: %w", err)
	}

	if err := s.runEnvBuilder(ctx, envHash, lockfilePath, tmpDir); err != nil {
		return EnvHandle{}, err
	}

	if err := os.Rename(tmpDir, envDir); err != nil {
		return EnvHandle{}, fmt.Errorf("promote built environment into place: %w", err)
	}

	logging.Artifact("environment env_hash=%s ready at %s", envHash, envDir)
	return EnvHandle{EnvHash: envHash, Path: envDir}, nil
}

// extractLockfile writes the lockfile to dir/lockfile and returns its path.
// When lockfileBytes is a non-empty zip archive, its first member is
// written; any other payload is written as is.
func extractLockfile(dir string, lockfileBytes []byte) (string, error) {
	path := filepath.Join(dir, "lockfile")

	if zr, err := zip.NewReader(bytes.NewReader(lockfileBytes), int64(len(lockfileBytes))); err == nil && len(zr.File) > 0 {
		f := zr.File[0]
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()

		out, err := os.Create(path)
		if err != nil {
			return "", err
		}
		defer out.Close()

		if _, err := out.ReadFrom(rc); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := os.WriteFile(path, lockfileBytes, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) runEnvBuilder(ctx context.Context, envHash, lockfilePath, targetDir string) error {
	builderPath := "env-builder"
	if s.cfg != nil && s.cfg.EnvBuilderPath != "" {
		builderPath = s.cfg.EnvBuilderPath
	}

	if s.cfg != nil && s.cfg.EnvBuilderTimeout != "" {
		if d, err := time.ParseDuration(s.cfg.EnvBuilderTimeout); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	args := build.EnvBuilderArgs(s.cfg, lockfilePath, targetDir)
	cmd := exec.CommandContext(ctx, builderPath, args...)
	cmd.Env = build.GetEnvBuilderEnv(s.cfg, envHash, targetDir)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		buildErr := &BuildError{
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Hints: []string{
				"verify the environment builder executable is on PATH or set artifact_store.env_builder_path",
				"check the lockfile for unreachable dependency sources when offline mode is enabled",
			},
		}
		return errkind.New(errkind.EnvBuildFailed, buildErr, map[string]string{"env_hash": "string", "exit_code": "int"})
	}

	return nil
}
