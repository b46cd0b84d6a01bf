package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLoggingState() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	homeDir = ""
	config = loggingConfig{}
	configLoaded = false
	auditLogger = nil
}

func writeTestConfig(t *testing.T, home string, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0755); err != nil {
		t.Fatalf("failed to create home dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestAllCategoriesLog(t *testing.T) {
	home := t.TempDir()
	writeTestConfig(t, home, `
logging:
  level: debug
  debug_mode: true
  categories:
    boot: true
    sentinel: true
    queue: true
    bridge: true
    validator: true
    sink: true
    artifact: true
    catalog: true
    executor: true
`)

	resetLoggingState()
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("expected debug mode enabled")
	}

	categories := []Category{
		CategoryBoot, CategorySentinel, CategoryQueue, CategoryBridge,
		CategoryValidator, CategorySink, CategoryArtifact, CategoryCatalog, CategoryExecutor,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("info for %s", cat)
		logger.Debug("debug for %s", cat)
		logger.Warn("warn for %s", cat)
		logger.Error("error for %s", cat)
	}

	Sentinel("convenience sentinel log")
	Queue("convenience queue log")
	Bridge("convenience bridge log")
	Validator("convenience validator log")
	Sink("convenience sink log")
	Artifact("convenience artifact log")
	Catalog("convenience catalog log")
	Executor("convenience executor log")

	CloseAll()
	CloseAudit()

	logsPath := logsDir
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if entry.Name() == string(cat)+".log" {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("failed to read log for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("no log file found for category %s", cat)
		}
	}
}

func TestDebugModeDisabled(t *testing.T) {
	home := t.TempDir()
	writeTestConfig(t, home, `
logging:
  level: debug
  debug_mode: false
  categories:
    boot: true
    queue: true
`)

	resetLoggingState()
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if IsDebugMode() {
		t.Fatal("expected debug mode disabled")
	}

	for _, cat := range []Category{CategoryBoot, CategoryQueue, CategoryBridge} {
		if IsCategoryEnabled(cat) {
			t.Errorf("category %s should be disabled in production mode", cat)
		}
	}

	Boot("should not be logged")
	Queue("should not be logged")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(home, "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("expected no log files in production mode, found %d", len(entries))
		}
	}
}

func TestCategoryToggle(t *testing.T) {
	home := t.TempDir()
	writeTestConfig(t, home, `
logging:
  level: debug
  debug_mode: true
  categories:
    boot: true
    queue: true
    bridge: false
    validator: false
`)

	resetLoggingState()
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) || !IsCategoryEnabled(CategoryQueue) {
		t.Error("boot and queue should be enabled")
	}
	if IsCategoryEnabled(CategoryBridge) || IsCategoryEnabled(CategoryValidator) {
		t.Error("bridge and validator should be disabled")
	}
	if !IsCategoryEnabled(CategorySink) {
		t.Error("sink (absent from config) should default to enabled")
	}

	Boot("should be logged")
	Queue("should be logged")
	Bridge("should not be logged")
	Validator("should not be logged")
	Sink("should be logged (default enabled)")

	CloseAll()
	CloseAudit()

	entries, _ := os.ReadDir(logsDir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	joined := strings.Join(names, ",")

	if !strings.Contains(joined, "boot.log") || !strings.Contains(joined, "queue.log") {
		t.Errorf("expected boot.log and queue.log, got %v", names)
	}
	if strings.Contains(joined, "bridge.log") || strings.Contains(joined, "validator.log") {
		t.Errorf("did not expect bridge.log or validator.log, got %v", names)
	}
}

func TestTimerLogging(t *testing.T) {
	home := t.TempDir()
	writeTestConfig(t, home, "logging:\n  level: debug\n  debug_mode: true\n")

	resetLoggingState()
	if err := Initialize(home); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	timer := StartTimer(CategoryQueue, "claim_next")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("timer should record a non-zero duration")
	}

	CloseAll()
	CloseAudit()
}
