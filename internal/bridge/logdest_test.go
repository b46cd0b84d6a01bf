package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileDestinationWritesDatedPerJobLog(t *testing.T) {
	home := t.TempDir()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	dest, err := NewFileDestination(home, 42, now)
	if err != nil {
		t.Fatalf("NewFileDestination: %v", err)
	}
	if err := dest.Write(2, "hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	expectedPath := filepath.Join(home, "logs", "2026-03-05", "42.log")
	data, err := os.ReadFile(expectedPath)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", expectedPath, err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file does not contain the written message: %q", data)
	}
}

func TestFileDestinationTruncatesTailPastCap(t *testing.T) {
	home := t.TempDir()
	dest, err := NewFileDestination(home, 1, time.Now())
	if err != nil {
		t.Fatalf("NewFileDestination: %v", err)
	}

	// Put the recorded size just under the cap before each write so the test
	// doesn't need to write 10MiB.
	line := strings.Repeat("x", 1024)
	for i := 0; i < 20; i++ {
		dest.size = maxLogFileBytes - int64(len(line)/2)
		if err := dest.Write(0, line); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(dest.path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if int64(len(data)) >= maxLogFileBytes {
		t.Errorf("expected the file to stay under the cap after tail-truncation, got %d bytes", len(data))
	}
}
