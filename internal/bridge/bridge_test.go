package bridge

import (
	"os"
	"testing"
	"time"

	"casparianflow/internal/protocol"
)

func TestNewBridgeCreatesAndRemovesNamedPipe(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info, err := os.Stat(b.pipePath)
	if err != nil {
		t.Fatalf("Stat pipe: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Error("expected a named pipe (FIFO), got a regular file")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(b.pipePath); !os.IsNotExist(err) {
		t.Error("expected pipe file to be removed after Close")
	}
}

func TestAwaitConnectTimesOutWithoutGuest(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	_, err = b.awaitConnect(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error when nothing opens the pipe's write end")
	}
}

func TestReadLoopHandlesRecordBatchLogAndEndOfStream(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	go func() {
		defer w.Close()
		_ = protocol.WriteRecordBatch(w, []byte("arrow-ipc-bytes"))
		_ = protocol.WriteLogFrame(w, 1, "parsing row 42")
		_ = protocol.WriteEndOfStream(w)
	}()

	var gotBatch []byte
	var gotLogLevel uint8
	var gotLogMsg string

	b := &Bridge{}
	result, err := b.readLoop(r, 2*time.Second, Handlers{
		OnRecordBatch: func(payload []byte) error {
			gotBatch = payload
			return nil
		},
		OnLog: func(level uint8, message string) {
			gotLogLevel = level
			gotLogMsg = message
		},
	})
	if err != nil {
		t.Fatalf("readLoop: %v", err)
	}
	if result.ErrorText != "" {
		t.Errorf("unexpected error text: %s", result.ErrorText)
	}
	if string(gotBatch) != "arrow-ipc-bytes" {
		t.Errorf("record batch = %q, want %q", gotBatch, "arrow-ipc-bytes")
	}
	if gotLogLevel != 1 || gotLogMsg != "parsing row 42" {
		t.Errorf("log frame = (%d, %q), want (1, %q)", gotLogLevel, gotLogMsg, "parsing row 42")
	}
}

func TestReadLoopCapturesErrorFrame(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	go func() {
		defer w.Close()
		_ = protocol.WriteErrorFrame(w, "parser crashed: division by zero")
	}()

	b := &Bridge{}
	result, err := b.readLoop(r, 2*time.Second, Handlers{})
	if err != nil {
		t.Fatalf("readLoop: %v", err)
	}
	if result.ErrorText != "parser crashed: division by zero" {
		t.Errorf("ErrorText = %q, want the guest's error message", result.ErrorText)
	}
}

func TestReadLoopTimesOutWithoutFrames(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	b := &Bridge{}
	_, err = b.readLoop(r, 20*time.Millisecond, Handlers{})
	if err == nil {
		t.Fatal("expected a read timeout error when the guest never sends a frame")
	}
}
