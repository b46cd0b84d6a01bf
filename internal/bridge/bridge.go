// Package bridge spawns the isolated guest subprocess that runs a single
// parser execution and transports its Arrow record batches, log sideband,
// and error frames back to the host over a named-pipe transport (spec.md
// §4.4). The bridge treats guest code as untrusted: it never trusts guest
// exit codes beyond the kind signal they carry, and it never promotes
// output on its own — that is the executor's job once validation passes.
package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"casparianflow/internal/errkind"
	"casparianflow/internal/logging"
	"casparianflow/internal/protocol"
)

// LogSink receives a sideband log frame from the guest.
type LogSink func(level uint8, message string)

// Handlers are the host callbacks invoked as frames arrive during Run.
type Handlers struct {
	OnRecordBatch func(payload []byte) error
	OnLog         LogSink
}

// JobSpec describes a single bridge execution (spec.md §4.4 step 1-3).
type JobSpec struct {
	JobID          int64
	InputPath      string
	InterpreterPath string
	ShimScriptPath string
	ArchiveDir     string
	Entrypoint     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Inherit        bool // dev mode: inherit stdout/stderr for interactive debugging
	LogFilePath    string
}

// Result summarizes a completed (or aborted) bridge execution.
type Result struct {
	ErrorText  string
	ExitCode   int
	Transient  bool
	Aborted    bool
}

// Bridge runs one guest execution per job; a fresh Bridge is created per
// job by the executor (spec.md §4.7 step 3: "host prepares a temporary
// directory").
type Bridge struct {
	pipePath string
	mu       sync.Mutex
	cmd      *exec.Cmd
	canceled bool
}

// New allocates a Bridge bound to a fresh named-pipe path under pipeDir.
func New(pipeDir string) (*Bridge, error) {
	if err := os.MkdirAll(pipeDir, 0755); err != nil {
		return nil, fmt.Errorf("create pipe dir: %w", err)
	}
	pipePath := filepath.Join(pipeDir, "bridge-"+uuid.New().String()+".sock")
	if err := syscall.Mkfifo(pipePath, 0600); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", pipePath, err)
	}
	return &Bridge{pipePath: pipePath}, nil
}

// Close removes the named pipe file.
func (b *Bridge) Close() error {
	return os.Remove(b.pipePath)
}

// Cancel signals the guest's process group to terminate and marks this
// execution as aborted (spec.md §5 cancellation semantics: idempotent, no
// output promoted, heartbeats cease).
func (b *Bridge) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.canceled {
		return
	}
	b.canceled = true
	if b.cmd != nil && b.cmd.Process != nil {
		// Negative pid signals the whole process group (Setpgid was set at
		// spawn time).
		_ = syscall.Kill(-b.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// Run spawns the guest, awaits its connection to the transport, then reads
// framed messages until end-of-stream, an error frame, or timeout
// (spec.md §4.4 steps 3-6).
func (b *Bridge) Run(ctx context.Context, spec JobSpec, h Handlers) (Result, error) {
	env := append(os.Environ(), fmt.Sprintf("CASPARIAN_BRIDGE_PIPE=%s", b.pipePath))
	if spec.Entrypoint != "" {
		env = append(env, fmt.Sprintf("CASPARIAN_ENTRYPOINT=%s", spec.Entrypoint))
	}

	cmd := exec.CommandContext(ctx, spec.InterpreterPath, spec.ShimScriptPath, spec.InputPath, fmt.Sprintf("%d", spec.JobID))
	cmd.Dir = spec.ArchiveDir
	cmd.Env = env
	cmd.SysProcAttr = setpgidAttr()

	var logFile *os.File
	if spec.Inherit {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else if spec.LogFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogFilePath), 0755); err != nil {
			return Result{}, fmt.Errorf("create per-job log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return Result{}, fmt.Errorf("open per-job log file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return Result{}, errkind.New(errkind.UnknownError, err, map[string]string{"job_id": "int64"})
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	logging.Bridge("job %d: guest spawned pid=%d, awaiting connect on %s", spec.JobID, cmd.Process.Pid, b.pipePath)

	conn, err := b.awaitConnect(spec.ConnectTimeout)
	if err != nil {
		b.Cancel()
		_ = cmd.Wait()
		return Result{Transient: true}, errkind.New(errkind.TimeoutConnect, err, map[string]string{"job_id": "int64"})
	}
	defer conn.Close()

	result, readErr := b.readLoop(conn, spec.ReadTimeout, h)

	waitErr := cmd.Wait()
	b.mu.Lock()
	aborted := b.canceled
	b.mu.Unlock()
	result.Aborted = aborted

	if readErr != nil {
		return result, readErr
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	switch result.ExitCode {
	case 0:
		// success
	case 2:
		result.Transient = true
	case -1:
		if !aborted {
			return result, fmt.Errorf("guest process did not report an exit code")
		}
	default:
		// exit code 1 or any other nonzero: permanent failure
	}

	logging.Bridge("job %d: guest exited code=%d transient=%v aborted=%v", spec.JobID, result.ExitCode, result.Transient, aborted)
	return result, nil
}

// awaitConnect opens the read end of the named pipe, blocking until the
// guest opens its write end or timeout elapses (spec.md §4.4 step 4:
// CONNECT_TIMEOUT, default 30s).
func (b *Bridge) awaitConnect(timeout time.Duration) (*os.File, error) {
	type openResult struct {
		f   *os.File
		err error
	}
	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(b.pipePath, os.O_RDONLY, os.ModeNamedPipe)
		ch <- openResult{f, err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("guest did not connect within %s", timeout)
	}
}

// readLoop reads framed messages until end-of-stream or an error frame,
// enforcing READ_TIMEOUT per read (spec.md §4.4 step 5).
func (b *Bridge) readLoop(conn *os.File, readTimeout time.Duration, h Handlers) (Result, error) {
	var result Result

	for {
		type frameResult struct {
			frame protocol.BridgeFrame
			err   error
		}
		ch := make(chan frameResult, 1)
		go func() {
			f, err := protocol.ReadBridgeFrame(conn)
			ch <- frameResult{f, err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				return result, fmt.Errorf("read bridge frame: %w", r.err)
			}
			switch r.frame.Kind {
			case protocol.FrameEndOfStream:
				return result, nil
			case protocol.FrameError:
				result.ErrorText = r.frame.ErrorText
				return result, nil
			case protocol.FrameLog:
				if h.OnLog != nil {
					h.OnLog(r.frame.LogLevel, r.frame.LogMessage)
				}
			case protocol.FrameRecordBatch:
				if h.OnRecordBatch != nil {
					if err := h.OnRecordBatch(r.frame.RecordBatch); err != nil {
						return result, fmt.Errorf("handle record batch: %w", err)
					}
				}
			}
		case <-time.After(readTimeout):
			return result, errkind.New(errkind.TimeoutRead, fmt.Errorf("guest read timed out after %s", readTimeout), nil)
		}
	}
}
