package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// Handle is one running process instance.
type Handle interface {
	RunID() string
	PID() int
	Alive() bool
	Terminate() error // Polite stop (SIGTERM)
	Kill() error      // Forced stop after the grace period
}

// Launcher starts service processes. The exec implementation is swapped for
// a fake in tests.
type Launcher interface {
	Launch(ctx context.Context, d ServiceDescriptor) (Handle, error)
}

// execLauncher launches descriptors as OS processes.
type execLauncher struct{}

// NewExecLauncher returns the os/exec-backed launcher.
func NewExecLauncher() Launcher {
	return execLauncher{}
}

func (execLauncher) Launch(ctx context.Context, d ServiceDescriptor) (Handle, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &execHandle{
		runID: uuid.NewString(),
		cmd:   cmd,
		done:  make(chan struct{}),
	}

	// Reap the process as soon as it exits so Alive() reflects reality
	// without the caller having to Wait.
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

type execHandle struct {
	runID string
	cmd   *exec.Cmd
	done  chan struct{}
	err   error

	mu sync.Mutex
}

func (h *execHandle) RunID() string { return h.runID }
func (h *execHandle) PID() int      { return h.cmd.Process.Pid }

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Kill()
}
