// Package ptysup supervises the AI-assistant child processes. Each agent gets
// one pseudo-terminal: the supervisor spawns the assistant binary, forwards
// its output, accepts input and resizes, watches the stream for completion
// markers, and drives the approval micro-protocol against the assistant's
// interactive prompts.
package ptysup

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/droverhq/drover/internal/approval"
)

// Default terminal dimensions for spawned assistants.
const (
	defaultCols = 120
	defaultRows = 40
)

// candidateBinaryPaths are tried in order when no environment override is
// set, before falling back to PATH lookup.
var candidateBinaryPaths = []string{
	"/usr/local/bin/claude",
	"/opt/homebrew/bin/claude",
	"/usr/bin/claude",
}

const assistantBinaryName = "claude"

// Request describes one approval pause detected in an agent's terminal
// stream, enriched with the classifier's verdict and advisory flags.
type Request struct {
	ID       string
	Command  string
	UIKind   approval.UIKind
	Decision approval.Decision
	Flags    approval.Flags
	Context  string // Up to 4 KiB of surrounding terminal output
}

// Callbacks routes supervisor signals to the agent manager. All callbacks are
// invoked without supervisor locks held and must not block for long; the
// output path in particular must never panic or return control abnormally.
type Callbacks struct {
	OnOutput         func(chunk []byte)
	OnTasksCompleted func()
	OnApprovalNeeded func(req Request)
	OnAutoDenied     func(req Request)
	OnAutoApproved   func(req Request)
	OnExit           func(exitCode int, signal string)
	OnError          func(err error)
}

// Supervisor owns the live PTY instances, keyed by agent id. It is safe for
// concurrent use.
type Supervisor struct {
	binaryOverride string

	mu        sync.Mutex
	instances map[string]*instance
}

// New creates a Supervisor. binaryOverride, when non-empty, is used as the
// assistant binary path instead of the candidate list and PATH.
func New(binaryOverride string) *Supervisor {
	return &Supervisor{
		binaryOverride: binaryOverride,
		instances:      make(map[string]*instance),
	}
}

// locateBinary finds the assistant binary: environment override first, then
// the fixed candidate paths, then PATH.
func (s *Supervisor) locateBinary() (string, error) {
	if s.binaryOverride != "" {
		if _, err := os.Stat(s.binaryOverride); err != nil {
			return "", fmt.Errorf("assistant binary override %s: %w", s.binaryOverride, err)
		}
		return s.binaryOverride, nil
	}
	for _, candidate := range candidateBinaryPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(assistantBinaryName)
	if err != nil {
		return "", fmt.Errorf("assistant binary not found: %w", err)
	}
	return path, nil
}

// Spawn launches the assistant for one agent inside a fresh PTY with the
// initial prompt as a command-line argument, running in accept-edits
// permission mode. Returns the OS process id.
func (s *Supervisor) Spawn(agentID, workDir, prompt string, cb Callbacks) (int, error) {
	binary, err := s.locateBinary()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if _, exists := s.instances[agentID]; exists {
		s.mu.Unlock()
		return 0, fmt.Errorf("agent %s already has a live PTY", agentID)
	}
	s.mu.Unlock()

	cmd := exec.Command(binary, "--permission-mode", "acceptEdits", prompt)
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return 0, fmt.Errorf("failed to start assistant in pty: %w", err)
	}

	inst := newInstance(agentID, workDir, ptmx, cb)
	inst.cmd = cmd
	inst.ptmx = ptmx

	s.mu.Lock()
	s.instances[agentID] = inst
	s.mu.Unlock()

	go s.readLoop(inst)

	return cmd.Process.Pid, nil
}

// readLoop pumps PTY output into the instance until the child exits, then
// reports the exit and removes the instance from the live map. EIO on read is
// the normal end-of-stream signal for a PTY.
func (s *Supervisor) readLoop(inst *instance) {
	buf := make([]byte, 4096)
	for {
		n, err := inst.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			inst.handleOutput(chunk)
		}
		if err != nil {
			break
		}
	}

	err := inst.cmd.Wait()
	_ = inst.ptmx.Close()
	inst.stopTimers()

	exitCode := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			exitCode = -1
			if inst.cb.OnError != nil {
				inst.cb.OnError(fmt.Errorf("assistant process wait failed: %w", err))
			}
		}
	}

	s.mu.Lock()
	delete(s.instances, inst.agentID)
	s.mu.Unlock()

	if inst.cb.OnExit != nil {
		inst.cb.OnExit(exitCode, signal)
	}
}

func (s *Supervisor) get(agentID string) (*instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[agentID]
	if !ok {
		return nil, fmt.Errorf("no live PTY for agent %s", agentID)
	}
	return inst, nil
}

// Has reports whether the agent currently has a live PTY.
func (s *Supervisor) Has(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[agentID]
	return ok
}

// Write sends raw input to the agent's terminal.
func (s *Supervisor) Write(agentID string, data []byte) error {
	inst, err := s.get(agentID)
	if err != nil {
		return err
	}
	if _, err := inst.pt.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent %s pty: %w", agentID, err)
	}
	return nil
}

// Resize changes the agent's terminal dimensions.
func (s *Supervisor) Resize(agentID string, cols, rows uint16) error {
	inst, err := s.get(agentID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(inst.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("failed to resize agent %s pty: %w", agentID, err)
	}
	return nil
}

// Kill terminates the agent's process. The read loop observes the exit and
// performs the cleanup and OnExit signalling.
func (s *Supervisor) Kill(agentID string) error {
	inst, err := s.get(agentID)
	if err != nil {
		return err
	}
	if inst.cmd != nil && inst.cmd.Process != nil {
		if err := inst.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill agent %s: %w", agentID, err)
		}
	}
	return nil
}

// OutputTail returns the agent's output ring buffer (at most 16 KiB).
func (s *Supervisor) OutputTail(agentID string) (string, error) {
	inst, err := s.get(agentID)
	if err != nil {
		return "", err
	}
	return inst.tail(), nil
}

// ProcessApproval resolves a pending approval with a human decision. Valid
// only while the instance is waiting; the decision's UI kind, when non-empty,
// overrides the kind stored at detection time (the assistant's UI may have
// changed in between).
func (s *Supervisor) ProcessApproval(agentID string, approved bool, uiKind approval.UIKind) error {
	inst, err := s.get(agentID)
	if err != nil {
		return err
	}
	return inst.processApproval(approved, uiKind)
}

// Shutdown kills every live instance. Used on engine teardown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Kill(id)
	}
}
