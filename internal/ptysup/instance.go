package ptysup

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/approval"
)

const (
	// ringSize is the output tail retained per instance. Prompt detection
	// only ever inspects this window.
	ringSize = 16 * 1024

	// contextSize is the amount of surrounding output attached to an
	// approval request.
	contextSize = 4 * 1024

	// completionMarker is the exact line an agent prints when it considers
	// its tasks done and hands control back to the orchestrator.
	completionMarker = "TASKS_COMPLETED"

	// settleDelay is how long a sent response may go unacknowledged before
	// the one fallback attempt. The assistant's UI evolves; this exists
	// because prompt matching is approximate.
	settleDelay = 3 * time.Second
)

type approvalState int

const (
	stateNone approvalState = iota
	stateWaiting
	stateSent
)

// instance is the per-process supervisor state. The pt writer is the only
// handle the state machine needs, which keeps the approval protocol testable
// without a live terminal.
type instance struct {
	agentID      string
	workspaceDir string
	cb           Callbacks

	pt   io.Writer
	ptmx *os.File
	cmd  *exec.Cmd

	mu             sync.Mutex
	ring           []byte
	state          approvalState
	pendingID      string
	pendingCommand string
	pendingUIKind  approval.UIKind
	lastSentAt     time.Time
	retried        bool
	completedFired bool
	settleTimer    *time.Timer
}

func newInstance(agentID, workspaceDir string, pt io.Writer, cb Callbacks) *instance {
	return &instance{
		agentID:      agentID,
		workspaceDir: workspaceDir,
		cb:           cb,
		pt:           pt,
	}
}

// tail returns the current ring-buffer contents.
func (in *instance) tail() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return string(in.ring)
}

// handleOutput processes one chunk of terminal output. This path must never
// return an error or panic: every failure downstream is translated into an
// event by the agent manager.
//
// Per chunk: append to the ring buffer, forward to the output callback, check
// for the completion marker, settle or retry a previously sent response, and
// finally look for a newly shown approval prompt.
func (in *instance) handleOutput(chunk []byte) {
	in.mu.Lock()
	in.ring = append(in.ring, chunk...)
	if len(in.ring) > ringSize {
		in.ring = in.ring[len(in.ring)-ringSize:]
	}
	in.mu.Unlock()

	if in.cb.OnOutput != nil {
		in.cb.OnOutput(chunk)
	}

	in.checkCompletion(chunk)
	in.settleAfterSend(chunk)
	in.detectNewPrompt()
}

// checkCompletion fires the completion callback once per agent when a line in
// the chunk equals the completion marker exactly (after trimming).
func (in *instance) checkCompletion(chunk []byte) {
	in.mu.Lock()
	fired := in.completedFired
	in.mu.Unlock()
	if fired {
		return
	}

	for _, line := range strings.Split(string(chunk), "\n") {
		if strings.TrimSpace(strings.TrimRight(line, "\r")) == completionMarker {
			in.mu.Lock()
			already := in.completedFired
			in.completedFired = true
			in.mu.Unlock()
			if !already && in.cb.OnTasksCompleted != nil {
				in.cb.OnTasksCompleted()
			}
			return
		}
	}
}

// settleAfterSend handles the post-send state: when the prompt has
// disappeared from both the chunk and the ring tail the child accepted our
// response; otherwise the settle timer performs the single fallback attempt.
func (in *instance) settleAfterSend(chunk []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != stateSent {
		return
	}

	_, chunkShows := approval.Detect(string(chunk))
	_, tailShows := approval.Detect(string(in.ring))
	if !chunkShows && !tailShows {
		in.resetApprovalLocked()
	}
}

// settleTimeout is invoked by the settle timer. If the response still has not
// taken effect, send the UI-appropriate fallback exactly once.
func (in *instance) settleTimeout() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != stateSent {
		return
	}

	if _, stillShowing := approval.Detect(string(in.ring)); !stillShowing {
		in.resetApprovalLocked()
		return
	}
	if in.retried {
		return
	}
	in.retried = true

	fallback := "\n"
	if in.pendingUIKind == approval.UIMenu {
		fallback = "1\n"
	}
	_, _ = in.pt.Write([]byte(fallback))
	in.lastSentAt = time.Now()
}

// detectNewPrompt looks for an approval prompt when no approval is in
// flight, classifies the proposed command, and either auto-responds or holds
// for an external decision.
func (in *instance) detectNewPrompt() {
	in.mu.Lock()
	if in.state != stateNone {
		in.mu.Unlock()
		return
	}
	window := string(in.ring)
	in.mu.Unlock()

	prompt, ok := approval.Detect(window)
	if !ok {
		return
	}

	decision := approval.Classify(prompt.Command)
	req := Request{
		ID:       uuid.New().String(),
		Command:  prompt.Command,
		UIKind:   prompt.UIKind,
		Decision: decision,
		Flags:    approval.Annotate(prompt.Command, in.workspaceDir),
		Context:  tailString(window, contextSize),
	}

	in.mu.Lock()
	if in.state != stateNone {
		in.mu.Unlock()
		return
	}
	in.pendingID = req.ID
	in.pendingCommand = prompt.Command
	in.pendingUIKind = prompt.UIKind

	switch decision {
	case approval.DecisionBlocklist:
		in.sendResponseLocked(approval.DenyResponse(prompt.UIKind))
		in.mu.Unlock()
		if in.cb.OnAutoDenied != nil {
			in.cb.OnAutoDenied(req)
		}

	case approval.DecisionApprovalRequired:
		in.state = stateWaiting
		in.mu.Unlock()
		if in.cb.OnApprovalNeeded != nil {
			in.cb.OnApprovalNeeded(req)
		}

	default: // auto approve
		in.sendResponseLocked(approval.ApproveResponse(prompt.UIKind))
		in.mu.Unlock()
		if in.cb.OnAutoApproved != nil {
			in.cb.OnAutoApproved(req)
		}
	}
}

// processApproval injects an external decision. Valid only while waiting.
// An explicit uiKind overrides the one stored at detection time.
func (in *instance) processApproval(approved bool, uiKind approval.UIKind) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state != stateWaiting {
		return fmt.Errorf("agent %s has no approval awaiting a decision", in.agentID)
	}

	kind := in.pendingUIKind
	if uiKind != "" {
		kind = uiKind
	}

	response := approval.DenyResponse(kind)
	if approved {
		response = approval.ApproveResponse(kind)
	}
	in.sendResponseLocked(response)
	return nil
}

// sendResponseLocked writes a response and arms the settle timer. Callers
// hold in.mu.
func (in *instance) sendResponseLocked(response string) {
	_, _ = in.pt.Write([]byte(response))
	in.state = stateSent
	in.lastSentAt = time.Now()
	in.retried = false
	if in.settleTimer != nil {
		in.settleTimer.Stop()
	}
	in.settleTimer = time.AfterFunc(settleDelay, in.settleTimeout)
}

// resetApprovalLocked clears the approval protocol back to idle. Callers
// hold in.mu.
func (in *instance) resetApprovalLocked() {
	in.state = stateNone
	in.pendingID = ""
	in.pendingCommand = ""
	in.pendingUIKind = ""
	in.retried = false
	if in.settleTimer != nil {
		in.settleTimer.Stop()
		in.settleTimer = nil
	}
}

// stopTimers cancels any outstanding settle timer. Called on exit.
func (in *instance) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.settleTimer != nil {
		in.settleTimer.Stop()
		in.settleTimer = nil
	}
}

// tailString returns at most n trailing bytes of s.
func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
