package ptysup

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/approval"
)

// recorder collects supervisor signals for assertions.
type recorder struct {
	output    []byte
	completed int
	needed    []Request
	denied    []Request
	approved  []Request
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOutput:         func(chunk []byte) { r.output = append(r.output, chunk...) },
		OnTasksCompleted: func() { r.completed++ },
		OnApprovalNeeded: func(req Request) { r.needed = append(r.needed, req) },
		OnAutoDenied:     func(req Request) { r.denied = append(r.denied, req) },
		OnAutoApproved:   func(req Request) { r.approved = append(r.approved, req) },
	}
}

func newTestInstance(r *recorder) (*instance, *bytes.Buffer) {
	var pt bytes.Buffer
	inst := newInstance("agent-back--api--abc123", "/data/ws", &pt, r.callbacks())
	return inst, &pt
}

func TestCompletionMarker_FiresOnce(t *testing.T) {
	r := &recorder{}
	inst, _ := newTestInstance(r)

	inst.handleOutput([]byte("building...\n"))
	assert.Equal(t, 0, r.completed)

	inst.handleOutput([]byte("done\nTASKS_COMPLETED\n"))
	assert.Equal(t, 1, r.completed)

	// A second marker (agent echoing itself) must not fire again.
	inst.handleOutput([]byte("TASKS_COMPLETED\n"))
	assert.Equal(t, 1, r.completed)
}

func TestCompletionMarker_MustBeExactLine(t *testing.T) {
	r := &recorder{}
	inst, _ := newTestInstance(r)

	inst.handleOutput([]byte("I will print TASKS_COMPLETED when finished\n"))
	assert.Equal(t, 0, r.completed)
}

func TestAutoApprove_WritesResponse(t *testing.T) {
	r := &recorder{}
	inst, pt := newTestInstance(r)

	inst.handleOutput([]byte("$ ls -la\nDo you want to proceed? [y/n]\n"))

	require.Len(t, r.approved, 1)
	assert.Equal(t, "ls -la", r.approved[0].Command)
	assert.Equal(t, approval.DecisionAutoApprove, r.approved[0].Decision)
	assert.Equal(t, "y\n", pt.String())
	assert.Empty(t, r.needed)
}

func TestBlocklist_AutoDenied(t *testing.T) {
	r := &recorder{}
	inst, pt := newTestInstance(r)

	inst.handleOutput([]byte("Allow Bash: rm -rf /tmp/../\nDo you want to proceed? [y/n]\n"))

	require.Len(t, r.denied, 1)
	assert.Equal(t, "rm -rf /tmp/../", r.denied[0].Command)
	assert.Equal(t, approval.DecisionBlocklist, r.denied[0].Decision)
	assert.Equal(t, "n\n", pt.String())
	assert.Empty(t, r.needed)
	assert.Empty(t, r.approved)
}

func TestApprovalRequired_WaitsForDecision(t *testing.T) {
	r := &recorder{}
	inst, pt := newTestInstance(r)

	inst.handleOutput([]byte("$ git push origin feature\nDo you want to proceed?\n❯ 1. Yes\n  2. No\n  3. No, tell me more\n"))

	require.Len(t, r.needed, 1)
	req := r.needed[0]
	assert.Equal(t, "git push origin feature", req.Command)
	assert.Equal(t, approval.UIMenu, req.UIKind)
	assert.Equal(t, approval.DecisionApprovalRequired, req.Decision)
	assert.NotEmpty(t, req.ID)
	assert.NotEmpty(t, req.Context)
	// Nothing written until someone decides.
	assert.Empty(t, pt.String())

	// Further output while waiting must not raise a second request.
	inst.handleOutput([]byte("\n"))
	assert.Len(t, r.needed, 1)

	require.NoError(t, inst.processApproval(true, ""))
	assert.Equal(t, "\n", pt.String())
}

func TestProcessApproval_Deny(t *testing.T) {
	r := &recorder{}
	inst, pt := newTestInstance(r)

	inst.handleOutput([]byte("Allow Bash: git push origin feature\nDo you want to proceed? [y/n]\n"))
	require.Len(t, r.needed, 1)

	require.NoError(t, inst.processApproval(false, ""))
	assert.Equal(t, "n\n", pt.String())
}

func TestProcessApproval_UIKindOverride(t *testing.T) {
	r := &recorder{}
	inst, pt := newTestInstance(r)

	inst.handleOutput([]byte("Allow Bash: git push origin feature\nDo you want to proceed? [y/n]\n"))
	require.Len(t, r.needed, 1)

	// The UI changed to a menu after detection; the decision carries the
	// fresher kind.
	require.NoError(t, inst.processApproval(false, approval.UIMenu))
	assert.Equal(t, "3\n", pt.String())
}

func TestProcessApproval_InvalidWhenNotWaiting(t *testing.T) {
	r := &recorder{}
	inst, _ := newTestInstance(r)
	assert.Error(t, inst.processApproval(true, ""))
}

// After a response is sent and the prompt disappears from the stream, the
// protocol resets and a later prompt is detected as new.
func TestApprovalSettles_ThenNextPromptDetected(t *testing.T) {
	r := &recorder{}
	inst, _ := newTestInstance(r)

	inst.handleOutput([]byte("$ git push origin feature\nDo you want to proceed? [y/n]\n"))
	require.Len(t, r.needed, 1)
	require.NoError(t, inst.processApproval(true, ""))

	// Enough clean output to push the prompt out of the ring.
	filler := bytes.Repeat([]byte("output line with no prompts in it at all\n"), 500)
	inst.handleOutput(filler)

	inst.handleOutput([]byte("Allow Bash: git push origin other\nDo you want to proceed? [y/n]\n"))
	assert.Len(t, r.needed, 2)
}

func TestRingBuffer_Bounded(t *testing.T) {
	r := &recorder{}
	inst, _ := newTestInstance(r)

	inst.handleOutput(bytes.Repeat([]byte("x"), ringSize*2))
	assert.Len(t, inst.tail(), ringSize)
}

func TestOutputForwarded(t *testing.T) {
	r := &recorder{}
	inst, _ := newTestInstance(r)

	inst.handleOutput([]byte("hello "))
	inst.handleOutput([]byte("world"))
	assert.Equal(t, "hello world", string(r.output))
}
