package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags an event record with its kind. The kind determines which
// payload fields are meaningful.
type EventType string

const (
	// Item lifecycle.
	EventItemCreated             EventType = "item_created"
	EventCloneStarted            EventType = "clone_started"
	EventCloneCompleted          EventType = "clone_completed"
	EventWorkspaceSetupStarted   EventType = "workspace_setup_started"
	EventWorkspaceSetupCompleted EventType = "workspace_setup_completed"
	EventPlanCreated             EventType = "plan_created"

	// Agent lifecycle.
	EventAgentStarted   EventType = "agent_started"
	EventAgentExited    EventType = "agent_exited"
	EventStatusChanged  EventType = "status_changed"
	EventTasksCompleted EventType = "tasks_completed"
	EventStdout         EventType = "stdout"
	EventStderr         EventType = "stderr"
	EventError          EventType = "error"

	// Approval protocol.
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecision  EventType = "approval_decision"

	// Git observation.
	EventGitSnapshot      EventType = "git_snapshot"
	EventGitSnapshotError EventType = "git_snapshot_error"

	// Pull requests.
	EventPRCreated     EventType = "pr_created"
	EventRepoNoChanges EventType = "repo_no_changes"

	// Review cycle.
	EventReviewFindingsExtracted EventType = "review_findings_extracted"
	EventReviewReceiveStarted    EventType = "review_receive_started"
)

// Event is one immutable record in an item's journal. Agent-scoped events
// additionally carry the agent id. Payload holds kind-specific fields; the
// record is never mutated after it is appended.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ItemID    string         `json:"itemId"`
	AgentID   string         `json:"agentId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and the current UTC timestamp.
// Payload may be nil for kinds that carry no extra fields.
func NewEvent(itemID string, eventType EventType, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ItemID:    itemID,
		Payload:   payload,
	}
}

// NewAgentEvent builds an agent-scoped event.
func NewAgentEvent(itemID, agentID string, eventType EventType, payload map[string]any) *Event {
	ev := NewEvent(itemID, eventType, payload)
	ev.AgentID = agentID
	return ev
}

// PayloadString returns the named payload field as a string, or "" when the
// field is absent or not a string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadBool returns the named payload field as a bool, defaulting to false.
func (e *Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	if b, ok := e.Payload[key].(bool); ok {
		return b
	}
	return false
}

// PayloadInt returns the named payload field as an int, defaulting to 0.
// JSON round-trips numbers as float64, so both forms are accepted.
func (e *Event) PayloadInt(key string) int {
	if e.Payload == nil {
		return 0
	}
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Validate checks the structural fields every journal line must carry.
func (e *Event) Validate() error {
	if e.ID == "" {
		return NewValidationError("event id is required")
	}
	if e.Type == "" {
		return NewValidationError("event type is required")
	}
	if e.ItemID == "" {
		return NewValidationError("event itemId is required")
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("event timestamp is required")
	}
	return nil
}
