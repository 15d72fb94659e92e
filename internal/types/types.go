// Package types holds the domain value types shared across loom's core
// components. It has no dependency on storage, DVCS, or CLI packages so
// that every other package can import it without cycles.
package types

import "fmt"

// SessionStatus is the lifecycle status of a session record.
type SessionStatus string

const (
	SessionCreating  SessionStatus = "creating"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionMerged    SessionStatus = "merged"
	SessionFailed    SessionStatus = "failed"
)

// WorkspaceState is the on-disk workspace's position in the state graph
// described by spec.md §3.
type WorkspaceState string

const (
	WorkspaceCreated   WorkspaceState = "created"
	WorkspaceWorking   WorkspaceState = "working"
	WorkspaceReady     WorkspaceState = "ready"
	WorkspaceConflict  WorkspaceState = "conflict"
	WorkspaceMerged    WorkspaceState = "merged"
	WorkspaceAbandoned WorkspaceState = "abandoned"
)

// Terminal reports whether a workspace state admits no outgoing transitions.
func (s WorkspaceState) Terminal() bool {
	return s == WorkspaceMerged || s == WorkspaceAbandoned
}

// workspaceGraph is the adjacency list for legal workspace transitions.
var workspaceGraph = map[WorkspaceState][]WorkspaceState{
	WorkspaceCreated:   {WorkspaceWorking, WorkspaceAbandoned},
	WorkspaceWorking:   {WorkspaceReady, WorkspaceConflict, WorkspaceAbandoned},
	WorkspaceReady:     {WorkspaceMerged, WorkspaceConflict, WorkspaceWorking},
	WorkspaceConflict:  {WorkspaceWorking, WorkspaceAbandoned},
	WorkspaceMerged:    {},
	WorkspaceAbandoned: {},
}

// CanTransition reports whether from->to is a legal edge in the workspace
// state graph (spec.md §3). A terminal state never admits an outgoing edge.
func CanTransition(from, to WorkspaceState) bool {
	if from.Terminal() {
		return false
	}
	for _, next := range workspaceGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RemovalStatus tracks the atomic-remove protocol of spec.md §4.11.
type RemovalStatus string

const (
	RemovalNone   RemovalStatus = "none"
	RemovalFailed RemovalStatus = "failed"
)

// Session is a named unit of isolated work: one jj workspace, one row.
type Session struct {
	Name          string
	WorkspacePath string
	TaskID        string
	Status        SessionStatus
	Workspace     WorkspaceState
	Removal       RemovalStatus
	CreatedAt     int64
	UpdatedAt     int64
}

// Filter narrows List queries over sessions. Zero value matches all.
type Filter struct {
	Status    *SessionStatus
	Workspace *WorkspaceState
}

// Agent is a caller identity that holds locks and heartbeats.
type Agent struct {
	ID              string
	Session         string
	LastHeartbeat   int64
	CurrentCommand  string
	RegisteredAt    int64
}

// Lock is an advisory, fail-fast hold on a session by an agent.
type Lock struct {
	ID          int64
	Session     string
	AgentID     string
	AcquiredAt  int64
	ExpiresAt   int64
}

// QueueStatus is the lifecycle status of a merge queue entry.
type QueueStatus string

const (
	QueuePending        QueueStatus = "pending"
	QueueProcessing     QueueStatus = "processing"
	QueueDone           QueueStatus = "done"
	QueueFailedRetry    QueueStatus = "failed_retryable"
	QueueFailedTerminal QueueStatus = "failed_terminal"
)

// QueueEntry is one unit of work waiting to land on the tracking branch.
type QueueEntry struct {
	ID          int64
	Workspace   string
	TaskID      string
	Priority    int
	Status      QueueStatus
	Attempts    int
	AddedAt     int64
	StartedAt   *int64
	CompletedAt *int64
	LastError   string
	ClaimantID  string
}

// EventKind enumerates the append-only event log's record kinds.
type EventKind string

const (
	EventUpsert             EventKind = "upsert"
	EventTransition         EventKind = "transition"
	EventLockAcquired       EventKind = "lock_acquired"
	EventLockReleased       EventKind = "lock_released"
	EventQueueStatusChanged EventKind = "queue_status_changed"
	EventMergeCompleted     EventKind = "merge_completed"
	EventMergeFailed        EventKind = "merge_failed"
)

// Event is one append-only record in the event log (spec.md §3).
type Event struct {
	Seq         int64
	Timestamp   int64
	SessionName string
	Kind        EventKind
	Payload     string // JSON
}

// ConflictReport is C10's overlap analysis between a workspace and the
// tracking branch since their common ancestor.
type ConflictReport struct {
	MergeLikelySafe    bool
	MergeBase          string
	OverlappingFiles    []string
	ExistingDVCSConflicts []string
}

// ValidateName checks the session/agent name grammar shared by spec.md §3:
// ASCII letters/digits/hyphen/underscore, starting with a letter, 1-64 chars.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return fmt.Errorf("name must be 1-64 characters, got %d", len(name))
	}
	c := name[0]
	if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		return fmt.Errorf("name must start with a letter: %q", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return fmt.Errorf("name contains invalid character %q: %q", c, name)
		}
	}
	return nil
}
