// Package models defines the record types shared by the sync engine: document
// snapshots, version history entries, conflict records and per-user sync state.
package models

import "time"

// SaveState is the auto-save state for one document.
type SaveState string

const (
	SaveIdle   SaveState = "idle"
	SaveSaving SaveState = "saving"
	SaveSaved  SaveState = "saved"
	SaveError  SaveState = "error"
)

// SyncState is the sync state for one user.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncError   SyncState = "error"
)

// Resolution is the lifecycle state of a conflict record.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionResolved Resolution = "resolved"
	ResolutionMerged   Resolution = "merged"
)

// ResolutionMethod selects how a conflict's content is reconciled.
type ResolutionMethod string

const (
	// KeepMine keeps the conflicting (later) editor's content.
	KeepMine ResolutionMethod = "keep_mine"
	// KeepTheirs keeps the initiating (earlier, already persisted) editor's content.
	KeepTheirs ResolutionMethod = "keep_theirs"
	// MergeManual uses caller-supplied merged content.
	MergeManual ResolutionMethod = "merge_manual"
	// MergeAuto applies the conservative line-based merge heuristic.
	MergeAuto ResolutionMethod = "merge_auto"
)

// Document is a single note's content plus metadata.
type Document struct {
	ID         string
	Title      string
	Content    string
	Tags       []string
	OwnerID    string
	NotebookID string
	UpdatedBy  string
	UpdatedAt  time.Time
	RevisionID string
}

// Version is an immutable snapshot of a document's content. Content holds the
// full text unless IsDelta is set, in which case it is a line-based delta to
// apply against BaseVersionID.
type Version struct {
	ID            string
	DocumentID    string
	Content       string
	Timestamp     time.Time
	Author        string
	ChangeSummary string
	ByteSize      int
	RevisionID    string
	IsDelta       bool
	BaseVersionID string
}

// SaveStatus is the transient per-document auto-save state. Owned exclusively
// by the auto-save coordinator.
type SaveStatus struct {
	DocumentID string
	State      SaveState
	LastSaved  *time.Time
	Error      string
	RetryCount int
}

// ConflictData is a pairwise conflict record. User1 is the initiating editor
// whose content was already persisted; user2 is the conflicting editor whose
// concurrent edit triggered detection.
type ConflictData struct {
	ID               string
	DocumentID       string
	User1ID          string
	User2ID          string
	User1Content     string
	User2Content     string
	User1Timestamp   time.Time
	User2Timestamp   time.Time
	Resolution       Resolution
	ResolvedBy       string
	ResolvedAt       *time.Time
	ResolutionMethod ResolutionMethod
}

// ConflictResolution is the command object handed to the resolver. It is
// consumed exactly once.
type ConflictResolution struct {
	ConflictID    string
	Method        ResolutionMethod
	MergedContent string
	ResolvedBy    string
	ResolvedAt    time.Time
	Notes         string
}

// SyncStatus is the per-user sync state, updated on every queue mutation and
// every sync attempt.
type SyncStatus struct {
	UserID            string
	State             SyncState
	LastSync          *time.Time
	Error             string
	PendingOperations int
}

// ConflictState is the derived, non-persisted per-document snapshot the
// detector rebuilds on every monitoring change and detection pass.
type ConflictState struct {
	DocumentID      string
	ActiveConflicts []string
	EditingUsers    []string
	LastActivity    time.Time
	ConflictCount   int
	IsResolving     bool
}
