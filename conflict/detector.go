// Package conflict implements concurrent-edit conflict detection and
// resolution over the remote document store.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/diff"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/store"
)

// Severity grades how far two concurrent edits have diverged.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a word-diff percentage onto a severity grade.
func SeverityFor(diffPercentage float64) Severity {
	switch {
	case diffPercentage < 0.1:
		return SeverityLow
	case diffPercentage < 0.3:
		return SeverityMedium
	case diffPercentage < 0.7:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// DetectionResult is the outcome of one detection pass. Detection never
// fails into the editing path: store errors are reported through Details with
// HasConflict false.
type DetectionResult struct {
	HasConflict      bool
	ConflictID       string
	ConflictingUsers []string
	ConflictType     string
	Severity         Severity
	DetectedAt       time.Time
	Details          string
}

// DetectorConfig holds detection settings.
type DetectorConfig struct {
	// NoiseFloor is the word-diff percentage below which a divergence is
	// treated as noise rather than a conflict.
	NoiseFloor float64

	Collection         string
	DocumentCollection string
}

// DefaultDetectorConfig returns the default detection settings.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		NoiseFloor:         0.05,
		Collection:         common.CollectionConflicts,
		DocumentCollection: common.CollectionNotes,
	}
}

// Detector tracks which users are actively editing each document and raises a
// conflict record when concurrent significant divergence is found.
type Detector struct {
	remote store.Store
	cfg    DetectorConfig
	log    logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	editing   map[string]map[string]time.Time
	states    map[string]*models.ConflictState
	resolving map[string]bool
	subs      map[int]func(models.ConflictData)
	nextSub   int
}

// NewDetector returns a Detector over the given remote store.
func NewDetector(remote store.Store, cfg DetectorConfig, log logging.Logger) *Detector {
	def := DefaultDetectorConfig()
	if cfg.NoiseFloor <= 0 {
		cfg.NoiseFloor = def.NoiseFloor
	}
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.DocumentCollection == "" {
		cfg.DocumentCollection = def.DocumentCollection
	}
	return &Detector{
		remote:    remote,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		editing:   make(map[string]map[string]time.Time),
		states:    make(map[string]*models.ConflictState),
		resolving: make(map[string]bool),
		subs:      make(map[int]func(models.ConflictData)),
	}
}

// StartMonitoring registers a user as actively editing a document. Conflict
// checks only apply once more than one user is registered.
func (d *Detector) StartMonitoring(documentID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.editing[documentID] == nil {
		d.editing[documentID] = make(map[string]time.Time)
	}
	d.editing[documentID][userID] = d.now().UTC()
	d.rebuildState(documentID)
}

// StopMonitoring removes a user from a document's editing set. Conflicts
// already raised stay valid.
func (d *Detector) StopMonitoring(documentID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.editing[documentID], userID)
	if len(d.editing[documentID]) == 0 {
		delete(d.editing, documentID)
	}
	d.rebuildState(documentID)
}

// SubscribeConflicts delivers every newly raised conflict record. The returned
// unsubscribe is idempotent.
func (d *Detector) SubscribeConflicts(fn func(models.ConflictData)) store.Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// State returns the derived per-document conflict snapshot.
func (d *Detector) State(documentID string) models.ConflictState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.states[documentID]; ok {
		return *st
	}
	return models.ConflictState{DocumentID: documentID}
}

// Baseline is the already-accepted side of a divergence check: the content
// some party last knew, who wrote it and when.
type Baseline struct {
	Content   string
	UserID    string
	Timestamp time.Time
}

// Detect checks an incoming edit against the document's last persisted state.
// It never returns an error: failures are captured in the result's Details so
// a store outage cannot interrupt editing.
func (d *Detector) Detect(ctx context.Context, documentID, newContent, userID string, timestamp time.Time) DetectionResult {
	result := DetectionResult{
		ConflictType: "concurrent_edit",
		DetectedAt:   d.now().UTC(),
	}

	if d.activeEditors(documentID) < 2 {
		result.Details = "fewer than two active editors"
		return result
	}

	rec, err := d.remote.Get(ctx, d.cfg.DocumentCollection, documentID)
	if err != nil {
		result.Details = fmt.Sprintf("detection skipped: %v", err)
		return result
	}
	doc := models.DocumentFromRecord(rec)

	base := Baseline{Content: doc.Content, UserID: doc.UpdatedBy, Timestamp: doc.UpdatedAt}
	return d.compare(ctx, documentID, base, newContent, userID, timestamp, result)
}

// DetectAgainst checks an incoming edit against a caller-supplied baseline
// instead of the persisted document. Change-feed events need this: by the time
// an event arrives the store already holds the incoming content, so diffing
// against it would always be empty.
func (d *Detector) DetectAgainst(ctx context.Context, documentID string, base Baseline, newContent, userID string, timestamp time.Time) DetectionResult {
	result := DetectionResult{
		ConflictType: "concurrent_edit",
		DetectedAt:   d.now().UTC(),
	}

	if d.activeEditors(documentID) < 2 {
		result.Details = "fewer than two active editors"
		return result
	}
	return d.compare(ctx, documentID, base, newContent, userID, timestamp, result)
}

func (d *Detector) activeEditors(documentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.editing[documentID])
}

// compare grades the divergence between base and the incoming edit and raises
// a conflict record when it is significant.
func (d *Detector) compare(ctx context.Context, documentID string, base Baseline, newContent, userID string, timestamp time.Time, result DetectionResult) DetectionResult {
	stats := diff.Words(base.Content, newContent)
	result.Severity = SeverityFor(stats.Percentage)

	if stats.Percentage < d.cfg.NoiseFloor {
		result.Details = "change below noise floor"
		return result
	}

	pending, err := d.pendingConflict(ctx, documentID)
	if err != nil {
		result.Details = fmt.Sprintf("detection skipped: %v", err)
		return result
	}
	if pending != nil {
		// at most one pending conflict per document: reference the existing
		// record instead of spawning a second one
		result.HasConflict = true
		result.ConflictID = pending.ID
		result.ConflictingUsers = []string{pending.User1ID, pending.User2ID}
		result.Details = "conflict already exists"
		d.refreshState(documentID, pending.ID)
		return result
	}

	data := models.ConflictData{
		ID:             uuid.NewString(),
		DocumentID:     documentID,
		User1ID:        base.UserID,
		User2ID:        userID,
		User1Content:   base.Content,
		User2Content:   newContent,
		User1Timestamp: base.Timestamp,
		User2Timestamp: timestamp,
		Resolution:     models.ResolutionPending,
	}
	if err := d.remote.Create(ctx, d.cfg.Collection, data.ID, data.Record()); err != nil {
		result.Details = fmt.Sprintf("failed to persist conflict: %v", err)
		return result
	}

	d.log.Warn(ctx, "conflict detected",
		"documentId", documentID,
		"conflictId", data.ID,
		"user1", data.User1ID,
		"user2", data.User2ID,
		"severity", string(result.Severity),
		"diffPercentage", stats.Percentage,
	)

	result.HasConflict = true
	result.ConflictID = data.ID
	result.ConflictingUsers = []string{data.User1ID, data.User2ID}

	d.refreshState(documentID, data.ID)
	d.publish(data)
	return result
}

// Pending returns the pending conflict record for a document, if any.
func (d *Detector) Pending(ctx context.Context, documentID string) (*models.ConflictData, error) {
	return d.pendingConflict(ctx, documentID)
}

func (d *Detector) pendingConflict(ctx context.Context, documentID string) (*models.ConflictData, error) {
	recs, err := d.remote.Query(ctx, d.cfg.Collection, []store.Filter{
		{Field: "documentId", Op: store.FilterEq, Value: documentID},
		{Field: "resolution", Op: store.FilterEq, Value: string(models.ResolutionPending)},
	}, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending conflicts: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return models.ConflictFromRecord(recs[0]), nil
}

// setResolving flags a document while its conflict is being resolved; the
// resolver drives this around each resolution.
func (d *Detector) setResolving(documentID string, resolving bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolving[documentID] = resolving
	if !resolving {
		delete(d.resolving, documentID)
	}
	d.rebuildState(documentID)
}

// rebuildState must be called with d.mu held.
func (d *Detector) rebuildState(documentID string) {
	st := &models.ConflictState{DocumentID: documentID, IsResolving: d.resolving[documentID]}
	if prev, ok := d.states[documentID]; ok {
		st.ActiveConflicts = prev.ActiveConflicts
		st.ConflictCount = prev.ConflictCount
	}

	for user, at := range d.editing[documentID] {
		st.EditingUsers = append(st.EditingUsers, user)
		if at.After(st.LastActivity) {
			st.LastActivity = at
		}
	}
	sort.Strings(st.EditingUsers)
	d.states[documentID] = st
}

// refreshState records an active conflict id into the derived state.
func (d *Detector) refreshState(documentID, conflictID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rebuildState(documentID)
	st := d.states[documentID]
	for _, id := range st.ActiveConflicts {
		if id == conflictID {
			return
		}
	}
	st.ActiveConflicts = append(st.ActiveConflicts, conflictID)
	st.ConflictCount = len(st.ActiveConflicts)
}

// clearConflict drops a resolved conflict id from the derived state.
func (d *Detector) clearConflict(documentID, conflictID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[documentID]
	if !ok {
		return
	}
	kept := st.ActiveConflicts[:0]
	for _, id := range st.ActiveConflicts {
		if id != conflictID {
			kept = append(kept, id)
		}
	}
	st.ActiveConflicts = kept
}

func (d *Detector) publish(data models.ConflictData) {
	d.mu.Lock()
	fns := make([]func(models.ConflictData), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
