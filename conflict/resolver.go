package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/diff"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/notify"
	"github.com/nuwank-swivel/notesync/store"
	"github.com/nuwank-swivel/notesync/version"
)

// Resolver applies a chosen resolution to a pending conflict: it writes the
// reconciled content back, flips the conflict record, appends a version tagged
// with the resolution method, and notifies the losing editor.
type Resolver struct {
	remote   store.Store
	versions *version.Store
	detector *Detector
	notifier notify.Sink
	cfg      DetectorConfig
	log      logging.Logger
	now      func() time.Time
}

// NewResolver returns a Resolver sharing the detector's collection settings.
func NewResolver(remote store.Store, versions *version.Store, detector *Detector, notifier notify.Sink, log logging.Logger) *Resolver {
	cfg := DefaultDetectorConfig()
	if detector != nil {
		cfg = detector.cfg
	}
	return &Resolver{
		remote:   remote,
		versions: versions,
		detector: detector,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Resolve consumes a resolution command against a pending conflict. It fails
// with common.ErrNotFound when the conflict does not exist and with
// common.ErrAlreadyResolved when it is no longer pending.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, res models.ConflictResolution) (*models.ConflictData, error) {
	rec, err := r.remote.Get(ctx, r.cfg.Collection, conflictID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", conflictID, err)
	}
	data := models.ConflictFromRecord(rec)

	if data.Resolution != models.ResolutionPending {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, common.ErrAlreadyResolved)
	}

	content, err := r.resolvedContent(data, res)
	if err != nil {
		return nil, err
	}

	if r.detector != nil {
		r.detector.setResolving(data.DocumentID, true)
		defer r.detector.setResolving(data.DocumentID, false)
	}

	docData := map[string]any{"content": content, "updatedBy": res.ResolvedBy}
	if err := r.remote.Update(ctx, r.cfg.DocumentCollection, data.DocumentID, docData); err != nil {
		return nil, fmt.Errorf("failed to write resolved content: %w", err)
	}

	resolvedAt := res.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = r.now().UTC()
	}
	data.Resolution = models.ResolutionResolved
	if res.Method == models.MergeManual || res.Method == models.MergeAuto {
		data.Resolution = models.ResolutionMerged
	}
	data.ResolvedBy = res.ResolvedBy
	data.ResolvedAt = &resolvedAt
	data.ResolutionMethod = res.Method

	if err := r.remote.Update(ctx, r.cfg.Collection, data.ID, data.Record()); err != nil {
		return nil, fmt.Errorf("failed to update conflict record: %w", err)
	}

	summary := fmt.Sprintf("conflict resolved via %s", res.Method)
	if _, err := r.versions.Create(ctx, data.DocumentID, content, res.ResolvedBy, summary); err != nil {
		return nil, fmt.Errorf("failed to append resolution version: %w", err)
	}

	if r.detector != nil {
		r.detector.clearConflict(data.DocumentID, data.ID)
	}

	r.notifyLosers(ctx, data, res)

	r.log.Info(ctx, "conflict resolved",
		"conflictId", data.ID,
		"documentId", data.DocumentID,
		"method", string(res.Method),
		"resolvedBy", res.ResolvedBy,
	)
	return data, nil
}

// resolvedContent computes the reconciled content for a resolution method.
// keep_mine keeps the conflicting (later) editor's content, keep_theirs the
// initiating (earlier, already persisted) editor's.
func (r *Resolver) resolvedContent(data *models.ConflictData, res models.ConflictResolution) (string, error) {
	switch res.Method {
	case models.KeepMine:
		return data.User2Content, nil
	case models.KeepTheirs:
		return data.User1Content, nil
	case models.MergeManual:
		if res.MergedContent == "" {
			return "", fmt.Errorf("%w: merged content required for manual merge", common.ErrValidation)
		}
		return res.MergedContent, nil
	case models.MergeAuto:
		return AutoMerge(data.User1Content, data.User2Content, data.User1ID, data.User2ID), nil
	default:
		return "", fmt.Errorf("%w: unknown resolution method %q", common.ErrValidation, res.Method)
	}
}

// notifyLosers emits fire-and-forget notices. For keep_* resolutions the
// editor whose content was discarded is notified; merges notify both editors
// so each can review the combined result.
func (r *Resolver) notifyLosers(ctx context.Context, data *models.ConflictData, res models.ConflictResolution) {
	if r.notifier == nil {
		return
	}

	var losers []string
	switch res.Method {
	case models.KeepMine:
		losers = []string{data.User1ID}
	case models.KeepTheirs:
		losers = []string{data.User2ID}
	default:
		losers = []string{data.User1ID, data.User2ID}
	}

	for _, userID := range losers {
		r.notifier.Notify(ctx, notify.Notification{
			UserID:     userID,
			DocumentID: data.DocumentID,
			ConflictID: data.ID,
			Method:     string(res.Method),
			Message:    fmt.Sprintf("your edit to document %s was reconciled via %s", data.DocumentID, res.Method),
			SentAt:     r.now().UTC(),
		})
	}
}

// AutoMerge walks both contents line by line. Identical lines pass through
// unchanged; differing lines at the same position are both retained inside
// explicit conflict markers, with the unmarked continuation defaulting to the
// second editor's line. Diverging lines are never dropped silently.
func AutoMerge(user1Content, user2Content, user1ID, user2ID string) string {
	lines1 := diff.SplitLines(user1Content)
	lines2 := diff.SplitLines(user2Content)

	longest := len(lines1)
	if len(lines2) > longest {
		longest = len(lines2)
	}

	var out []string
	for i := 0; i < longest; i++ {
		switch {
		case i >= len(lines1):
			out = append(out, lines2[i])
		case i >= len(lines2):
			out = append(out, lines1[i])
		case lines1[i] == lines2[i]:
			out = append(out, lines1[i])
		default:
			out = append(out,
				"<<<<<<< "+user1ID,
				lines1[i],
				"=======",
				lines2[i],
				">>>>>>> "+user2ID,
			)
		}
	}
	return strings.Join(out, "\n")
}
