// Package autosave implements the auto-save coordinator: debounced, retrying
// persistence of locally edited documents, with an observable per-document
// save state machine.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/store"
	"github.com/nuwank-swivel/notesync/version"
)

// Config holds auto-save settings.
type Config struct {
	DebounceInterval time.Duration
	RetryInterval    time.Duration
	MaxRetries       int
	SaveTimeout      time.Duration
	Collection       string
}

// DefaultConfig returns the default auto-save settings.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 500 * time.Millisecond,
		RetryInterval:    2 * time.Second,
		MaxRetries:       3,
		SaveTimeout:      10 * time.Second,
		Collection:       common.CollectionNotes,
	}
}

// saveEvent drives the per-document save state machine.
type saveEvent int

const (
	eventStart saveEvent = iota
	eventSuccess
	eventFailure
)

// transitions is the explicit state-transition table:
// idle/saving/saved/error crossed with start/success/failure.
var transitions = map[models.SaveState]map[saveEvent]models.SaveState{
	models.SaveIdle:   {eventStart: models.SaveSaving},
	models.SaveSaving: {eventSuccess: models.SaveSaved, eventFailure: models.SaveError},
	models.SaveSaved:  {eventStart: models.SaveSaving},
	models.SaveError:  {eventStart: models.SaveSaving},
}

func transition(state models.SaveState, ev saveEvent) models.SaveState {
	if next, ok := transitions[state][ev]; ok {
		return next
	}
	return state
}

type pendingSave struct {
	content  string
	title    string
	status   models.SaveStatus
	debounce Cancel
	retry    Cancel
	inFlight bool
	stopped  bool
}

// Coordinator debounces local edits and persists them to the remote store,
// retrying transient failures up to a bounded count. One Coordinator serves
// one editing user; construct it per session.
type Coordinator struct {
	remote   store.Store
	versions *version.Store
	author   string
	cfg      Config
	sched    Scheduler
	log      logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingSave
	subs    map[string]map[int]func(models.SaveStatus)
	nextSub int
}

// NewCoordinator returns a Coordinator saving on behalf of author.
func NewCoordinator(remote store.Store, versions *version.Store, author string, cfg Config, sched Scheduler, log logging.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if sched == nil {
		sched = NewTimerScheduler()
	}
	return &Coordinator{
		remote:   remote,
		versions: versions,
		author:   author,
		cfg:      cfg,
		sched:    sched,
		log:      log,
		pending:  make(map[string]*pendingSave),
		subs:     make(map[string]map[int]func(models.SaveStatus)),
	}
}

// Start registers or updates a pending save for a document and restarts its
// debounce timer. Rapid successive calls coalesce: only the latest content and
// title pair is ever persisted.
func (c *Coordinator) Start(documentID, content, title string) {
	c.mu.Lock()

	p, ok := c.pending[documentID]
	if !ok {
		p = &pendingSave{status: models.SaveStatus{DocumentID: documentID, State: models.SaveIdle}}
		c.pending[documentID] = p
	}
	p.content = content
	p.title = title
	p.stopped = false

	if p.debounce != nil {
		p.debounce()
	}
	p.debounce = c.sched.AfterFunc(c.cfg.DebounceInterval, func() {
		c.fire(documentID)
	})

	c.mu.Unlock()
}

// Stop cancels any pending debounce timer and forgets the document's save
// state. A save already in flight is allowed to finish; its terminal status is
// simply no longer observed.
func (c *Coordinator) Stop(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[documentID]
	if !ok {
		return
	}
	if p.debounce != nil {
		p.debounce()
	}
	if p.retry != nil {
		p.retry()
	}
	if p.inFlight {
		// keep the entry so the in-flight save can land, but mark it dead
		p.stopped = true
		return
	}
	delete(c.pending, documentID)
}

// SaveNow bypasses debounce and persists immediately, returning the underlying
// error to the caller. A successful manual save resets the retry counter.
func (c *Coordinator) SaveNow(ctx context.Context, documentID, content, title string) error {
	c.mu.Lock()
	p, ok := c.pending[documentID]
	if !ok {
		p = &pendingSave{status: models.SaveStatus{DocumentID: documentID, State: models.SaveIdle}}
		c.pending[documentID] = p
	}
	p.content = content
	p.title = title
	p.stopped = false
	if p.debounce != nil {
		p.debounce()
		p.debounce = nil
	}
	c.mu.Unlock()

	return c.attempt(ctx, documentID, false)
}

// Flush persists every document with queued content, best effort: one failure
// does not block the others. The returned error joins every failure.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id, p := range c.pending {
		if p.debounce != nil {
			p.debounce()
			p.debounce = nil
		}
		if !p.stopped {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.attempt(ctx, id, false); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Status returns the current save status for a document.
func (c *Coordinator) Status(documentID string) (models.SaveStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[documentID]
	if !ok {
		return models.SaveStatus{}, false
	}
	return p.status, true
}

// SubscribeStatus delivers every status transition for a document. The
// returned unsubscribe is idempotent.
func (c *Coordinator) SubscribeStatus(documentID string, fn func(models.SaveStatus)) store.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[documentID] == nil {
		c.subs[documentID] = make(map[int]func(models.SaveStatus))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[documentID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[documentID], id)
			c.mu.Unlock()
		})
	}
}

// fire runs a debounced save on the timer goroutine. Errors are captured into
// the status record, never raised.
func (c *Coordinator) fire(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()

	if err := c.attempt(ctx, documentID, true); err != nil {
		c.log.Warn(ctx, "debounced save failed", "documentId", documentID, "error", err)
	}
}

// attempt performs one save attempt for the document's latest queued content.
// When retryable is true, a failure schedules another attempt until the retry
// cap is reached.
func (c *Coordinator) attempt(ctx context.Context, documentID string, retryable bool) error {
	c.mu.Lock()
	p, ok := c.pending[documentID]
	if !ok || p.stopped {
		c.mu.Unlock()
		return nil
	}
	content, title := p.content, p.title
	summary := "manual save"
	if retryable {
		summary = "auto-save"
	}
	p.inFlight = true
	p.status.State = transition(p.status.State, eventStart)
	p.status.Error = ""
	status := p.status
	c.mu.Unlock()

	c.publish(status)

	err := c.persist(ctx, documentID, content, title, summary)

	c.mu.Lock()
	p, ok = c.pending[documentID]
	if !ok {
		c.mu.Unlock()
		return err
	}
	p.inFlight = false

	if err == nil {
		now := time.Now().UTC()
		p.status.State = transition(p.status.State, eventSuccess)
		p.status.LastSaved = &now
		p.status.Error = ""
		p.status.RetryCount = 0
		status = p.status
		stopped := p.stopped
		if stopped {
			delete(c.pending, documentID)
		}
		c.mu.Unlock()
		if !stopped {
			c.publish(status)
		}
		return nil
	}

	p.status.State = transition(p.status.State, eventFailure)
	p.status.Error = err.Error()

	if retryable && !p.stopped && p.status.RetryCount < c.cfg.MaxRetries {
		p.status.RetryCount++
		if p.retry != nil {
			p.retry()
		}
		p.retry = c.sched.AfterFunc(c.cfg.RetryInterval, func() {
			c.fire(documentID)
		})
	}

	status = p.status
	stopped := p.stopped
	if stopped {
		delete(c.pending, documentID)
	}
	c.mu.Unlock()

	if !stopped {
		c.publish(status)
	}
	return err
}

// persist writes the document and appends a version tagged with summary. The
// version append is part of the commit: if it fails the attempt fails and is
// retried.
func (c *Coordinator) persist(ctx context.Context, documentID, content, title, summary string) error {
	data := map[string]any{
		"content":   content,
		"title":     title,
		"updatedBy": c.author,
	}

	_, err := c.remote.Get(ctx, c.cfg.Collection, documentID)
	switch {
	case err == nil:
		if err := c.remote.Update(ctx, c.cfg.Collection, documentID, data); err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
	case errors.Is(err, common.ErrNotFound):
		data["id"] = documentID
		// first write establishes ownership, so owner-filtered subscriptions
		// pick the document up
		data["ownerId"] = c.author
		if err := c.remote.Create(ctx, c.cfg.Collection, documentID, data); err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
	default:
		return fmt.Errorf("failed to check document existence: %w", err)
	}

	if _, err := c.versions.Create(ctx, documentID, content, c.author, summary); err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

func (c *Coordinator) publish(status models.SaveStatus) {
	c.mu.Lock()
	fns := make([]func(models.SaveStatus), 0, len(c.subs[status.DocumentID]))
	for _, fn := range c.subs[status.DocumentID] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}
