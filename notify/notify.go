// Package notify defines the fire-and-forget notification sink the resolver
// uses to tell an editor their version of a document lost a conflict.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/nuwank-swivel/notesync/logging"
)

// Notification is a conflict-resolution notice addressed to one user.
type Notification struct {
	UserID     string
	DocumentID string
	ConflictID string
	Method     string
	Message    string
	SentAt     time.Time
}

// Sink receives notifications. Implementations must not block the caller for
// long and must never fail the resolution path; errors are theirs to handle.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// LogSink writes notifications to the structured log. It is the default sink
// when the embedding application does not provide its own.
type LogSink struct {
	log logging.Logger
}

func NewLogSink(log logging.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) {
	s.log.Info(ctx, "conflict notification",
		"userId", n.UserID,
		"documentId", n.DocumentID,
		"conflictId", n.ConflictID,
		"method", n.Method,
		"message", n.Message,
	)
}

// Recorder collects notifications in memory. Intended for tests and for UIs
// that poll instead of push.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(ctx context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Sent returns a copy of every notification received so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
