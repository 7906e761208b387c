// Package remote implements the real-time subscription bridge: it maintains a
// websocket connection to the remote store's change feed and fans decoded
// change events out to store-style subscribers, reconnecting with exponential
// backoff after transient failures.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/store"
)

// Config holds bridge connection settings.
type Config struct {
	// URL is the websocket endpoint of the change feed.
	URL string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// MaxReconnectInterval caps the exponential backoff between reconnects.
	MaxReconnectInterval time.Duration
}

// DefaultConfig returns default bridge settings for the given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		DialTimeout:          10 * time.Second,
		MaxReconnectInterval: time.Minute,
	}
}

// wireEvent is the JSON shape of one change-feed message.
type wireEvent struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
}

type bridgeSub struct {
	collection string
	filters    []store.Filter
	fn         func(store.Event)
}

// Bridge connects the websocket change feed to subscribers. It satisfies the
// subscription half of the store interface, so the sync manager can attach to
// it exactly as it would to a store.
type Bridge struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logging.Logger

	mu      sync.Mutex
	subs    map[int]*bridgeSub
	nextSub int
	online  func(bool)
}

// NewBridge returns a Bridge for the configured change feed.
func NewBridge(cfg Config, log logging.Logger) *Bridge {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig(cfg.URL).DialTimeout
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = DefaultConfig(cfg.URL).MaxReconnectInterval
	}
	return &Bridge{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:    log,
		subs:   make(map[int]*bridgeSub),
	}
}

// OnConnectivityChange registers a callback invoked with true when the feed
// connects and false when it drops. The sync manager uses it to drive its
// online/offline state.
func (b *Bridge) OnConnectivityChange(fn func(online bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = fn
}

// Subscribe registers fn for change events in collection matching the
// filters. The returned unsubscribe is idempotent.
func (b *Bridge) Subscribe(ctx context.Context, collection string, filters []store.Filter, fn func(store.Event)) (store.Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[id] = &bridgeSub{collection: collection, filters: filters, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// Run connects to the change feed and pumps events until ctx is cancelled.
// Dropped connections are redialed with exponential backoff; Run only returns
// on context cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = b.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = 0

	for {
		conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := policy.NextBackOff()
			b.log.Warn(ctx, "change feed dial failed", "url", b.cfg.URL, "retryIn", wait.String(), "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		policy.Reset()
		b.setOnline(true)
		b.log.Info(ctx, "change feed connected", "url", b.cfg.URL)

		err = b.pump(ctx, conn)
		_ = conn.Close()
		b.setOnline(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn(ctx, "change feed disconnected", "error", err)
	}
}

// pump reads and dispatches messages until the connection breaks or ctx ends.
func (b *Bridge) pump(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var we wireEvent
		if err := json.Unmarshal(payload, &we); err != nil {
			b.log.Warn(ctx, "dropping malformed change event", "error", err)
			continue
		}
		b.dispatch(store.Event{
			Type:       store.EventType(we.Type),
			Collection: we.Collection,
			ID:         we.ID,
			Data:       we.Data,
		})
	}
}

func (b *Bridge) dispatch(ev store.Event) {
	b.mu.Lock()
	fns := make([]func(store.Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.collection == ev.Collection && store.MatchesAll(s.filters, ev.Data) {
			fns = append(fns, s.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bridge) setOnline(online bool) {
	b.mu.Lock()
	fn := b.online
	b.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}
