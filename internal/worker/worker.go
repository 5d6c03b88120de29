// Package worker implements a message-passing boundary: a single Worker
// owns one RelayPool and one LocalStore and exposes the operations the
// application thread may invoke against them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrworker/nostrworker/internal/pool"
	"github.com/nostrworker/nostrworker/internal/store"
	"github.com/nostrworker/nostrworker/internal/verify"
	"github.com/nostrworker/nostrworker/internal/workererr"
)

// QueryRequest identifies one query/subscribe request.
type QueryRequest = pool.QueryRequest

// Source describes how a RemoteQuery's results should be delivered.
type Source struct {
	// Stream keeps the subscription open after EOSE; results arrive only
	// via QueryResultMessage, never as a synchronous reply.
	Stream bool
	// Background makes a one-shot query return its reply immediately with
	// an empty list; the eventual result still arrives via
	// QueryResultMessage once the store save completes.
	Background bool
}

// QueryResultMessage is emitted after LocalStore.Save completes for a
// callback-tracked (streaming or background) subscription's flush.
type QueryResultMessage struct {
	Request  QueryRequest
	SavedIDs map[string]bool
}

// Config bundles the worker's dependencies' tunables.
type Config struct {
	Pool pool.Config
	// SkipVerification bypasses signature checking in LocalStore.Save
	// (test/dev only).
	SkipVerification bool
}

// DefaultConfig returns the worker's default tunables.
func DefaultConfig() Config {
	return Config{Pool: pool.DefaultConfig()}
}

// Worker hosts one RelayPool and one LocalStore. All of its exported
// methods are safe to call concurrently from multiple application
// goroutines; internally RelayPool and Store each serialize their own
// state.
type Worker struct {
	pool  *pool.RelayPool
	store *store.Store

	onPoolState   func(pool.PoolState)
	onQueryResult func(QueryResultMessage)

	mu      sync.Mutex
	tracked map[string]Source
	closed  bool
}

// Spawn opens the store at dbPath (or ":memory:"), constructs the pool, and
// returns the ready Worker. If the store fails to open, the worker is never
// constructed.
func Spawn(
	dbPath string,
	v verify.Verifier,
	cfg Config,
	onPoolState func(pool.PoolState),
	onQueryResult func(QueryResultMessage),
) (*Worker, error) {
	st, err := store.Open(dbPath, v)
	if err != nil {
		return nil, fmt.Errorf("worker: spawn: %w", err)
	}
	st.SkipVerification = cfg.SkipVerification

	w := &Worker{
		store:         st,
		onPoolState:   onPoolState,
		onQueryResult: onQueryResult,
		tracked:       make(map[string]Source),
	}
	w.pool = pool.New(cfg.Pool, w.handlePoolState, w.handlePoolEvents)
	return w, nil
}

func (w *Worker) handlePoolState(state pool.PoolState) {
	if w.onPoolState != nil {
		w.onPoolState(state)
	}
}

// handlePoolEvents is RelayPool's on_events callback: save through the
// store, then notify the application if this subscription is tracked.
// The save always completes before the resulting QueryResultMessage is
// emitted.
func (w *Worker) handlePoolEvents(req pool.QueryRequest, events []*nostr.Event, relaysForIDs map[string][]string) {
	saved, err := w.store.Save(events, relaysForIDs)
	if err != nil {
		slog.Error("worker: save failed for pool events", "sub_id", req.ID, "error", err)
		return
	}

	w.mu.Lock()
	_, tracked := w.tracked[req.ID]
	w.mu.Unlock()

	if tracked && w.onQueryResult != nil {
		w.onQueryResult(QueryResultMessage{Request: req, SavedIDs: saved})
	}
}

func (w *Worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// LocalQuery runs Store.Find.
func (w *Worker) LocalQuery(requests map[string][]nostr.Filter) (map[string][]*nostr.Event, error) {
	if w.isClosed() {
		return nil, workererr.ErrDisposed
	}
	return w.store.Find(requests)
}

// LocalSave calls Store.Save with no relay attribution, returning the newly
// materialized primary keys.
func (w *Worker) LocalSave(events []*nostr.Event) (map[string]bool, error) {
	if w.isClosed() {
		return nil, workererr.ErrDisposed
	}
	return w.store.Save(events, nil)
}

// LocalClear drops and recreates the store's schema.
func (w *Worker) LocalClear() error {
	if w.isClosed() {
		return workererr.ErrDisposed
	}
	return w.store.Clear()
}

// RemoteQuery registers callback-tracking for streaming or background
// requests, asks the pool to
// query, and either replies immediately (streaming/background) or awaits
// the pool's one-shot future.
func (w *Worker) RemoteQuery(ctx context.Context, req QueryRequest, source Source) ([]*nostr.Event, error) {
	if w.isClosed() {
		return nil, workererr.ErrDisposed
	}

	if source.Stream || source.Background {
		w.mu.Lock()
		w.tracked[req.ID] = source
		w.mu.Unlock()
	}

	ch := w.pool.Query(ctx, req, source.Stream)

	if source.Background {
		return nil, nil
	}

	events := <-ch

	if !source.Stream && !source.Background {
		w.mu.Lock()
		delete(w.tracked, req.ID)
		w.mu.Unlock()
	}
	return events, nil
}

// RemotePublish awaits the pool's publish future and returns its result.
func (w *Worker) RemotePublish(ctx context.Context, req pool.PublishRequest) (pool.PublishResult, error) {
	if w.isClosed() {
		return pool.PublishResult{}, workererr.ErrDisposed
	}
	ch := w.pool.Publish(ctx, req)
	return <-ch, nil
}

// RemoteCancel unsubscribes req and drops any callback-tracking for it.
func (w *Worker) RemoteCancel(req QueryRequest) error {
	if w.isClosed() {
		return workererr.ErrDisposed
	}
	w.mu.Lock()
	delete(w.tracked, req.ID)
	w.mu.Unlock()
	return w.pool.Unsubscribe(req)
}

// Heartbeat drives the pool's reconnection, ping, and stuck-state checks.
// It never replies.
func (w *Worker) Heartbeat(force bool) {
	if w.isClosed() {
		return
	}
	w.pool.PerformHealthCheck(force)
}

// Connect is the app-lifecycle hook forwarded to the pool.
func (w *Worker) Connect(ctx context.Context) {
	if w.isClosed() {
		return
	}
	w.pool.Connect(ctx)
}

// Disconnect is the app-lifecycle hook forwarded to the pool.
func (w *Worker) Disconnect() {
	if w.isClosed() {
		return
	}
	w.pool.Disconnect()
}

// Close disposes the pool and closes the store. Subsequent operations fail
// with workererr.ErrDisposed.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.pool.Dispose()
	return w.store.Close()
}

// PoolState returns the current pool snapshot.
func (w *Worker) PoolState() pool.PoolState {
	return w.pool.State()
}
