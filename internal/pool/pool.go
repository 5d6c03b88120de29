package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/nostrworker/nostrworker/internal/socket"
)

const maxLogEntries = 200

// OnPoolState is invoked whenever a state-transition event changes the
// pool's snapshot.
type OnPoolState func(PoolState)

// OnEvents is invoked once per flush with the newly-flushed events for req.
type OnEvents func(req QueryRequest, events []*nostr.Event, relaysForIDs map[string][]string)

// socketFactory constructs the transport for one relay URL. Production code
// uses newRelaySocket; tests inject fakes that never open real connections.
type socketFactory func(url string, onMessage func(string), onDisconnect func(error)) relaySocket

// RelayPool owns a set of RelaySockets and the subscriptions/publish
// operations multiplexed over them.
type RelayPool struct {
	cfg Config

	newSocket socketFactory
	onState   OnPoolState
	onEvents  OnEvents

	mu       sync.Mutex
	relays   map[string]*managedSocket
	subs     map[string]*subscription
	pubs     []*publishOperation
	disposed bool
	logs     []LogEntry

	lastHeartbeat time.Time
}

// New constructs a RelayPool. onState and onEvents may be nil.
func New(cfg Config, onState OnPoolState, onEvents OnEvents) *RelayPool {
	return &RelayPool{
		cfg:           cfg,
		newSocket:     newRelaySocket,
		onState:       onState,
		onEvents:      onEvents,
		relays:        make(map[string]*managedSocket),
		subs:          make(map[string]*subscription),
		lastHeartbeat: time.Now(),
	}
}

func newRelaySocket(url string, onMessage func(string), onDisconnect func(error)) relaySocket {
	s := socket.New(url, onMessage, onDisconnect)
	return s
}

// logf appends a bounded log entry and mirrors it to the default slog logger.
func (p *RelayPool) logf(level, subID, relayURL, format string, args ...any) {
	entry := LogEntry{
		Time:     time.Now(),
		Level:    level,
		Message:  fmt.Sprintf(format, args...),
		SubID:    subID,
		RelayURL: relayURL,
	}
	p.logs = append(p.logs, entry)
	if len(p.logs) > maxLogEntries {
		p.logs = p.logs[len(p.logs)-maxLogEntries:]
	}
	switch level {
	case "error":
		slog.Error(entry.Message, "sub_id", subID, "relay_url", relayURL)
	case "warning":
		slog.Warn(entry.Message, "sub_id", subID, "relay_url", relayURL)
	default:
		slog.Info(entry.Message, "sub_id", subID, "relay_url", relayURL)
	}
}

// emitState calls onState with a cloned snapshot, outside the pool mutex.
func (p *RelayPool) emitState() {
	if p.onState == nil {
		return
	}
	snap := p.snapshotLocked()
	go p.onState(snap)
}

func (p *RelayPool) snapshotLocked() PoolState {
	relays := make(map[string]RelayState, len(p.relays))
	for url, ms := range p.relays {
		relays[url] = RelayState{
			URL:               url,
			Open:              ms.socket != nil && ms.socket.IsOpen(),
			ReconnectAttempts: ms.reconnectAttempts,
			LastError:         ms.lastError,
		}
	}
	subs := make(map[string]map[string]RelaySubState, len(p.subs))
	for id, sub := range p.subs {
		states := make(map[string]RelaySubState, len(sub.states))
		for url, st := range sub.states {
			copyState := *st
			if ms, ok := p.relays[url]; ok {
				copyState.ReconnectAttempts = ms.reconnectAttempts
				if ms.lastError != "" {
					copyState.LastError = ms.lastError
				}
			}
			states[url] = copyState
		}
		subs[id] = states
	}
	logs := make([]LogEntry, len(p.logs))
	copy(logs, p.logs)
	return PoolState{Relays: relays, Subscriptions: subs, Logs: logs}
}

// State returns a cloned snapshot of current pool state.
func (p *RelayPool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// ensureManagedSocketLocked returns the ManagedSocket for url, creating it
// if necessary. Caller must hold p.mu.
func (p *RelayPool) ensureManagedSocketLocked(url string) *managedSocket {
	if ms, ok := p.relays[url]; ok {
		return ms
	}
	limit := p.cfg.PublishRateLimit
	burst := p.cfg.PublishRateBurst
	if limit <= 0 {
		limit = DefaultConfig().PublishRateLimit
	}
	if burst <= 0 {
		burst = DefaultConfig().PublishRateBurst
	}
	ms := &managedSocket{url: url, subIDs: make(map[string]bool), limiter: rate.NewLimiter(limit, burst)}
	ms.socket = p.newSocket(url,
		func(text string) { go p.handleMessage(url, text) },
		func(err error) { go p.handleDisconnect(url, err) },
	)
	p.relays[url] = ms
	return ms
}

// reapIfIdleLocked removes and disposes a ManagedSocket that now serves no
// subscription and has no pending ping.
func (p *RelayPool) reapIfIdleLocked(url string) {
	ms, ok := p.relays[url]
	if !ok || len(ms.subIDs) > 0 || ms.pingPending {
		return
	}
	for _, op := range p.pubs {
		if !op.completed {
			for _, set := range op.sentTo {
				if set[url] {
					return
				}
			}
		}
	}
	if ms.reconnectTimer != nil {
		ms.reconnectTimer.Stop()
	}
	if ms.pingTimer != nil {
		ms.pingTimer.Stop()
	}
	ms.suppressNextDisconnect = true
	if ms.socket != nil {
		ms.socket.Disconnect()
	}
	delete(p.relays, url)
}

// Connect is the app-lifecycle hook: reset every relay's backoff and
// re-attempt disconnected/waiting/failed relays.
func (p *RelayPool) Connect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	for url, ms := range p.relays {
		if ms.reconnectTimer != nil {
			ms.reconnectTimer.Stop()
			ms.reconnectTimer = nil
		}
		ms.reconnectAttempts = 0
		ms.backoffLevel = 0
		ms.lastError = ""
		for _, sub := range p.subs {
			if st, ok := sub.states[url]; ok && (st.Phase == Disconnected || st.Phase == Waiting || st.Phase == Failed) {
				st.Phase = Connecting
				st.connectingSince = time.Now()
			}
		}
		p.beginConnectLocked(ctx, url, ms)
	}
	p.emitState()
}

// Disconnect is the app-lifecycle hook: CLOSE every subscription, close
// every socket, mark every (sub, relay) disconnected.
func (p *RelayPool) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	for _, sub := range p.subs {
		for url := range sub.states {
			if ms, ok := p.relays[url]; ok && ms.socket != nil && ms.socket.IsOpen() {
				ms.socket.SendClose(sub.req.ID)
			}
			sub.states[url].Phase = Disconnected
		}
	}
	for _, ms := range p.relays {
		if ms.reconnectTimer != nil {
			ms.reconnectTimer.Stop()
			ms.reconnectTimer = nil
		}
		if ms.pingTimer != nil {
			ms.pingTimer.Stop()
			ms.pingTimer = nil
		}
		ms.pingPending = false
		ms.suppressNextDisconnect = true
		if ms.socket != nil {
			ms.socket.Disconnect()
		}
	}
	p.emitState()
}

// Dispose is terminal: cancel timers, complete outstanding futures, close
// sockets, clear state. A pending one-shot query receives the events
// buffered so far, and OnEvents is not called for them; a pending publish
// reports every target relay as unreachable.
func (p *RelayPool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true

	for _, sub := range p.subs {
		p.cancelSubscriptionTimersLocked(sub)
		if sub.completer != nil && !sub.completed {
			sub.completed = true
			sub.completer <- p.flushedEventsLocked(sub)
			close(sub.completer)
		}
	}
	for _, op := range p.pubs {
		if op.completed {
			continue
		}
		op.completed = true
		if op.timer != nil {
			op.timer.Stop()
		}
		op.completer <- PublishResult{UnreachableRelayURLs: append([]string(nil), op.relayURLs...)}
		close(op.completer)
	}
	for _, ms := range p.relays {
		if ms.reconnectTimer != nil {
			ms.reconnectTimer.Stop()
		}
		if ms.pingTimer != nil {
			ms.pingTimer.Stop()
		}
		if ms.socket != nil {
			ms.socket.Disconnect()
		}
	}
	p.relays = make(map[string]*managedSocket)
	p.subs = make(map[string]*subscription)
	p.pubs = nil
}
