package pool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeSocket is an in-memory relaySocket double: no real network I/O, full
// control over connect outcome and message delivery, so pool tests can
// exercise the pool's protocol deterministically.
type fakeSocket struct {
	mu           sync.Mutex
	open         bool
	lastActivity time.Time
	connectErr   error

	sentReq   [][2]any // {subID, filters}
	sentClose []string
	sentEvent []*nostr.Event
	pingCount int

	onMessage    func(string)
	onDisconnect func(error)
}

func newFakeSocket(onMessage func(string), onDisconnect func(error)) *fakeSocket {
	return &fakeSocket{onMessage: onMessage, onDisconnect: onDisconnect, lastActivity: time.Now()}
}

func (f *fakeSocket) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.open = true
	f.lastActivity = time.Now()
	return nil
}

func (f *fakeSocket) Disconnect() {
	f.mu.Lock()
	wasOpen := f.open
	f.open = false
	f.mu.Unlock()
	if wasOpen && f.onDisconnect != nil {
		f.onDisconnect(nil)
	}
}

func (f *fakeSocket) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) LastActivityAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeSocket) SendReq(subID string, filters []nostr.Filter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sentReq = append(f.sentReq, [2]any{subID, filters})
	return true
}

func (f *fakeSocket) SendClose(subID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sentClose = append(f.sentClose, subID)
	return true
}

func (f *fakeSocket) SendEvent(evt *nostr.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sentEvent = append(f.sentEvent, evt)
	return true
}

func (f *fakeSocket) SendPing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.pingCount++
	return true
}

// deliver simulates an incoming relay frame.
func (f *fakeSocket) deliver(text string) {
	if f.onMessage != nil {
		f.onMessage(text)
	}
}

func (f *fakeSocket) touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

// testHarness wires a RelayPool to a registry of fakeSockets keyed by URL.
type testHarness struct {
	mu      sync.Mutex
	sockets map[string]*fakeSocket
}

func newHarness() *testHarness {
	return &testHarness{sockets: make(map[string]*fakeSocket)}
}

func (h *testHarness) factory(url string, onMessage func(string), onDisconnect func(error)) relaySocket {
	s := newFakeSocket(onMessage, onDisconnect)
	h.mu.Lock()
	h.sockets[url] = s
	h.mu.Unlock()
	return s
}

func (h *testHarness) socket(url string) *fakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sockets[url]
}

func newTestPool(t *testing.T, cfg Config, onState OnPoolState, onEvents OnEvents) (*RelayPool, *testHarness) {
	t.Helper()
	h := newHarness()
	p := New(cfg, onState, onEvents)
	p.newSocket = h.factory
	return p, h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestPool_OneShotQuery_PartialEOSEThenTimeout(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 200 * time.Millisecond

	var eventsMu sync.Mutex
	var gotEvents []*nostr.Event
	var gotRelaysForIDs map[string][]string

	p, h := newTestPool(t, cfg, nil, func(req QueryRequest, events []*nostr.Event, relaysForIDs map[string][]string) {
		eventsMu.Lock()
		gotEvents = events
		gotRelaysForIDs = relaysForIDs
		eventsMu.Unlock()
	})

	req := QueryRequest{ID: "sub1", Filters: []nostr.Filter{{Kinds: []int{1}}}, RelayURLs: []string{"r1", "r2"}}
	resultCh := p.Query(context.Background(), req, false)

	waitFor(t, time.Second, func() bool { return h.socket("r1") != nil && h.socket("r2") != nil })

	e1 := &nostr.Event{ID: "e1", Kind: 1, CreatedAt: nostr.Timestamp(100)}
	e2 := &nostr.Event{ID: "e2", Kind: 1, CreatedAt: nostr.Timestamp(101)}

	r1 := h.socket("r1")
	r2 := h.socket("r2")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() && r2.IsOpen() })

	deliverEvent(r1, "sub1", e1)
	deliverEvent(r1, "sub1", e1) // duplicate, must not double-count
	r1.deliver(`["EOSE","sub1"]`)
	deliverEvent(r2, "sub1", e2)
	// r2 never EOSEs; response_timeout must fire the flush.

	select {
	case events := <-resultCh:
		require.Len(t, events, 2)
		assert.Equal(t, "e1", events[0].ID)
		assert.Equal(t, "e2", events[1].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("query did not resolve")
	}

	eventsMu.Lock()
	require.Len(t, gotEvents, 2)
	assert.ElementsMatch(t, []string{"r1"}, gotRelaysForIDs["e1"])
	assert.ElementsMatch(t, []string{"r2"}, gotRelaysForIDs["e2"])
	eventsMu.Unlock()

	waitFor(t, time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.sentClose) == 1
	})
	waitFor(t, time.Second, func() bool {
		r2.mu.Lock()
		defer r2.mu.Unlock()
		return len(r2.sentClose) == 1
	})
}

func TestPool_ReconnectGapFreeCatchUp(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = time.Second

	p, h := newTestPool(t, cfg, nil, nil)
	req := QueryRequest{ID: "sub1", Filters: []nostr.Filter{{Kinds: []int{1}}}, RelayURLs: []string{"r1"}}
	p.Query(context.Background(), req, true)

	waitFor(t, time.Second, func() bool { return h.socket("r1") != nil })
	r1 := h.socket("r1")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() })

	r1.deliver(`["EOSE","sub1"]`)
	evt := &nostr.Event{ID: "e1", Kind: 1, CreatedAt: nostr.Timestamp(1000)}
	deliverEvent(r1, "sub1", evt)

	// simulate the socket dropping; the pool should schedule a level-0
	// reconnect (1s) and resend REQ with since=999 once it reconnects.
	r1.Disconnect()

	waitFor(t, 3*time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.sentReq) >= 2
	})

	r1.mu.Lock()
	lastReq := r1.sentReq[len(r1.sentReq)-1]
	r1.mu.Unlock()
	filters := lastReq[1].([]nostr.Filter)
	require.NotNil(t, filters[0].Since)
	assert.Equal(t, nostr.Timestamp(999), *filters[0].Since)
}

func TestPool_PublishPartialSuccess(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 300 * time.Millisecond

	p, h := newTestPool(t, cfg, nil, nil)
	evt := &nostr.Event{ID: "e1", Kind: 1}
	resultCh := p.Publish(context.Background(), PublishRequest{Events: []*nostr.Event{evt}, RelayURLs: []string{"r1", "r2", "r3"}})

	waitFor(t, time.Second, func() bool {
		return h.socket("r1") != nil && h.socket("r2") != nil && h.socket("r3") != nil
	})
	r1, r2, r3 := h.socket("r1"), h.socket("r2"), h.socket("r3")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() && r2.IsOpen() && r3.IsOpen() })
	waitFor(t, time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.sentEvent) == 1
	})

	r1.deliver(`["OK","e1",true,""]`)
	r2.deliver(`["OK","e1",false,"pow too low"]`)
	// r3 never responds.

	select {
	case result := <-resultCh:
		require.Len(t, result.Responses, 2)
		byRelay := map[string]PublishResponse{}
		for _, r := range result.Responses {
			byRelay[r.RelayURL] = r
		}
		assert.True(t, byRelay["r1"].Accepted)
		assert.False(t, byRelay["r2"].Accepted)
		assert.Equal(t, "pow too low", byRelay["r2"].Message)
		assert.Contains(t, result.UnreachableRelayURLs, "r3")
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not resolve")
	}
}

func TestPool_PublishRateLimitedPacesAcrossBurst(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 2 * time.Second
	cfg.PublishRateLimit = rate.Limit(100) // 100/s
	cfg.PublishRateBurst = 2               // burst of 2: 3rd event waits ~10ms

	p, h := newTestPool(t, cfg, nil, nil)
	events := []*nostr.Event{{ID: "e1"}, {ID: "e2"}, {ID: "e3"}}
	resultCh := p.Publish(context.Background(), PublishRequest{Events: events, RelayURLs: []string{"r1"}})

	waitFor(t, time.Second, func() bool { return h.socket("r1") != nil })
	r1 := h.socket("r1")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() })

	waitFor(t, time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.sentEvent) == 3
	})

	r1.mu.Lock()
	ids := make([]string, len(r1.sentEvent))
	for i, e := range r1.sentEvent {
		ids[i] = e.ID
	}
	r1.mu.Unlock()
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, ids)

	for _, evt := range events {
		r1.deliver(`["OK","` + evt.ID + `",true,""]`)
	}

	select {
	case result := <-resultCh:
		assert.Len(t, result.Responses, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not resolve")
	}
}

func TestPool_ZombieDetectionForceDisconnectsAndReconnects(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PingIdleThreshold = 10 * time.Millisecond
	cfg.RelayTimeout = 50 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour // avoid clock-jump branch firing in this test

	p, h := newTestPool(t, cfg, nil, nil)
	req := QueryRequest{ID: "sub1", Filters: []nostr.Filter{{Kinds: []int{1}}}, RelayURLs: []string{"r1"}}
	p.Query(context.Background(), req, true)

	waitFor(t, time.Second, func() bool { return h.socket("r1") != nil })
	r1 := h.socket("r1")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() })
	r1.deliver(`["EOSE","sub1"]`)

	time.Sleep(20 * time.Millisecond)
	p.PerformHealthCheck(false)

	waitFor(t, time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return r1.pingCount == 1
	})

	// no pong arrives before relay_timeout: socket is force-disconnected
	// and the pool schedules a level-0 (1s) reconnect.
	waitFor(t, 2*time.Second, func() bool {
		snap := p.State()
		st, ok := snap.Subscriptions["sub1"]["r1"]
		return ok && st.Phase == Waiting
	})
}

func TestPool_ClosedWithTerminalReasonDoesNotResend(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = time.Second

	p, h := newTestPool(t, cfg, nil, nil)
	req := QueryRequest{ID: "sub1", Filters: []nostr.Filter{{Kinds: []int{1}}}, RelayURLs: []string{"r1"}}
	p.Query(context.Background(), req, true)

	waitFor(t, time.Second, func() bool { return h.socket("r1") != nil })
	r1 := h.socket("r1")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() })

	r1.mu.Lock()
	sentBefore := len(r1.sentReq)
	r1.mu.Unlock()

	r1.deliver(`["CLOSED","sub1","restricted: not authorized"]`)

	waitFor(t, time.Second, func() bool {
		snap := p.State()
		st, ok := snap.Subscriptions["sub1"]["r1"]
		return ok && st.Phase == Failed
	})

	r1.mu.Lock()
	defer r1.mu.Unlock()
	assert.Equal(t, sentBefore, len(r1.sentReq), "restricted: CLOSED must not trigger a resend")
}

func TestPool_ClosedWithOrdinaryReasonResends(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ResponseTimeout = time.Second

	p, h := newTestPool(t, cfg, nil, nil)
	req := QueryRequest{ID: "sub1", Filters: []nostr.Filter{{Kinds: []int{1}}}, RelayURLs: []string{"r1"}}
	p.Query(context.Background(), req, true)

	waitFor(t, time.Second, func() bool { return h.socket("r1") != nil })
	r1 := h.socket("r1")
	waitFor(t, time.Second, func() bool { return r1.IsOpen() })

	r1.deliver(`["CLOSED","sub1","error: internal hiccup"]`)

	waitFor(t, time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.sentReq) >= 2
	})
}

func deliverEvent(s *fakeSocket, subID string, evt *nostr.Event) {
	b, err := json.Marshal([]any{"EVENT", subID, evt})
	if err != nil {
		panic(err)
	}
	s.deliver(string(b))
}
