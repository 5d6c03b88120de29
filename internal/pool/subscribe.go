package pool

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrworker/nostrworker/internal/socket"
	"github.com/nostrworker/nostrworker/internal/workererr"
)

// Query implements the request/query protocol. For stream=false the returned
// channel receives exactly one deduplicated event batch and closes; for
// stream=true it receives an immediate empty batch (events thereafter
// arrive only through the OnEvents callback registered at construction).
func (p *RelayPool) Query(ctx context.Context, req QueryRequest, stream bool) <-chan []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		ch := make(chan []*nostr.Event, 1)
		ch <- nil
		close(ch)
		return ch
	}

	sub := &subscription{
		req:         req,
		stream:      stream,
		states:      make(map[string]*RelaySubState),
		buffer:      make(map[string]*nostr.Event),
		relaysForID: make(map[string]map[string]bool),
	}
	if !stream {
		sub.completer = make(chan []*nostr.Event, 1)
	}
	p.subs[req.ID] = sub

	for _, url := range req.RelayURLs {
		ms := p.ensureManagedSocketLocked(url)
		ms.subIDs[req.ID] = true
		sub.states[url] = &RelaySubState{Phase: Connecting, connectingSince: time.Now()}
		p.beginConnectLocked(ctx, url, ms)
	}

	if !stream {
		sub.responseTimer = time.AfterFunc(p.cfg.ResponseTimeout, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.flushOneShotLocked(sub)
		})
		p.emitState()
		return sub.completer
	}

	ch := make(chan []*nostr.Event, 1)
	ch <- nil
	close(ch)
	p.emitState()
	return ch
}

// Unsubscribe implements the request/query protocol's cancel operation.
func (p *RelayPool) Unsubscribe(req QueryRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscribeLocked(req.ID)
}

func (p *RelayPool) unsubscribeLocked(subID string) error {
	sub, ok := p.subs[subID]
	if !ok {
		return workererr.ErrNotFound
	}
	p.cancelSubscriptionTimersLocked(sub)
	for url := range sub.states {
		if ms, ok := p.relays[url]; ok {
			if ms.socket != nil && ms.socket.IsOpen() {
				ms.socket.SendClose(subID)
			}
			delete(ms.subIDs, subID)
			p.reapIfIdleLocked(url)
		}
	}
	delete(p.subs, subID)
	p.emitState()
	return nil
}

func (p *RelayPool) cancelSubscriptionTimersLocked(sub *subscription) {
	if sub.responseTimer != nil {
		sub.responseTimer.Stop()
		sub.responseTimer = nil
	}
	if sub.flushTimer != nil {
		sub.flushTimer.Stop()
		sub.flushTimer = nil
	}
}

// startSubscriptionOnSocketLocked sends (or resends) the REQ frame for sub
// on an already-open socket, rewriting `since` for gap-free catch-up on
// streaming subscriptions that have already seen events.
func (p *RelayPool) startSubscriptionOnSocketLocked(sub *subscription, url string, ms *managedSocket) {
	st, ok := sub.states[url]
	if !ok {
		return
	}
	st.Phase = Loading
	filters := append([]nostr.Filter(nil), sub.req.Filters...)
	if sub.stream && !st.LastEventAt.IsZero() {
		since := nostr.Timestamp(st.LastEventAt.Unix() - 1)
		for i := range filters {
			filters[i].Since = &since
		}
	}
	ms.subIDs[sub.req.ID] = true
	if !ms.socket.SendReq(sub.req.ID, filters) {
		p.logf("warning", sub.req.ID, url, "send REQ failed")
	}
}

// handleMessage dispatches one decoded relay frame. Invoked on the
// RelaySocket's own read-loop goroutine via a detached go statement, so it
// always acquires p.mu fresh and never races a holder of that lock.
func (p *RelayPool) handleMessage(url, text string) {
	frame, err := parseFrame(text)
	if err != nil {
		p.mu.Lock()
		p.logf("warning", "", url, "malformed frame: %v", err)
		p.mu.Unlock()
		return
	}
	switch frame.Type {
	case "EVENT":
		p.handleEvent(url, frame.Rest)
	case "EOSE":
		p.handleEOSE(url, frame.Rest)
	case "OK":
		p.handleOK(url, frame.Rest)
	case "NOTICE":
		p.handleNotice(url, frame.Rest)
	case "CLOSED":
		p.handleClosed(url, frame.Rest)
	default:
		p.mu.Lock()
		p.logf("warning", "", url, "unknown message type %q", frame.Type)
		p.mu.Unlock()
	}
}

func (p *RelayPool) handleEvent(url string, rest []json.RawMessage) {
	if len(rest) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(rest[0], &subID); err != nil {
		return
	}
	if subID == socket.PingSubID {
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(rest[1], &evt); err != nil {
		p.mu.Lock()
		p.logf("warning", subID, url, "malformed event: %v", err)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[subID]
	if !ok {
		p.logf("warning", subID, url, "event for unknown subscription")
		return
	}
	st, ok := sub.states[url]
	if !ok {
		return
	}
	st.LastEventAt = evt.CreatedAt.Time()

	if set, ok := sub.relaysForID[evt.ID]; ok {
		set[url] = true
		return
	}
	eventCopy := evt
	sub.buffer[evt.ID] = &eventCopy
	sub.order = append(sub.order, evt.ID)
	sub.relaysForID[evt.ID] = map[string]bool{url: true}
	p.scheduleStreamingFlushLocked(sub)
}

func (p *RelayPool) handleEOSE(url string, rest []json.RawMessage) {
	if len(rest) < 1 {
		return
	}
	var subID string
	if err := json.Unmarshal(rest[0], &subID); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if subID == socket.PingSubID {
		p.handlePingLivenessLocked(url, true)
		return
	}
	sub, ok := p.subs[subID]
	if !ok {
		return
	}
	st, ok := sub.states[url]
	if !ok {
		return
	}
	st.Phase = Streaming
	st.StreamingSince = time.Now()
	st.EOSEReceived = true
	st.LastError = ""
	if ms, ok := p.relays[url]; ok {
		ms.reconnectAttempts = 0
		ms.backoffLevel = 0
		ms.lastError = ""
	}
	p.logf("info", subID, url, "EOSE")

	if sub.stream {
		p.flushStreamingLocked(sub)
		return
	}
	for _, s := range sub.states {
		if !s.EOSEReceived {
			return
		}
	}
	p.flushOneShotLocked(sub)
}

func (p *RelayPool) handleOK(url string, rest []json.RawMessage) {
	if len(rest) < 2 {
		return
	}
	var eventID string
	if err := json.Unmarshal(rest[0], &eventID); err != nil {
		return
	}
	var accepted bool
	if err := json.Unmarshal(rest[1], &accepted); err != nil {
		return
	}
	var message string
	if len(rest) >= 3 {
		_ = json.Unmarshal(rest[2], &message)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range p.pubs {
		if op.completed {
			continue
		}
		sentSet, ok := op.sentTo[eventID]
		if !ok || !sentSet[url] {
			continue
		}
		respSet, ok := op.responded[eventID]
		if !ok {
			respSet = make(map[string]bool)
			op.responded[eventID] = respSet
		}
		if respSet[url] {
			continue
		}
		respSet[url] = true
		op.responses = append(op.responses, PublishResponse{EventID: eventID, RelayURL: url, Accepted: accepted, Message: message})
		p.maybeCompletePublishLocked(op)
	}
}

func (p *RelayPool) handleNotice(url string, rest []json.RawMessage) {
	if len(rest) < 1 {
		return
	}
	var msg string
	_ = json.Unmarshal(rest[0], &msg)
	p.mu.Lock()
	p.logf("info", "", url, "NOTICE: %s", msg)
	p.mu.Unlock()
}

func (p *RelayPool) handleClosed(url string, rest []json.RawMessage) {
	if len(rest) < 1 {
		return
	}
	var subID string
	if err := json.Unmarshal(rest[0], &subID); err != nil {
		return
	}
	var reason string
	if len(rest) >= 2 {
		_ = json.Unmarshal(rest[1], &reason)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if subID == socket.PingSubID {
		p.handlePingLivenessLocked(url, true)
		return
	}
	sub, ok := p.subs[subID]
	if !ok {
		return
	}
	ms, ok := p.relays[url]
	if !ok || ms.socket == nil || !ms.socket.IsOpen() {
		return
	}
	if isTerminalCloseReason(reason) {
		if st, ok := sub.states[url]; ok {
			st.Phase = Failed
			st.LastError = reason
		}
		p.logf("warning", subID, url, "CLOSED (%s); relay rejects this request, not resending", reason)
		p.emitState()
		return
	}
	p.logf("warning", subID, url, "CLOSED (%s); resending REQ", reason)
	p.startSubscriptionOnSocketLocked(sub, url, ms)
}

// isTerminalCloseReason reports whether a CLOSED reason carries a NIP-01
// machine-readable prefix indicating the relay will never accept this
// request; resending it would spin forever (see DESIGN.md).
func isTerminalCloseReason(reason string) bool {
	return strings.HasPrefix(reason, "duplicate:") || strings.HasPrefix(reason, "restricted:")
}

// handleDisconnect runs on its own goroutine (see ensureManagedSocketLocked)
// so it never races a caller already holding p.mu, including one that
// synchronously triggered this very callback via socket.Disconnect().
func (p *RelayPool) handleDisconnect(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	ms, ok := p.relays[url]
	if !ok {
		return
	}
	if ms.suppressNextDisconnect {
		ms.suppressNextDisconnect = false
		return
	}
	p.enterWaitingOrFailedLocked(url, ms, err)
}
