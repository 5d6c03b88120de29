package pool

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Publish fans out each event to each target relay and awaits one OK per
// (event, relay) pair up to the response timeout.
func (p *RelayPool) Publish(ctx context.Context, req PublishRequest) <-chan PublishResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan PublishResult, 1)
	if p.disposed {
		ch <- PublishResult{UnreachableRelayURLs: append([]string(nil), req.RelayURLs...)}
		close(ch)
		return ch
	}

	op := &publishOperation{
		events:     req.Events,
		relayURLs:  req.RelayURLs,
		sentTo:     make(map[string]map[string]bool),
		responded:  make(map[string]map[string]bool),
		failedSend: make(map[string]map[string]bool),
		completer:  ch,
	}
	p.pubs = append(p.pubs, op)

	for _, url := range req.RelayURLs {
		ms := p.ensureManagedSocketLocked(url)
		if ms.socket != nil && ms.socket.IsOpen() {
			p.sendPublishToRelayLocked(op, url, ms)
		} else {
			ms.pendingPublishes = append(ms.pendingPublishes, op)
			p.beginConnectLocked(ctx, url, ms)
		}
	}

	op.timer = time.AfterFunc(p.cfg.ResponseTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.completePublishLocked(op)
	})
	return ch
}

func (p *RelayPool) sendPublishToRelayLocked(op *publishOperation, url string, ms *managedSocket) {
	for _, evt := range op.events {
		set, ok := op.sentTo[evt.ID]
		if !ok {
			set = make(map[string]bool)
			op.sentTo[evt.ID] = set
		}
		if set[url] {
			continue
		}
		if ms.limiter != nil {
			if delay := ms.limiter.Reserve().Delay(); delay > 0 {
				time.AfterFunc(delay, func() {
					p.mu.Lock()
					defer p.mu.Unlock()
					if p.disposed || op.completed || !ms.socket.IsOpen() {
						return
					}
					p.sendOnePublishLocked(op, url, ms, evt)
				})
				continue
			}
		}
		p.sendOnePublishLocked(op, url, ms, evt)
	}
	p.maybeCompletePublishLocked(op)
}

// sendOnePublishLocked sends one event to one relay for op, recording the
// outcome. Called both inline (token available) and from a deferred timer
// (rate-limited), so it must re-check op.sentTo itself.
func (p *RelayPool) sendOnePublishLocked(op *publishOperation, url string, ms *managedSocket, evt *nostr.Event) {
	set := op.sentTo[evt.ID]
	if set == nil {
		set = make(map[string]bool)
		op.sentTo[evt.ID] = set
	}
	if set[url] {
		return
	}
	if ms.socket.SendEvent(evt) {
		set[url] = true
	} else {
		fs, ok := op.failedSend[evt.ID]
		if !ok {
			fs = make(map[string]bool)
			op.failedSend[evt.ID] = fs
		}
		fs[url] = true
	}
	p.maybeCompletePublishLocked(op)
}

// maybeCompletePublishLocked completes op once every successfully-sent
// (event, relay) pair has a recorded OK response.
func (p *RelayPool) maybeCompletePublishLocked(op *publishOperation) {
	if op.completed {
		return
	}
	for evtID, set := range op.sentTo {
		respSet := op.responded[evtID]
		for url := range set {
			if !respSet[url] {
				return
			}
		}
	}
	p.completePublishLocked(op)
}

func (p *RelayPool) completePublishLocked(op *publishOperation) {
	if op.completed {
		return
	}
	op.completed = true
	if op.timer != nil {
		op.timer.Stop()
	}

	unreachable := make(map[string]bool, len(op.relayURLs))
	for _, url := range op.relayURLs {
		unreachable[url] = true
	}
	for evtID, set := range op.sentTo {
		respSet := op.responded[evtID]
		for url := range set {
			if respSet[url] {
				unreachable[url] = false
			}
		}
	}

	urls := make([]string, 0, len(unreachable))
	for url, still := range unreachable {
		if still {
			urls = append(urls, url)
		}
	}

	op.completer <- PublishResult{
		Responses:            append([]PublishResponse(nil), op.responses...),
		UnreachableRelayURLs: urls,
	}
	close(op.completer)

	for _, url := range op.relayURLs {
		p.reapIfIdleLocked(url)
	}
	p.removePublishOpLocked(op)
}

func (p *RelayPool) removePublishOpLocked(op *publishOperation) {
	for i, o := range p.pubs {
		if o == op {
			p.pubs = append(p.pubs[:i], p.pubs[i+1:]...)
			return
		}
	}
}
