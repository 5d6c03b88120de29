package pool

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// flushedEventsLocked returns the subscription's buffered events in
// first-seen order.
func (p *RelayPool) flushedEventsLocked(sub *subscription) []*nostr.Event {
	events := make([]*nostr.Event, 0, len(sub.order))
	for _, id := range sub.order {
		if evt, ok := sub.buffer[id]; ok {
			events = append(events, evt)
		}
	}
	return events
}

func (p *RelayPool) relaysForIDsLocked(sub *subscription) map[string][]string {
	out := make(map[string][]string, len(sub.relaysForID))
	for id, set := range sub.relaysForID {
		urls := make([]string, 0, len(set))
		for url := range set {
			urls = append(urls, url)
		}
		out[id] = urls
	}
	return out
}

// flushOneShotLocked fires exactly once for a blocking subscription: all
// target relays have EOSE-received, or the response timeout fired. Dispose
// does not go through it; it completes a pending one-shot query itself.
func (p *RelayPool) flushOneShotLocked(sub *subscription) {
	if sub.completed {
		return
	}
	if sub.responseTimer != nil {
		sub.responseTimer.Stop()
	}

	events := p.flushedEventsLocked(sub)
	if len(events) > 0 && p.onEvents != nil {
		cb := p.onEvents
		reqCopy := sub.req
		relaysForIDs := p.relaysForIDsLocked(sub)
		evCopy := append([]*nostr.Event(nil), events...)
		go cb(reqCopy, evCopy, relaysForIDs)
	}

	sub.completed = true
	if sub.completer != nil {
		sub.completer <- append([]*nostr.Event(nil), events...)
		close(sub.completer)
	}
	p.unsubscribeLocked(sub.req.ID)
}

// flushStreamingLocked flushes whatever is currently buffered for a
// streaming subscription and clears the buffer. Called on EOSE and on
// streaming_buffer_window timer fire.
func (p *RelayPool) flushStreamingLocked(sub *subscription) {
	if sub.flushTimer != nil {
		sub.flushTimer.Stop()
		sub.flushTimer = nil
	}
	if len(sub.buffer) == 0 {
		return
	}

	events := p.flushedEventsLocked(sub)
	relaysForIDs := p.relaysForIDsLocked(sub)
	sub.buffer = make(map[string]*nostr.Event)
	sub.order = nil
	sub.relaysForID = make(map[string]map[string]bool)

	if p.onEvents != nil {
		cb := p.onEvents
		reqCopy := sub.req
		go cb(reqCopy, events, relaysForIDs)
	}
}

// scheduleStreamingFlushLocked arms the coalescing timer the first time an
// event arrives after a relay has already reached `streaming`; later
// arrivals before the timer fires are coalesced into the same flush.
func (p *RelayPool) scheduleStreamingFlushLocked(sub *subscription) {
	if !sub.stream {
		return
	}
	anyStreaming := false
	for _, st := range sub.states {
		if st.Phase == Streaming {
			anyStreaming = true
			break
		}
	}
	if !anyStreaming {
		return
	}
	if sub.flushTimer != nil {
		return
	}
	sub.flushTimer = time.AfterFunc(p.cfg.StreamingBufferWindow, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.flushStreamingLocked(sub)
	})
}
