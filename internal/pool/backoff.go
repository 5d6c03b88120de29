package pool

import (
	"context"
	"time"
)

// beginConnectLocked opens ms's transport if needed, advancing any
// subscriptions already targeting it once the connection succeeds. A
// connect already in flight for this ManagedSocket is not duplicated.
func (p *RelayPool) beginConnectLocked(ctx context.Context, url string, ms *managedSocket) {
	if ms.socket == nil {
		return
	}
	if ms.socket.IsOpen() {
		p.handleConnectSuccessLocked(url, ms)
		return
	}
	if ms.connecting {
		return
	}
	ms.connecting = true
	timeout := p.cfg.RelayTimeout

	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := ms.socket.Connect(connectCtx)

		p.mu.Lock()
		defer p.mu.Unlock()
		ms.connecting = false
		if p.disposed {
			return
		}
		if err != nil {
			p.enterWaitingOrFailedLocked(url, ms, err)
			return
		}
		p.handleConnectSuccessLocked(url, ms)
	}()
}

// handleConnectSuccessLocked moves every connecting/waiting (sub, relay)
// pair targeting url into `loading` and flushes any publish operations that
// were queued for this relay while it was down.
func (p *RelayPool) handleConnectSuccessLocked(url string, ms *managedSocket) {
	for _, sub := range p.subs {
		if st, ok := sub.states[url]; ok && (st.Phase == Connecting || st.Phase == Waiting) {
			p.startSubscriptionOnSocketLocked(sub, url, ms)
		}
	}
	if len(ms.pendingPublishes) > 0 {
		pending := ms.pendingPublishes
		ms.pendingPublishes = nil
		for _, op := range pending {
			if !op.completed {
				p.sendPublishToRelayLocked(op, url, ms)
			}
		}
	}
	p.emitState()
}

// enterWaitingOrFailedLocked is the sole place that advances a relay's
// shared backoff counter. cause is nil for a caller- or
// pool-initiated disconnect (e.g. a ping timeout forcing the socket
// closed); in that case any reason already recorded by the caller is kept.
func (p *RelayPool) enterWaitingOrFailedLocked(url string, ms *managedSocket, cause error) {
	ms.reconnectAttempts++
	if cause != nil {
		ms.lastError = cause.Error()
	} else if ms.lastError == "" {
		ms.lastError = "connection closed"
	}

	if ms.reconnectAttempts >= p.cfg.maxRetries() {
		for _, sub := range p.subs {
			if st, ok := sub.states[url]; ok {
				st.Phase = Failed
				st.LastError = ms.lastError
			}
		}
		p.logf("error", "", url, "relay failed after %d attempts: %s", ms.reconnectAttempts, ms.lastError)
		p.emitState()
		return
	}

	for _, sub := range p.subs {
		if st, ok := sub.states[url]; ok {
			st.Phase = Waiting
			st.LastError = ms.lastError
			st.EOSEReceived = false
		}
	}

	level := backoffLevelForAttempt(ms.reconnectAttempts - 1)
	ms.backoffLevel = level
	delay := p.cfg.backoffDelay(level)
	if ms.reconnectTimer != nil {
		ms.reconnectTimer.Stop()
	}
	ms.reconnectTimer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.disposed {
			return
		}
		ms.reconnectTimer = nil
		for _, sub := range p.subs {
			if st, ok := sub.states[url]; ok && st.Phase == Waiting {
				st.Phase = Connecting
				st.connectingSince = time.Now()
			}
		}
		p.beginConnectLocked(context.Background(), url, ms)
		p.emitState()
	})

	p.logf("warning", "", url, "disconnected (%s); retry in %s (attempt %d/%d)",
		ms.lastError, delay, ms.reconnectAttempts, p.cfg.maxRetries())
	p.emitState()
}
