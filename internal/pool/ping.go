package pool

import (
	"errors"
	"time"

	"github.com/nostrworker/nostrworker/internal/socket"
)

// PerformHealthCheck is called only from the worker in response to
// heartbeats. It detects zombie connections via
// application-level ping, resets relays stuck in `connecting`, and
// recovers from clock jumps (e.g. a suspended host).
func (p *RelayPool) PerformHealthCheck(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}

	now := time.Now()
	elapsed := now.Sub(p.lastHeartbeat)
	p.lastHeartbeat = now

	expected := p.cfg.HeartbeatInterval
	if expected <= 0 {
		expected = DefaultConfig().HeartbeatInterval
	}
	if elapsed > 2*expected {
		p.logf("warning", "", "", "clock jump detected (%s elapsed, expected ~%s); resetting all relays", elapsed, expected)
		for url, ms := range p.relays {
			ms.pingPending = false
			if ms.pingTimer != nil {
				ms.pingTimer.Stop()
				ms.pingTimer = nil
			}
			ms.suppressNextDisconnect = true
			if ms.socket != nil {
				ms.socket.Disconnect()
			}
			for _, sub := range p.subs {
				if st, ok := sub.states[url]; ok {
					st.Phase = Disconnected
				}
			}
		}
		p.emitState()
		return
	}

	for url, ms := range p.relays {
		p.checkStuckConnectingLocked(url, ms, now)
		p.checkZombieLocked(url, ms, now, force)
	}
}

// checkStuckConnectingLocked resets a (sub, relay) pair that has remained
// `connecting` for more than 2×response_timeout without progress.
func (p *RelayPool) checkStuckConnectingLocked(url string, ms *managedSocket, now time.Time) {
	for _, sub := range p.subs {
		st, ok := sub.states[url]
		if !ok || st.Phase != Connecting {
			continue
		}
		if st.connectingSince.IsZero() {
			st.connectingSince = now
			continue
		}
		if now.Sub(st.connectingSince) > 2*p.cfg.ResponseTimeout {
			p.logf("warning", sub.req.ID, url, "stuck connecting; resetting")
			st.Phase = Disconnected
			st.connectingSince = time.Time{}
			if ms.socket != nil {
				ms.suppressNextDisconnect = true
				ms.socket.Disconnect()
			}
		}
	}
}

// checkZombieLocked pings a relay whose apparent activity has gone stale
// beyond ping_idle_threshold.
func (p *RelayPool) checkZombieLocked(url string, ms *managedSocket, now time.Time, force bool) {
	if ms.socket == nil || !ms.socket.IsOpen() || ms.pingPending {
		return
	}

	active := false
	var last time.Time
	for _, sub := range p.subs {
		st, ok := sub.states[url]
		if !ok {
			continue
		}
		if st.Phase == Loading || st.Phase == Streaming {
			active = true
			if st.LastEventAt.After(last) {
				last = st.LastEventAt
			}
		}
	}
	if !active {
		return
	}
	if socketActive := ms.socket.LastActivityAt(); socketActive.After(last) {
		last = socketActive
	}

	gap := now.Sub(last)
	if gap <= p.cfg.PingIdleThreshold && !force {
		return
	}
	p.sendPingLocked(url, ms)
}

func (p *RelayPool) sendPingLocked(url string, ms *managedSocket) {
	if !ms.socket.SendPing() {
		p.forceDisconnectLocked(url, ms, errors.New("ping send failed"))
		return
	}
	ms.pingPending = true
	if ms.pingTimer != nil {
		ms.pingTimer.Stop()
	}
	ms.pingTimer = time.AfterFunc(p.cfg.RelayTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !ms.pingPending {
			return
		}
		ms.pingPending = false
		ms.pingTimer = nil
		p.forceDisconnectLocked(url, ms, errors.New("ping timeout"))
	})
	p.logf("info", "", url, "ping sent")
}

// handlePingLivenessLocked handles EOSE/CLOSED on the reserved "__ping__"
// subscription id, dispatched from handleEOSE and handleClosed.
func (p *RelayPool) handlePingLivenessLocked(url string, alive bool) {
	ms, ok := p.relays[url]
	if !ok || !ms.pingPending {
		return
	}
	ms.pingPending = false
	if ms.pingTimer != nil {
		ms.pingTimer.Stop()
		ms.pingTimer = nil
	}
	if alive && ms.socket != nil {
		ms.socket.SendClose(socket.PingSubID)
		p.logf("info", "", url, "ping alive")
	}
}

// forceDisconnectLocked closes a socket pool-side (ping timeout/failure);
// the actual phase transition and backoff bookkeeping happens once, later,
// via the async handleDisconnect this triggers.
func (p *RelayPool) forceDisconnectLocked(url string, ms *managedSocket, cause error) {
	if cause != nil {
		ms.lastError = cause.Error()
	}
	if ms.socket != nil {
		ms.socket.Disconnect()
	}
}
