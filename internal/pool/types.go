// Package pool implements RelayPool: multiplexed outbound relay connections
// with per-subscription state machines, reconnection/backoff, zombie
// detection, deduplication and flushing, and publish fan-out.
package pool

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

// Phase is the unified state of one (subscription, relay) pair.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Loading
	Streaming
	Waiting
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Loading:
		return "loading"
	case Streaming:
		return "streaming"
	case Waiting:
		return "waiting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RelaySubState is the per-(subscription, relay) state.
type RelaySubState struct {
	Phase             Phase
	LastEventAt       time.Time
	StreamingSince    time.Time
	ReconnectAttempts int // mirrored from the owning ManagedSocket at snapshot time
	LastError         string
	EOSEReceived      bool
	connectingSince   time.Time
}

// QueryRequest is an application-level query/subscribe request.
type QueryRequest struct {
	ID        string
	Filters   []nostr.Filter
	RelayURLs []string
}

// PublishRequest asks the pool to fan out events to a set of relays.
type PublishRequest struct {
	Events    []*nostr.Event
	RelayURLs []string
}

// PublishResponse is one (event, relay) outcome.
type PublishResponse struct {
	EventID  string
	RelayURL string
	Accepted bool
	Message  string
}

// PublishResult is the aggregated outcome of a PublishRequest.
type PublishResult struct {
	Responses            []PublishResponse
	UnreachableRelayURLs []string
}

// subscription is the pool's internal bookkeeping for one QueryRequest.
type subscription struct {
	req    QueryRequest
	stream bool

	states map[string]*RelaySubState // relay URL -> state

	buffer      map[string]*nostr.Event   // dedup: event id -> event
	order       []string                  // first-seen order of ids in buffer
	relaysForID map[string]map[string]bool

	completer chan []*nostr.Event // non-nil only for blocking (one-shot) subs; closed on completion
	completed bool

	responseTimer *time.Timer // one-shot EOSE timeout, or blocking-sub flush timeout
	flushTimer    *time.Timer // streaming post-EOSE coalescing timer
}

// publishOperation is the pool's internal bookkeeping for one PublishRequest.
type publishOperation struct {
	events    []*nostr.Event
	relayURLs []string

	sentTo     map[string]map[string]bool // eventID -> relayURL set
	responded  map[string]map[string]bool // eventID -> relayURL set
	failedSend map[string]map[string]bool // eventID -> relayURL set (send_text returned false)
	responses  []PublishResponse

	timer     *time.Timer
	completer chan PublishResult
	completed bool
}

// managedSocket is the pool's per-relay wrapper
type managedSocket struct {
	url    string
	socket relaySocket

	subIDs map[string]bool // subscription ids routed through this socket

	reconnectAttempts      int
	backoffLevel           int
	lastError              string
	connecting             bool
	suppressNextDisconnect bool

	reconnectTimer *time.Timer
	pingPending    bool
	pingTimer      *time.Timer

	pendingPublishes []*publishOperation

	limiter *rate.Limiter // paces outbound EVENT frames to this relay

	disposed bool
}

// relaySocket is the subset of *socket.RelaySocket the pool depends on,
// narrowed for testability (fake relays in pool tests implement it without
// opening real sockets).
type relaySocket interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsOpen() bool
	LastActivityAt() time.Time
	SendReq(subID string, filters []nostr.Filter) bool
	SendClose(subID string) bool
	SendEvent(evt *nostr.Event) bool
	SendPing() bool
}

// PoolState is a cloned, serializable snapshot of pool state, safe for the
// application-side notifier to coalesce and compare.
type PoolState struct {
	Relays        map[string]RelayState                `json:"relays"`
	Subscriptions map[string]map[string]RelaySubState `json:"subscriptions"` // sub id -> relay url -> state
	Logs          []LogEntry                           `json:"logs"`
}

// RelayState summarizes one ManagedSocket for a PoolState snapshot.
type RelayState struct {
	URL               string `json:"url"`
	Open              bool   `json:"open"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

// LogEntry is one record in the pool's bounded log ring.
type LogEntry struct {
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	SubID    string    `json:"sub_id,omitempty"`
	RelayURL string    `json:"relay_url,omitempty"`
}
