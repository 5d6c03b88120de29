package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a minimal WebSocket echo/scripted server used to exercise
// RelaySocket without a real relay.
type fakeRelay struct {
	srv     *httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	onFrame func(conn *websocket.Conn, frame string)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conns = append(fr.conns, conn)
		fr.mu.Unlock()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if fr.onFrame != nil {
				fr.onFrame(conn, string(data))
			}
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) wsURL() string {
	return "ws" + fr.srv.URL[len("http"):]
}

func (fr *fakeRelay) send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(text)))
}

func (fr *fakeRelay) closeAll() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, c := range fr.conns {
		c.Close(websocket.StatusNormalClosure, "bye")
	}
}

func TestRelaySocket_ConnectIsIdempotent(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)

	s := New(fr.wsURL(), nil, nil)
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsOpen())
	// second connect on an already-open socket must be a no-op success
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsOpen())
}

func TestRelaySocket_ConnectTimeout(t *testing.T) {
	t.Parallel()
	s := New("ws://127.0.0.1:1", nil, nil)
	s.RelayTimeout = 50 * time.Millisecond
	err := s.Connect(context.Background())
	require.Error(t, err)
	var connErr *ConnectError
	assert.ErrorAs(t, err, &connErr)
}

func TestRelaySocket_SendTextBeforeConnectFails(t *testing.T) {
	t.Parallel()
	s := New("ws://example.invalid", nil, nil)
	assert.False(t, s.SendText(`["CLOSE","x"]`))
}

func TestRelaySocket_OnMessageAndLastActivity(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	received := make(chan string, 1)
	s := New(fr.wsURL(), func(text string) { received <- text }, nil)
	require.NoError(t, s.Connect(context.Background()))

	fr.mu.Lock()
	conn := fr.conns[0]
	fr.mu.Unlock()
	fr.send(t, conn, `["EOSE","sub1"]`)

	select {
	case msg := <-received:
		assert.Equal(t, `["EOSE","sub1"]`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	assert.WithinDuration(t, time.Now(), s.LastActivityAt(), time.Second)
}

func TestRelaySocket_OnDisconnectFiresOnceOnRemoteClose(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	var calls int32
	var mu sync.Mutex
	done := make(chan struct{})
	s := New(fr.wsURL(), nil, func(err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})
	require.NoError(t, s.Connect(context.Background()))
	fr.closeAll()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, int32(1), calls)
	mu.Unlock()
	assert.False(t, s.IsOpen())
}

func TestRelaySocket_DisconnectIsIdempotentAndFiresCallback(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	var calls int32
	s := New(fr.wsURL(), nil, func(err error) {
		calls++
		assert.NoError(t, err)
	})
	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()
	s.Disconnect() // second call is a no-op, must not double-fire
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls)
	assert.False(t, s.IsOpen())
}

func TestRelaySocket_SendHelpersProduceSpecFrames(t *testing.T) {
	t.Parallel()
	fr := newFakeRelay(t)
	frames := make(chan string, 8)
	fr.onFrame = func(conn *websocket.Conn, frame string) { frames <- frame }

	s := New(fr.wsURL(), nil, nil)
	require.NoError(t, s.Connect(context.Background()))

	limit := 10
	require.True(t, s.SendReq("sub1", []nostr.Filter{{Kinds: []int{1}, Limit: limit}}))
	require.True(t, s.SendClose("sub1"))
	require.True(t, s.SendPing())

	evt := &nostr.Event{ID: "abc", PubKey: "def", Kind: 1, Content: "hi"}
	require.True(t, s.SendEvent(evt))

	wantPrefixes := []string{`["REQ","sub1",`, `["CLOSE","sub1"]`, `["REQ","__ping__",{"limit":0}]`}
	for _, w := range wantPrefixes {
		select {
		case got := <-frames:
			assert.True(t, strings.HasPrefix(got, w), "frame %q does not start with %q", got, w)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %q", w)
		}
	}
	select {
	case got := <-frames:
		assert.Contains(t, got, `"EVENT"`)
		assert.Contains(t, got, `"abc"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EVENT frame")
	}
}
