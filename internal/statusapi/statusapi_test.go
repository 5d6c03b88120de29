package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrworker/nostrworker/internal/pool"
)

type fakeWorker struct {
	state pool.PoolState
}

func (f fakeWorker) PoolState() pool.PoolState { return f.state }

func TestStatusAPI_Status(t *testing.T) {
	t.Parallel()
	w := fakeWorker{state: pool.PoolState{
		Relays: map[string]pool.RelayState{
			"wss://r1": {URL: "wss://r1", Open: true},
			"wss://r2": {URL: "wss://r2", Open: false, ReconnectAttempts: 2, LastError: "timeout"},
		},
		Subscriptions: map[string]map[string]pool.RelaySubState{
			"sub1": {"wss://r1": {Phase: pool.Streaming}},
		},
	}}
	srv := New(w)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		RelayCount    int `json:"relay_count"`
		OpenRelays    int `json:"open_relays"`
		Subscriptions int `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.RelayCount)
	assert.Equal(t, 1, body.OpenRelays)
	assert.Equal(t, 1, body.Subscriptions)
}

func TestStatusAPI_Healthz(t *testing.T) {
	t.Parallel()
	srv := New(fakeWorker{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusAPI_Relays(t *testing.T) {
	t.Parallel()
	w := fakeWorker{state: pool.PoolState{
		Relays: map[string]pool.RelayState{"wss://r1": {URL: "wss://r1", Open: true}},
	}}
	srv := New(w)

	req := httptest.NewRequest(http.MethodGet, "/status/relays", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var relays map[string]pool.RelayState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &relays))
	assert.True(t, relays["wss://r1"].Open)
}
