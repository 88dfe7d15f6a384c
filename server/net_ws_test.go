package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posrelay/protocol"
)

func readServerMessage(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	_, payload, err := c.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.JSON{}.DecodeServer(payload)
	require.NoError(t, err)
	return m
}

func TestHandleWS_RelaysBetweenWebSocketClients(t *testing.T) {
	r := newTestRelay(t)
	srv := httptest.NewServer(r.Mux())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	connA, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer connA.Close()
	welcomeA, ok := readServerMessage(t, connA).(protocol.Welcome)
	require.True(t, ok)

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"type":"Position","x":10,"y":20}`)))
	require.Eventually(t, func() bool { return r.Registry().Positions() == 1 }, waitFor, tick)

	connB, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer connB.Close()
	welcomeB, ok := readServerMessage(t, connB).(protocol.Welcome)
	require.True(t, ok)
	assert.NotEqual(t, welcomeA.ID, welcomeB.ID)

	assert.Equal(t, protocol.PlayerPosition{ID: welcomeA.ID, X: 10, Y: 20}, readServerMessage(t, connB))
	assert.Equal(t, protocol.ClientJoined{ID: welcomeB.ID}, readServerMessage(t, connA))

	require.NoError(t, connB.Close())
	assert.Equal(t, protocol.PlayerLeft{ID: welcomeB.ID}, readServerMessage(t, connA))
}

func TestHandleMetrics(t *testing.T) {
	r := newTestRelay(t)
	a, _ := join(t, r)
	a.send(t, protocol.Position{X: 1, Y: 2})
	require.Eventually(t, func() bool { return r.Registry().Positions() == 1 }, waitFor, tick)

	rec := httptest.NewRecorder()
	r.HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Clients   int              `json:"clients"`
		Positions int              `json:"positions"`
		Metrics   map[string]int64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Clients)
	assert.Equal(t, 1, body.Positions)
	assert.Equal(t, int64(1), body.Metrics["accepted"])
	assert.Equal(t, int64(1), body.Metrics["positions_in"])

	rec = httptest.NewRecorder()
	r.HandleMetrics(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlePositionsAndHealthz(t *testing.T) {
	r := newTestRelay(t)
	a, s := join(t, r)
	a.send(t, protocol.Position{X: 3, Y: 4})
	require.Eventually(t, func() bool { return r.Registry().Positions() == 1 }, waitFor, tick)

	srv := httptest.NewServer(r.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/positions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, float64(s.ID()), entries[0]["id"])
	assert.Equal(t, 3.0, entries[0]["x"])

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
