package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfeed/internal/hub"
	"pumpfeed/internal/metrics"
	"pumpfeed/internal/types"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

type fakeReadiness struct{ ready bool }

func (f fakeReadiness) Ready() bool { return f.ready }

func newTestMux(h *hub.Hub, ready bool) http.Handler {
	s := &Server{
		cfg:       Config{SubscriberWriteTimeout: time.Second, HealthzEnabled: true},
		hub:       h,
		readiness: fakeReadiness{ready: ready},
		metrics:   metrics.New(newTestRegistry()),
		logger:    zerolog.Nop(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleUpgrade)
	return withCORS(mux)
}

func TestHealthzReportsNotReadyUntilSubscribed(t *testing.T) {
	h := hub.New(10, nil)
	mux := newTestMux(h, false)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthzReportsOkWhenReady(t *testing.T) {
	h := hub.New(10, nil)
	mux := newTestMux(h, true)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpgradeAcceptsAnyPath(t *testing.T) {
	h := hub.New(10, nil)
	mux := newTestMux(h, true)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/arbitrary/path"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		h.Publish(&types.TokenCreatedEvent{EventType: types.EventTypeTokenCreated, Token: types.Token{Symbol: "AAA"}})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var event types.TokenCreatedEvent
		if unmarshalErr := json.Unmarshal(data, &event); unmarshalErr != nil {
			return false
		}
		return event.Token.Symbol == "AAA"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	h := hub.New(10, nil)
	mux := newTestMux(h, true)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
