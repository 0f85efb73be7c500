package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfeed/internal/hub"
	"pumpfeed/internal/types"
)

// fakeConn feeds scripted inbound control frames and records outbound
// writes, safe for concurrent ingress/egress access.
type fakeConn struct {
	mu         sync.Mutex
	inbound    [][]byte
	inPos      int
	outbound   [][]byte
	closed     bool
	closeCh    chan struct{}
	blockFirst <-chan struct{}
	firstStart bool
}

// blockFirstWrite makes the first WriteMessage call block until unblock
// is closed, so a test can pile up publishes past ring capacity while the
// session is mid-write.
func (c *fakeConn) blockFirstWrite(unblock <-chan struct{}) {
	c.mu.Lock()
	c.blockFirst = unblock
	c.mu.Unlock()
}

func (c *fakeConn) firstWriteStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstStart
}

func newFakeConn(inbound ...[]byte) *fakeConn {
	return &fakeConn{inbound: inbound, closeCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.inPos < len(c.inbound) {
		f := c.inbound[c.inPos]
		c.inPos++
		c.mu.Unlock()
		return textMessage, f, nil
	}
	c.mu.Unlock()
	<-c.closeCh
	return 0, nil, context.Canceled
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	block := c.blockFirst
	c.blockFirst = nil
	c.firstStart = true
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.outbound = append(c.outbound, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.outbound...)
}

func setFilterFrame(t *testing.T, symbol string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"action": "setFilter",
		"filter": map[string]any{"symbol": symbol},
	})
	require.NoError(t, err)
	return b
}

func makeEvent(symbol string) *types.TokenCreatedEvent {
	return &types.TokenCreatedEvent{
		EventType: types.EventTypeTokenCreated,
		Token:     types.Token{Symbol: symbol, Name: symbol},
	}
}

func TestNoFilterForwardsEverything(t *testing.T) {
	h := hub.New(10, nil)
	conn := newFakeConn()
	s := New(conn, h, time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == Active }, time.Second, time.Millisecond)
	h.Publish(makeEvent("AAA"))
	h.Publish(makeEvent("BBB"))

	require.Eventually(t, func() bool { return len(conn.written()) == 2 }, time.Second, time.Millisecond)

	cancel()
	conn.Close()
	<-done
}

func TestSetFilterNarrowsSubsequentEvents(t *testing.T) {
	h := hub.New(10, nil)
	conn := newFakeConn(setFilterFrame(t, "WANTED"))
	s := New(conn, h, time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.criteria.Load().Symbol == "WANTED"
	}, time.Second, time.Millisecond)

	h.Publish(makeEvent("IGNORED"))
	h.Publish(makeEvent("WANTED"))

	require.Eventually(t, func() bool { return len(conn.written()) == 1 }, time.Second, time.Millisecond)

	var got types.TokenCreatedEvent
	require.NoError(t, json.Unmarshal(conn.written()[0], &got))
	assert.Equal(t, "WANTED", got.Token.Symbol)

	cancel()
	conn.Close()
	<-done
}

func TestLaggedCursorClosesSession(t *testing.T) {
	h := hub.New(2, nil)
	conn := newFakeConn()
	unblock := make(chan struct{})
	conn.blockFirstWrite(unblock)
	s := New(conn, h, time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == Active }, time.Second, time.Millisecond)

	h.Publish(makeEvent("A"))
	require.Eventually(t, func() bool { return conn.firstWriteStarted() }, time.Second, time.Millisecond)

	h.Publish(makeEvent("B"))
	h.Publish(makeEvent("C"))
	h.Publish(makeEvent("D"))
	close(unblock)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected lagged session to close on its own")
	}
	assert.Equal(t, Closed, s.State())
}
