package logsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted wsConn: WriteJSON is a no-op, ReadMessage pops
// frames off a queue (or blocks until Close once exhausted, or returns
// a scripted error).
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	pos    int
	err    error
	closed chan struct{}
	writes []any
}

func newFakeConn(frames ...[]byte) *fakeConn {
	return &fakeConn{frames: frames, closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	c.writes = append(c.writes, v)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) writtenRequests() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.writes...)
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.pos < len(c.frames) {
		f := c.frames[c.pos]
		c.pos++
		c.mu.Unlock()
		return 1, f, nil
	}
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return 0, nil, err
	}
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func ackFrame() []byte {
	b, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "result": 42})
	return b
}

func notificationFrame(signature string, failed bool) []byte {
	value := map[string]any{"signature": signature, "logs": []string{"Program log: Instruction: Create"}}
	if failed {
		value["err"] = map[string]any{"InstructionError": []any{0, "custom"}}
	} else {
		value["err"] = nil
	}
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]any{
			"result": map[string]any{
				"context": map[string]any{"slot": 100},
				"value":   value,
			},
		},
	})
	return b
}

func TestSubscribeThenNotificationIsDelivered(t *testing.T) {
	conn := newFakeConn(ackFrame(), notificationFrame("sig1", false))
	c := New(Config{URL: "wss://example", ProgramID: "prog"}, nil, zerolog.Nop())
	c.dial = func(string) (wsConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	select {
	case n := <-c.Notifications():
		assert.Equal(t, "sig1", n.Signature)
		assert.Equal(t, uint64(100), n.Slot)
		assert.True(t, IsCreateLog(n.Logs))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	cancel()
}

func TestFailedNotificationIsFiltered(t *testing.T) {
	conn := newFakeConn(ackFrame(), notificationFrame("bad", true), notificationFrame("good", false))
	c := New(Config{URL: "wss://example", ProgramID: "prog"}, nil, zerolog.Nop())
	c.dial = func(string) (wsConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case n := <-c.Notifications():
		assert.Equal(t, "good", n.Signature)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestDialFailureReconnectsWithBackoff(t *testing.T) {
	attempts := 0
	c := New(Config{URL: "wss://example", ProgramID: "prog", BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}, nil, zerolog.Nop())
	c.dial = func(string) (wsConn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		return newFakeConn(ackFrame()), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	require.Eventually(t, func() bool { return c.State() == Subscribed }, 2*time.Second, time.Millisecond)
	assert.True(t, c.Ready())
	cancel()
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestMalformedAckTransitionsToDisconnected(t *testing.T) {
	conn := newFakeConn([]byte("not json"))
	c := New(Config{URL: "wss://example", ProgramID: "prog", BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, nil, zerolog.Nop())
	dialCount := 0
	c.dial = func(string) (wsConn, error) {
		dialCount++
		if dialCount == 1 {
			return conn, nil
		}
		return newFakeConn(ackFrame()), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	require.Eventually(t, func() bool { return c.State() == Subscribed }, 2*time.Second, time.Millisecond)
	cancel()
	assert.Equal(t, 2, dialCount)
}

func TestCancelWhileSubscribedSendsUnsubscribe(t *testing.T) {
	conn := newFakeConn(ackFrame())
	c := New(Config{URL: "wss://example", ProgramID: "prog"}, nil, zerolog.Nop())
	c.dial = func(string) (wsConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Subscribed }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	req, ok := conn.writtenRequests()[1].(unsubscribeRequest)
	require.True(t, ok)
	assert.Equal(t, "logsUnsubscribe", req.Method)
	assert.Equal(t, []any{int64(42)}, req.Params)
}

func TestConnectionLossWithoutCancelDoesNotSendUnsubscribe(t *testing.T) {
	conn := newFakeConn(ackFrame())
	conn.err = errors.New("reset by peer")
	c := New(Config{URL: "wss://example", ProgramID: "prog", BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, nil, zerolog.Nop())
	dialCount := 0
	c.dial = func(string) (wsConn, error) {
		dialCount++
		if dialCount == 1 {
			return conn, nil
		}
		return newFakeConn(ackFrame()), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return dialCount >= 2 }, 2*time.Second, time.Millisecond)
	assert.Len(t, conn.writtenRequests(), 1)
}

func TestIsCreateLogIgnoresLeadingWhitespace(t *testing.T) {
	assert.True(t, IsCreateLog([]string{"  Program log: Instruction: Create"}))
	assert.False(t, IsCreateLog([]string{"Program log: Instruction: Buy"}))
}
