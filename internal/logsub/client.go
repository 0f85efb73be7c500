// Package logsub implements the Log Subscription Client: a persistent,
// reconnecting subscription to the upstream node's log stream, filtered
// to a single program id (spec §4.3). Its reconnect posture is grounded
// on the teacher's NATS client (pkg/nats/client.go: ConnectHandler /
// DisconnectErrHandler / ReconnectHandler / ErrorHandler, ReconnectWait /
// ReconnectJitter options) translated from NATS's built-in reconnect into
// an explicit state machine, since nothing here talks to a message broker.
package logsub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pumpfeed/internal/classify"
	"pumpfeed/internal/metrics"
	"pumpfeed/internal/types"
)

// State is one position in the Disconnected → Connecting → Subscribed →
// Draining → Disconnected state machine (spec §4.3).
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config tunes the client, sourced from internal/config.Config.
type Config struct {
	URL          string
	ProgramID    string
	Commitment   string
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Client maintains the subscription and delivers notifications.
type Client struct {
	cfg            Config
	state          atomic.Int32
	everSubscribed atomic.Bool
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	notifications chan types.LogNotification

	// subscriptionID is the id returned by the last successful subscribe
	// ack, written only from Run's goroutine; the per-connection shutdown
	// goroutine Run starts also reads it, before closing that connection.
	// -1 means "not currently subscribed".
	subscriptionID int64

	dial func(url string) (wsConn, error)
}

// wsConn is the slice of *websocket.Conn this package actually uses,
// narrowed for substitutability in tests.
type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// New builds a Client against the given upstream configuration.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	c := &Client{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		notifications:  make(chan types.LogNotification, 256),
		subscriptionID: -1,
	}
	c.dial = c.dialReal
	return c
}

func (c *Client) dialReal(url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Notifications returns the channel of forwarded log notifications.
// Notifications whose upstream err field is non-null are filtered out
// before reaching this channel (spec §4.3).
func (c *Client) Notifications() <-chan types.LogNotification {
	return c.notifications
}

// State reports the current state machine position.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Ready reports whether the client has reached Subscribed at least once
// since it started, the readiness signal /healthz reports (spec §9 open
// question decision) — it does not flip back to false on a later
// disconnect, since a since-recovered reconnect loop is still healthy.
func (c *Client) Ready() bool {
	return c.everSubscribed.Load()
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.LogsubState.Reset()
		c.metrics.LogsubState.WithLabelValues(s.String()).Set(1)
	}
}

// Run drives the state machine until ctx is cancelled. If the connection
// is currently Subscribed when ctx is cancelled, Run sends a
// logsUnsubscribe frame for the active subscription before closing the
// connection (spec §4.3 step 3, §5); a connection lost for any other
// reason has nothing left to unsubscribe over.
func (c *Client) Run(ctx context.Context) {
	defer close(c.notifications)

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)
		conn, err := c.dial(c.cfg.URL)
		if err != nil {
			c.logger.Warn().Err(err).Msg("upstream dial failed, backing off")
			c.setState(Disconnected)
			if !c.backoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		if err := c.subscribe(conn); err != nil {
			c.logger.Warn().Err(err).Msg("subscription handshake failed")
			conn.Close()
			c.setState(Disconnected)
			if !c.backoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		c.setState(Subscribed)
		c.everSubscribed.Store(true)
		attempt = 0

		// readLoop blocks in conn.ReadMessage with no deadline, so a ctx
		// cancellation needs a concurrent nudge: send the unsubscribe and
		// close the connection to unblock the read, rather than leaving
		// the read hanging until the upstream itself drops the socket.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.unsubscribe(conn)
				conn.Close()
			case <-readDone:
			}
		}()

		c.readLoop(ctx, conn)
		close(readDone)

		c.setState(Draining)
		conn.Close()
		c.subscriptionID = -1
		c.setState(Disconnected)
		if c.metrics != nil {
			c.metrics.LogsubReconnectsTotal.Inc()
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// backoff sleeps for an exponential-with-full-jitter duration (base 1s,
// cap 30s per spec §4.3/§5) or returns false if ctx was cancelled first.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	base := c.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	cap := c.cfg.BackoffCap
	if cap <= 0 {
		cap = 30 * time.Second
	}

	d := base * time.Duration(1<<uint(attempt))
	if d > cap || d <= 0 {
		d = cap
	}
	wait := time.Duration(rand.Int63n(int64(d) + 1))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type subscribeAck struct {
	Result *int64 `json:"result"`
	ID     *int   `json:"id"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// subscribe sends the subscription request and waits for its ack,
// recording the returned subscription id (kept only for clean unsubscribe
// on shutdown, since a single active subscription needs no demultiplexing).
func (c *Client) subscribe(conn wsConn) error {
	req := subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params: []any{
			map[string]any{"mentions": []string{c.cfg.ProgramID}},
			map[string]any{"commitment": c.cfg.Commitment},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: write subscribe request: %v", classify.TransientUpstream, err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: read subscribe ack: %v", classify.TransientUpstream, err)
	}

	var ack subscribeAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("%w: malformed subscribe ack: %v", classify.ProtocolMismatch, err)
	}
	if ack.Error != nil {
		return fmt.Errorf("%w: subscribe rejected: %s", classify.ProtocolMismatch, ack.Error.Message)
	}
	if ack.Result == nil {
		return fmt.Errorf("%w: subscribe ack missing result", classify.ProtocolMismatch)
	}
	c.subscriptionID = *ack.Result
	return nil
}

type unsubscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// unsubscribe sends a logsUnsubscribe frame for the currently held
// subscription id. Best-effort: the connection is about to be closed
// regardless, so a write failure here is only logged.
func (c *Client) unsubscribe(conn wsConn) {
	if c.subscriptionID < 0 {
		return
	}
	req := unsubscribeRequest{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "logsUnsubscribe",
		Params:  []any{c.subscriptionID},
	}
	if err := conn.WriteJSON(req); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send unsubscribe on shutdown")
	}
}

type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// readLoop parses each incoming frame as JSON, ignoring anything that
// isn't the expected notification shape, and forwards notifications whose
// err field is null.
func (c *Client) readLoop(ctx context.Context, conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("upstream read failed")
			}
			return
		}

		var frame logsNotification
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Msg("ignoring frame that is not valid JSON")
			continue
		}
		if frame.Method != "logsNotification" {
			continue // not the expected notification shape
		}

		if c.metrics != nil {
			c.metrics.LogsubNotificationsTotal.Inc()
		}

		isFailed := len(frame.Params.Result.Value.Err) > 0 && string(frame.Params.Result.Value.Err) != "null"
		if isFailed {
			if c.metrics != nil {
				c.metrics.LogsubRejectedTotal.Inc()
			}
			continue
		}

		notification := types.LogNotification{
			Signature: frame.Params.Result.Value.Signature,
			Logs:      frame.Params.Result.Value.Logs,
			Slot:      frame.Params.Result.Context.Slot,
		}

		select {
		case c.notifications <- notification:
		case <-ctx.Done():
			return
		}
	}
}

// IsCreateLog reports whether logs contains the program's create marker,
// ignoring leading whitespace (spec §4.4 step 1).
func IsCreateLog(logs []string) bool {
	const marker = "Program log: Instruction: Create"
	for _, line := range logs {
		if strings.TrimLeft(line, " \t") == marker {
			return true
		}
	}
	return false
}
