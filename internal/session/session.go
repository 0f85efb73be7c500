// Package session implements the Subscriber Session: per-connection
// state driving a control-frame ingress task and a broadcast-drain
// egress task against the shared hub (spec §4.6).
//
// The egress side's buffer reuse is grounded on the teacher's
// pkg/websocket/message_pool.go sync.Pool idiom, simplified from a
// pooled-message-struct design down to a pooled bytes.Buffer since this
// service only ever serializes one JSON shape outbound.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pumpfeed/internal/filter"
	"pumpfeed/internal/hub"
	"pumpfeed/internal/metrics"
)

// State is one position in the Accepted → Active → Closing → Closed
// per-connection state machine (spec §4.6).
type State int32

const (
	Accepted State = iota
	Active
	Closing
	Closed
)

// Conn is the slice of *websocket.Conn a Session drives, narrowed for
// substitutability in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const textMessage = 1 // websocket.TextMessage, duplicated to avoid importing gorilla here

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Session drives one subscriber connection: ingress control frames update
// its filter, egress drains the hub cursor and writes matching events.
type Session struct {
	conn         Conn
	hub          *hub.Hub
	cursor       *hub.Cursor
	criteria     atomic.Pointer[filter.Criteria]
	writeTimeout time.Duration
	state        atomic.Int32
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// New builds a Session over an already-upgraded connection.
func New(conn Conn, h *hub.Hub, writeTimeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Session {
	s := &Session{
		conn:         conn,
		hub:          h,
		writeTimeout: writeTimeout,
		metrics:      m,
		logger:       logger,
	}
	s.criteria.Store(&filter.Criteria{})
	s.state.Store(int32(Accepted))
	return s
}

// State reports the session's current position in its state machine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run subscribes the session to the hub and blocks until the connection
// closes (either side) or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.cursor = s.hub.Subscribe()
	defer s.hub.Unsubscribe(s.cursor)
	s.state.Store(int32(Active))

	if s.metrics != nil {
		s.metrics.SessionConnectionsTotal.Inc()
		s.metrics.SessionConnectionsActive.Inc()
		defer s.metrics.SessionConnectionsActive.Dec()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ingress(runCtx)
		cancel()
	}()

	s.egress(runCtx)
	cancel()

	// Closing the connection unblocks ingress's pending ReadMessage, which
	// does not observe ctx on its own.
	s.state.Store(int32(Closing))
	s.conn.Close()
	<-done
	s.state.Store(int32(Closed))
}

type controlMessage struct {
	Action string          `json:"action"`
	Filter filter.Criteria `json:"filter"`
}

// ingress reads control frames from the connection, applying setFilter
// updates by replacing the stored criteria wholesale (never mutating it
// in place, per spec §9's update protocol — safe to read concurrently
// from egress without a lock).
func (s *Session) ingress(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed control frame")
			continue
		}
		if msg.Action != "setFilter" {
			s.logger.Debug().Str("action", msg.Action).Msg("ignoring unknown control action")
			continue
		}

		criteria := msg.Filter
		s.criteria.Store(&criteria)
		if s.metrics != nil {
			s.metrics.SessionFilterUpdatesTotal.Inc()
		}
	}
}

// egress drains the hub cursor, evaluating each event against the
// currently stored filter and writing matches out with a bounded write
// deadline (spec §4.6/§4.7 backpressure handling: a stalled subscriber is
// disconnected rather than allowed to block the writer indefinitely).
func (s *Session) egress(ctx context.Context) {
	for {
		// Capture the wait channel before reading: if a Publish lands
		// between Next() and Wait(), Wait() would return a fresh channel
		// for the *next* publish and the event just delivered would sit
		// unread until another one arrives.
		wait := s.cursor.Wait()
		event, err := s.cursor.Next()
		if err != nil {
			s.logger.Warn().Err(err).Msg("subscriber lagged past ring capacity, closing session")
			return
		}
		if event == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}

		criteria := s.criteria.Load()
		if !filter.Match(*criteria, event) {
			continue
		}

		if err := s.writeEvent(event); err != nil {
			if s.metrics != nil {
				s.metrics.SessionWriteErrorsTotal.Inc()
			}
			s.logger.Warn().Err(err).Msg("failed to write event to subscriber, closing session")
			return
		}
	}
}

func (s *Session) writeEvent(event any) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return err
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(textMessage, bytes.TrimRight(buf.Bytes(), "\n"))
}
