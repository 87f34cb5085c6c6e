// Package transport owns the WebSocket connection: dialing, the read and
// write loops, close-reason propagation, and the stateless heartbeat
// responder. It delivers inbound text frames to the connection actor in
// arrival order and sends outbound frames FIFO.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/deribit-go/internal/jsonrpc"
)

// Reason explains why the transport went down.
type Reason string

const (
	ReasonNormal       Reason = "normal"
	ReasonShuttingDown Reason = "shutting_down"
	ReasonNetwork      Reason = "network"
	ReasonReadError    Reason = "read_error"
	ReasonWriteError   Reason = "write_error"
)

// Terminal reports whether the close reason forbids reconnection.
func (r Reason) Terminal() bool {
	return r == ReasonNormal || r == ReasonShuttingDown
}

// EventKind discriminates transport events.
type EventKind int

const (
	// EventUp: the socket is connected and both loops are running.
	EventUp EventKind = iota
	// EventFrame: an inbound text frame (valid JSON, not a heartbeat).
	EventFrame
	// EventParseError: an inbound frame that was not valid JSON.
	EventParseError
	// EventDown: the socket is gone; no further events follow.
	EventDown
)

// Event is one item on the transport's event stream.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Reason Reason
}

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	sendQueueSize  = 128
	eventQueueSize = 64
)

// Config parameterizes a Transport.
type Config struct {
	// URL is the full WebSocket endpoint, e.g. wss://test.deribit.com:443/ws/api/v2.
	URL string
	// NextID mints request ids for heartbeat test responses; shared with the
	// correlator so ids stay unique per connection.
	NextID func() int64
	// Throttle caps dial attempts; shared across reconnects of one client.
	Throttle *rate.Limiter
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
	Emit         func(category string, fields map[string]any)
}

// Transport is a single-use connection: dial once, then read until down.
// Reconnection creates a fresh Transport.
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	conn   net.Conn
	reader io.Reader

	events chan Event
	sendCh chan []byte

	closed      chan struct{}
	closeOnce   sync.Once
	downOnce    sync.Once
	closeReason Reason
	reasonMu    sync.Mutex
	wg          sync.WaitGroup
}

// New creates an unconnected transport.
func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		events: make(chan Event, eventQueueSize),
		sendCh: make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Events returns the inbound event stream. EventDown is the final event.
func (t *Transport) Events() <-chan Event { return t.events }

// Connect dials the endpoint and starts the read and write loops.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.Throttle != nil {
		if err := t.cfg.Throttle.Wait(ctx); err != nil {
			return fmt.Errorf("dial throttle: %w", err)
		}
	}

	dialer := ws.Dialer{Timeout: t.cfg.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, t.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	t.conn = conn
	t.reader = io.Reader(conn)
	if br != nil {
		// The handshake read ahead; drain the buffered reader first.
		t.reader = br
	}

	t.logger.Info().Str("url", t.cfg.URL).Msg("transport connected")

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	t.events <- Event{Kind: EventUp}
	return nil
}

// Send queues one outbound text frame. Frames are written in queue order.
func (t *Transport) Send(data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case t.sendCh <- data:
		return nil
	case <-t.closed:
		return errors.New("transport closed")
	}
}

// Close tears the connection down with the given reason. Idempotent.
func (t *Transport) Close(reason Reason) error {
	t.closeOnce.Do(func() {
		t.reasonMu.Lock()
		t.closeReason = reason
		t.reasonMu.Unlock()
		close(t.closed)
		if t.conn != nil {
			t.conn.SetWriteDeadline(time.Now().Add(time.Second))
			wsutil.WriteClientMessage(t.conn, ws.OpClose, nil)
			t.conn.Close()
		}
	})
	return nil
}

// framePeek is the minimal decode used to route heartbeats without waking the
// upper layers.
type framePeek struct {
	Method string                   `json:"method"`
	Params jsonrpc.HeartbeatParams `json:"params"`
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	rw := struct {
		io.Reader
		io.Writer
	}{t.reader, t.conn}

	for {
		msg, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			t.down(ReasonReadError, err)
			return
		}
		if op != ws.OpText {
			if op == ws.OpClose {
				t.down(ReasonNetwork, errors.New("server close"))
				return
			}
			continue
		}

		var peek framePeek
		if err := json.Unmarshal(msg, &peek); err != nil {
			t.logger.Warn().Err(err).Int("size", len(msg)).Msg("dropping unparseable frame")
			t.deliver(Event{Kind: EventParseError, Err: err})
			continue
		}

		// Heartbeats terminate here; the test_request reply is enqueued at
		// the moment it is observed so it cannot reorder with other sends.
		if peek.Method == "heartbeat" || peek.Method == "test_request" {
			if peek.Method == "test_request" || peek.Params.Type == "test_request" {
				t.respondTestRequest()
			}
			continue
		}

		t.deliver(Event{Kind: EventFrame, Data: msg})
	}
}

func (t *Transport) respondTestRequest() {
	frame, err := jsonrpc.EncodeRequest(t.cfg.NextID(), "public/test", map[string]any{})
	if err != nil {
		return
	}
	select {
	case t.sendCh <- frame:
	case <-t.closed:
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case data := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := wsutil.WriteClientMessage(t.conn, ws.OpText, data); err != nil {
				t.logger.Debug().Err(err).Msg("write failed")
				t.down(ReasonWriteError, err)
				return
			}
		case <-t.closed:
			return
		}
	}
}

// down publishes the terminal EventDown exactly once. An explicit Close
// reason wins over the error-derived one.
func (t *Transport) down(reason Reason, err error) {
	t.downOnce.Do(func() {
		t.reasonMu.Lock()
		if t.closeReason != "" {
			reason = t.closeReason
		}
		t.reasonMu.Unlock()

		t.closeOnce.Do(func() {
			close(t.closed)
			if t.conn != nil {
				t.conn.Close()
			}
		})

		if t.cfg.Emit != nil {
			t.cfg.Emit("connection.closed", map[string]any{
				"reason": string(reason),
			})
		}
		t.deliver(Event{Kind: EventDown, Reason: reason, Err: err})
	})
}

func (t *Transport) deliver(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
		// Actor gone; only the final Down event must still land.
		if ev.Kind == EventDown {
			t.events <- ev
		}
	}
}
