package transport

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport wires a Transport to the client end of a net.Pipe, with the
// test acting as the server end.
func pipeTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	var id int64
	tr := New(Config{
		URL:    "wss://pipe.test/ws/api/v2",
		NextID: func() int64 { return atomic.AddInt64(&id, 1) },
		Logger: zerolog.Nop(),
	})
	tr.conn = clientConn
	tr.reader = clientConn
	tr.wg.Add(2)
	go tr.readLoop()
	go tr.writeLoop()

	t.Cleanup(func() {
		tr.Close(ReasonShuttingDown)
		serverConn.Close()
	})
	return tr, serverConn
}

func serverWrite(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	require.NoError(t, wsutil.WriteServerMessage(conn, ws.OpText, []byte(payload)))
}

func serverRead(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadClientData(conn)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Time{})
	return data
}

// A test_request heartbeat is answered with exactly one public/test frame and
// never surfaces to the upper layer.
func TestHeartbeatTestRequestResponder(t *testing.T) {
	tr, server := pipeTransport(t)

	serverWrite(t, server, `{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`)

	frame := serverRead(t, server)
	var req struct {
		JSONRPC string         `json:"jsonrpc"`
		ID      int64          `json:"id"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
	}
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "public/test", req.Method)
	assert.Equal(t, map[string]any{}, req.Params)
	assert.Equal(t, int64(1), req.ID)

	// Nothing was pushed to the event stream.
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLegacyTestRequestResponder(t *testing.T) {
	_, server := pipeTransport(t)

	serverWrite(t, server, `{"jsonrpc":"2.0","method":"test_request"}`)

	frame := serverRead(t, server)
	var req struct {
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "public/test", req.Method)
}

func TestPlainHeartbeatSwallowed(t *testing.T) {
	tr, server := pipeTransport(t)

	serverWrite(t, server, `{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"heartbeat"}}`)
	serverWrite(t, server, `{"jsonrpc":"2.0","id":1,"result":"ok"}`)

	// Only the real response comes through; the heartbeat vanished.
	select {
	case ev := <-tr.Events():
		require.Equal(t, EventFrame, ev.Kind)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"ok"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestBadJSONEmitsParseErrorAndSurvives(t *testing.T) {
	tr, server := pipeTransport(t)

	serverWrite(t, server, `{this is not json`)
	serverWrite(t, server, `{"jsonrpc":"2.0","id":7,"result":123}`)

	select {
	case ev := <-tr.Events():
		require.Equal(t, EventParseError, ev.Kind)
		assert.Error(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("parse error not reported")
	}

	select {
	case ev := <-tr.Events():
		require.Equal(t, EventFrame, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive bad JSON")
	}
}

func TestSendOrdering(t *testing.T) {
	tr, server := pipeTransport(t)

	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","id":1,"method":"public/hello","params":{}}`)))
	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","id":2,"method":"public/get_time","params":{}}`)))

	first := serverRead(t, server)
	second := serverRead(t, server)
	assert.Contains(t, string(first), `"id":1`)
	assert.Contains(t, string(second), `"id":2`)
}

func TestCloseDeliversDownWithReason(t *testing.T) {
	tr, _ := pipeTransport(t)

	tr.Close(ReasonNormal)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == EventDown {
				assert.Equal(t, ReasonNormal, ev.Reason)
				return
			}
		case <-deadline:
			t.Fatal("down event not delivered")
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	tr, _ := pipeTransport(t)
	tr.Close(ReasonShuttingDown)
	assert.Error(t, tr.Send([]byte("{}")))
}

func TestReasonTerminal(t *testing.T) {
	assert.True(t, ReasonNormal.Terminal())
	assert.True(t, ReasonShuttingDown.Terminal())
	assert.False(t, ReasonNetwork.Terminal())
	assert.False(t, ReasonReadError.Terminal())
	assert.False(t, ReasonWriteError.Terminal())
}
