package wangle

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoWebSocketServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close() //nolint:errcheck
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func Test_WebSocketConn_ByteStream(t *testing.T) {
	ts, url := startEchoWebSocketServer(t)
	defer ts.Close()

	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	conn := NewWebSocketConn(ws)
	defer conn.Close() //nolint:errcheck

	_, err = conn.Write([]byte("over websocket"))
	require.NoError(t, err)

	// the message boundary disappears: reads drain the stream byte-wise
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("over"), buf)

	rest := make([]byte, 10)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	assert.Equal(t, []byte(" websocket"), rest)
}

func Test_WebSocketTransport_CarriesPipeline(t *testing.T) {
	ts, url := startEchoWebSocketServer(t)
	defer ts.Close()

	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}

	eb := NewEventBase()
	defer eb.Stop()
	tr := NewWebSocketTransport(eb, ws)

	p := NewPipeline()
	sink := &testSink[[]byte]{}
	require.NoError(t, AddBack[*ByteQueue, *ByteQueue, []byte, []byte](p, NewAsyncSocketHandler(tr)))
	require.NoError(t, AddInboundBack[*ByteQueue, []byte](p, NewByteToMessageDecoder(NewFixedLengthFrameDecoder(5))))
	require.NoError(t, AddInboundBack[[]byte, []byte](p, sink))
	var finalizeErr error
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		finalizeErr = p.Finalize()
		if finalizeErr == nil {
			p.TransportActive()
		}
	}))
	require.NoError(t, finalizeErr)

	var fut *Future[Void]
	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		fut = p.Write([]byte("howdy"))
	}))
	_, err = fut.Wait(5 * time.Second)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var got [][]byte
		require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
			got = append([][]byte(nil), sink.reads...)
		}))
		if len(got) > 0 {
			assert.Equal(t, []byte("howdy"), got[0])
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("echo never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		fut = p.Close()
	}))
	fut.Wait(time.Second) //nolint:errcheck
}
