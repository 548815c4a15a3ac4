// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package wangle

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrSocketClosed is returned for writes submitted after the transport
// stopped being writable.
type ErrSocketClosed struct{}

func (ErrSocketClosed) Error() string { return "socket is closed" }

// ReadCallback receives inbound bytes from a transport. GetReadBuffer and
// ReadDataAvailable form a preallocate/postallocate pair so bytes land
// directly in the callback's queue. All methods run on the transport's
// event base.
type ReadCallback interface {
	GetReadBuffer() []byte
	ReadDataAvailable(n int)
	ReadEOF()
	ReadErr(err error)
}

// WriteCallback is invoked on the transport's event base when a submitted
// write completes, with nil on success.
type WriteCallback func(err error)

// Transport is the asynchronous byte endpoint a pipeline is bound to.
type Transport interface {
	EventBase() *EventBase
	SetReadCallback(cb ReadCallback)
	ReadCallback() ReadCallback
	WriteChain(buf []byte, cb WriteCallback)
	Good() bool
	ShutdownWrite()
	CloseNow()
	CloseWithReset()
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type writeRequest struct {
	buf []byte
	cb  WriteCallback
}

// AsyncSocket adapts a net.Conn to the Transport interface. A reader
// goroutine and a writer goroutine do the blocking I/O; callbacks and
// completions are posted onto the owning event base, so everything the
// pipeline observes happens on its loop.
type AsyncSocket struct {
	eb    *EventBase
	conn  net.Conn
	stats StatsCollector

	// loop-only state
	readCB  ReadCallback
	pending []byte
	eofSeen bool
	errSeen error

	good      atomic.Bool
	writeCh   chan writeRequest
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewAsyncSocket wraps conn and pins it to eb, starting the I/O goroutines.
func NewAsyncSocket(eb *EventBase, conn net.Conn) *AsyncSocket {
	return NewAsyncSocketWithStats(eb, conn, nil)
}

// NewAsyncSocketWithStats is NewAsyncSocket with a byte counter; the
// counter must be supplied at construction because the I/O goroutines
// start immediately.
func NewAsyncSocketWithStats(eb *EventBase, conn net.Conn, stats StatsCollector) *AsyncSocket {
	t := &AsyncSocket{
		eb:       eb,
		conn:     conn,
		stats:    stats,
		writeCh:  make(chan writeRequest, DefaultWriteQueueSize),
		doneChan: make(chan struct{}),
	}
	t.good.Store(true)
	go t.readLoop()
	go t.writeLoop()
	return t
}

// EventBase returns the loop this transport is pinned to.
func (t *AsyncSocket) EventBase() *EventBase { return t.eb }

// Good reports whether the transport is still readable and writable.
func (t *AsyncSocket) Good() bool { return t.good.Load() }

// LocalAddr returns the local address of the connection.
func (t *AsyncSocket) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr returns the peer address of the connection.
func (t *AsyncSocket) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// SetReadCallback installs or detaches (nil) the read callback. Must be
// called on the event base. Bytes that arrived while no callback was
// attached are delivered immediately, followed by any deferred EOF or
// read error.
func (t *AsyncSocket) SetReadCallback(cb ReadCallback) {
	t.readCB = cb
	if cb == nil {
		return
	}
	if len(t.pending) > 0 {
		data := t.pending
		t.pending = nil
		t.feed(data)
	}
	if t.readCB == nil {
		return
	}
	if t.errSeen != nil {
		err := t.errSeen
		t.errSeen = nil
		t.readCB.ReadErr(err)
	} else if t.eofSeen {
		t.eofSeen = false
		t.readCB.ReadEOF()
	}
}

// ReadCallback returns the installed read callback, if any.
func (t *AsyncSocket) ReadCallback() ReadCallback { return t.readCB }

// feed pushes data into the read callback through the preallocate/
// postallocate protocol, buffering whatever is left if the callback
// detaches mid-delivery.
func (t *AsyncSocket) feed(data []byte) {
	for len(data) > 0 {
		cb := t.readCB
		if cb == nil {
			t.pending = append(t.pending, data...)
			return
		}
		buf := cb.GetReadBuffer()
		n := copy(buf, data)
		cb.ReadDataAvailable(n)
		data = data[n:]
	}
}

func (t *AsyncSocket) readLoop() {
	scratch := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(scratch)
		if n > 0 {
			if t.stats != nil {
				t.stats.AddBytesRead(int64(n))
			}
			data := make([]byte, n)
			copy(data, scratch[:n])
			t.eb.RunInLoop(func() { t.feed(data) }) //nolint:errcheck
		}
		if err != nil {
			t.good.Store(false)
			readErr := err
			t.eb.RunInLoop(func() { //nolint:errcheck
				cb := t.readCB
				switch {
				case cb == nil && errors.Is(readErr, io.EOF):
					t.eofSeen = true
				case cb == nil:
					t.errSeen = readErr
				case errors.Is(readErr, io.EOF):
					cb.ReadEOF()
				default:
					cb.ReadErr(readErr)
				}
			})
			return
		}
	}
}

func (t *AsyncSocket) writeLoop() {
	for {
		select {
		case req := <-t.writeCh:
			_, err := t.conn.Write(req.buf)
			if err != nil {
				t.good.Store(false)
			} else if t.stats != nil {
				t.stats.AddBytesWritten(int64(len(req.buf)))
			}
			if req.cb != nil {
				cb := req.cb
				t.eb.RunInLoop(func() { cb(err) }) //nolint:errcheck
			}
		case <-t.doneChan:
			// Fail whatever is still queued.
			for {
				select {
				case req := <-t.writeCh:
					if req.cb != nil {
						cb := req.cb
						t.eb.RunInLoop(func() { //nolint:errcheck
							cb(errors.WithStack(ErrSocketClosed{}))
						})
					}
				default:
					return
				}
			}
		}
	}
}

// WriteChain submits buf for writing; cb fires on the event base when the
// write completes.
func (t *AsyncSocket) WriteChain(buf []byte, cb WriteCallback) {
	if !t.good.Load() {
		if cb != nil {
			t.eb.RunImmediatelyOrRunInEventBaseThread(func() { //nolint:errcheck
				cb(errors.WithStack(ErrSocketClosed{}))
			})
		}
		return
	}
	select {
	case t.writeCh <- writeRequest{buf: buf, cb: cb}:
	case <-t.doneChan:
		if cb != nil {
			t.eb.RunImmediatelyOrRunInEventBaseThread(func() { //nolint:errcheck
				cb(errors.WithStack(ErrSocketClosed{}))
			})
		}
	}
}

// ShutdownWrite half-closes the connection: the read side stays open, no
// further writes are accepted.
func (t *AsyncSocket) ShutdownWrite() {
	t.good.Store(false)
	if cw, ok := t.conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite() //nolint:errcheck
	}
}

// CloseNow closes the connection immediately.
func (t *AsyncSocket) CloseNow() {
	t.closeOnce.Do(func() {
		t.good.Store(false)
		close(t.doneChan)
		t.conn.Close() //nolint:errcheck
	})
}

// CloseWithReset closes the connection discarding untransmitted data,
// sending a RST where the transport supports it.
func (t *AsyncSocket) CloseWithReset() {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		tc.SetLinger(0) //nolint:errcheck
	}
	t.CloseNow()
}
