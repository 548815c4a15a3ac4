package wangle

import "github.com/pkg/errors"

// AsyncSocketHandler is the terminal pipeline stage: it bridges the
// pipeline to its Transport. Inbound, it is the transport's read callback
// and fires arriving bytes into the pipeline as a *ByteQueue; outbound,
// it submits byte slices to the transport and completes the returned
// future when the transport's write completion fires.
//
// This handler may only be used in a single pipeline.
type AsyncSocketHandler struct {
	BytesToBytesHandler
	socket          Transport
	readCB          socketReadCallback
	bufQueue        ByteQueue
	firedInactive   bool
	pipelineDeleted bool
}

// NewAsyncSocketHandler creates the terminal handler for socket.
func NewAsyncSocketHandler(socket Transport) *AsyncSocketHandler {
	h := &AsyncSocketHandler{socket: socket}
	h.readCB.h = h
	return h
}

func (h *AsyncSocketHandler) attachReadCallback() {
	if h.socket.Good() {
		h.socket.SetReadCallback(&h.readCB)
	} else {
		h.socket.SetReadCallback(nil)
	}
}

func (h *AsyncSocketHandler) detachReadCallback() {
	if h.socket != nil && h.socket.ReadCallback() == &h.readCB {
		h.socket.SetReadCallback(nil)
	}
	if ctx := h.Context(); ctx != nil && !h.firedInactive {
		h.firedInactive = true
		ctx.FireTransportInactive()
	}
}

func (h *AsyncSocketHandler) refreshTimeout() {
	if ctx := h.Context(); ctx != nil {
		if m := ctx.Pipeline().Manager(); m != nil {
			m.RefreshTimeout()
		}
	}
}

// TransportActive records the transport on the pipeline, installs the read
// callback and propagates the event.
func (h *AsyncSocketHandler) TransportActive(ctx HandlerContext[*ByteQueue, []byte]) {
	ctx.Pipeline().SetTransport(h.socket)
	h.attachReadCallback()
	h.firedInactive = false
	ctx.FireTransportActive()
}

// TransportInactive detaches the read callback (which itself propagates
// the event if the transport was active) and clears the pipeline's
// transport.
func (h *AsyncSocketHandler) TransportInactive(ctx HandlerContext[*ByteQueue, []byte]) {
	h.detachReadCallback()
	ctx.Pipeline().SetTransport(nil)
}

// DetachPipeline makes sure the read callback is gone once the handler
// leaves the pipeline.
func (h *AsyncSocketHandler) DetachPipeline(HandlerContext[*ByteQueue, []byte]) {
	h.detachReadCallback()
}

// Write submits buf to the transport.
func (h *AsyncSocketHandler) Write(ctx HandlerContext[*ByteQueue, []byte], buf []byte) *Future[Void] {
	h.refreshTimeout()
	if len(buf) == 0 {
		return CompletedFuture(Void{})
	}
	if !h.socket.Good() {
		return FailedFuture[Void](errors.WithStack(ErrSocketClosed{}))
	}
	p := NewPromise[Void]()
	h.socket.WriteChain(buf, func(err error) {
		if err != nil {
			p.Fail(err)
		} else {
			p.Complete(Void{})
		}
	})
	return p.Future()
}

// WriteException shuts the transport down with a reset.
func (h *AsyncSocketHandler) WriteException(ctx HandlerContext[*ByteQueue, []byte], _ error) *Future[Void] {
	return h.shutdown(ctx, true)
}

// Close tears the transport down, or only its write side when the
// pipeline's write flags request a write-only shutdown.
func (h *AsyncSocketHandler) Close(ctx HandlerContext[*ByteQueue, []byte]) *Future[Void] {
	if ctx.WriteFlags()&WriteFlagShutdownWrite != 0 {
		h.socket.ShutdownWrite()
		return CompletedFuture(Void{})
	}
	return h.shutdown(ctx, false)
}

func (h *AsyncSocketHandler) shutdown(ctx HandlerContext[*ByteQueue, []byte], closeWithReset bool) *Future[Void] {
	if h.socket != nil {
		h.detachReadCallback()
		if closeWithReset {
			h.socket.CloseWithReset()
		} else {
			h.socket.CloseNow()
		}
	}
	if !h.pipelineDeleted {
		h.pipelineDeleted = true
		ctx.Pipeline().DeletePipeline()
	}
	return CompletedFuture(Void{})
}

// socketReadCallback is the handler's face toward the transport. Separate
// from the handler itself because the inbound byte events and the handler
// events have clashing names.
type socketReadCallback struct {
	h *AsyncSocketHandler
}

func (cb *socketReadCallback) GetReadBuffer() []byte {
	min, alloc := cb.h.Context().ReadBufferSettings()
	return cb.h.bufQueue.Preallocate(min, alloc)
}

func (cb *socketReadCallback) ReadDataAvailable(n int) {
	cb.h.refreshTimeout()
	cb.h.bufQueue.Postallocate(n)
	cb.h.Context().FireRead(&cb.h.bufQueue)
}

func (cb *socketReadCallback) ReadEOF() {
	cb.h.Context().FireReadEOF()
}

func (cb *socketReadCallback) ReadErr(err error) {
	cb.h.Context().FireReadException(err)
}
