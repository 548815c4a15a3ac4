package wangle

import "github.com/pkg/errors"

// EventBaseHandler is an OUT stage that bounces writes and closes issued
// off-loop onto the transport's event base and waits for them, so every
// stage below it may assume loop-thread access. Handlers added after an
// EventBaseHandler may write from any goroutine.
type EventBaseHandler struct {
	OutboundBytesToBytesHandler
}

func (h *EventBaseHandler) Write(ctx OutboundHandlerContext[[]byte], msg []byte) *Future[Void] {
	var ret *Future[Void]
	eb := ctx.Transport().EventBase()
	if err := eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		ret = ctx.FireWrite(msg)
	}); err != nil {
		return FailedFuture[Void](err)
	}
	return ret
}

func (h *EventBaseHandler) Close(ctx OutboundHandlerContext[[]byte]) *Future[Void] {
	var ret *Future[Void]
	eb := ctx.Transport().EventBase()
	if err := eb.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		ret = ctx.FireClose()
	}); err != nil {
		return FailedFuture[Void](err)
	}
	return ret
}

// ErrWritesPending is the failure delivered to buffered writers when the
// pipeline closes before their bytes were flushed.
type ErrWritesPending struct{}

func (ErrWritesPending) Error() string { return "close called while sends still pending" }

// OutputBufferingHandler coalesces outbound buffers and flushes them to
// the next stage once per loop turn, so the transport sees one write per
// event-loop iteration instead of one per pipeline write. All writers
// buffered into the same flush share one completion future.
//
// This handler may only be used in a single pipeline.
type OutputBufferingHandler struct {
	OutboundBytesToBytesHandler
	sends   []byte
	promise *Promise[Void]
}

func (h *OutputBufferingHandler) Write(ctx OutboundHandlerContext[[]byte], buf []byte) *Future[Void] {
	if len(buf) == 0 {
		return CompletedFuture(Void{})
	}
	if h.sends == nil {
		h.sends = append(h.sends, buf...)
		h.promise = NewPromise[Void]()
		eb := ctx.Transport().EventBase()
		eb.RunInLoop(func() { h.flush(ctx) }) //nolint:errcheck
	} else {
		h.sends = append(h.sends, buf...)
	}
	return h.promise.Future()
}

func (h *OutputBufferingHandler) flush(ctx OutboundHandlerContext[[]byte]) {
	if h.sends == nil {
		return
	}
	p := h.promise
	data := h.sends
	h.sends = nil
	h.promise = nil
	fut := ctx.FireWrite(data)
	fut.Then(func(Void) { p.Complete(Void{}) })
	fut.Err(func(err error) { p.Fail(err) })
}

func (h *OutputBufferingHandler) Close(ctx OutboundHandlerContext[[]byte]) *Future[Void] {
	if h.promise != nil {
		h.promise.Fail(errors.WithStack(ErrWritesPending{}))
		h.promise = nil
		h.sends = nil
	}
	return ctx.FireClose()
}
