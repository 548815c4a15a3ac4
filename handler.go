package wangle

// HandlerDir describes which event streams a handler participates in.
type HandlerDir int

const (
	// DirIn handlers see only inbound events (read, readEOF, readException,
	// transport active/inactive).
	DirIn HandlerDir = iota
	// DirOut handlers see only outbound events (write, writeException, close).
	DirOut
	// DirBoth handlers see the union.
	DirBoth
)

func (d HandlerDir) String() string {
	switch d {
	case DirIn:
		return "IN"
	case DirOut:
		return "OUT"
	case DirBoth:
		return "BOTH"
	}
	return "INVALID"
}

// attacher is the bookkeeping every handler base provides so a pipeline can
// bind and unbind its context. A handler bound to more than one pipeline at
// a time keeps working, but Context() reports nil from the second binding
// on; dropping back to a single binding does not restore the context.
type attacher interface {
	attachContext(ctx any)
	detachContext()
}

// Handler is a bidirectional pipeline stage. Rin/Rout are the inbound input
// and output element types, Win/Wout the outbound ones. Implementations
// embed HandlerBase (or HandlerAdapter) and override what they need; Read
// and Write have no default on purpose.
type Handler[Rin, Rout, Win, Wout any] interface {
	Read(ctx HandlerContext[Rout, Wout], msg Rin)
	ReadEOF(ctx HandlerContext[Rout, Wout])
	ReadException(ctx HandlerContext[Rout, Wout], err error)
	TransportActive(ctx HandlerContext[Rout, Wout])
	TransportInactive(ctx HandlerContext[Rout, Wout])

	Write(ctx HandlerContext[Rout, Wout], msg Win) *Future[Void]
	WriteException(ctx HandlerContext[Rout, Wout], err error) *Future[Void]
	Close(ctx HandlerContext[Rout, Wout]) *Future[Void]

	AttachPipeline(ctx HandlerContext[Rout, Wout])
	DetachPipeline(ctx HandlerContext[Rout, Wout])
	attacher
}

// InboundHandler is an IN-only pipeline stage.
type InboundHandler[Rin, Rout any] interface {
	Read(ctx InboundHandlerContext[Rout], msg Rin)
	ReadEOF(ctx InboundHandlerContext[Rout])
	ReadException(ctx InboundHandlerContext[Rout], err error)
	TransportActive(ctx InboundHandlerContext[Rout])
	TransportInactive(ctx InboundHandlerContext[Rout])

	AttachPipeline(ctx InboundHandlerContext[Rout])
	DetachPipeline(ctx InboundHandlerContext[Rout])
	attacher
}

// OutboundHandler is an OUT-only pipeline stage.
type OutboundHandler[Win, Wout any] interface {
	Write(ctx OutboundHandlerContext[Wout], msg Win) *Future[Void]
	WriteException(ctx OutboundHandlerContext[Wout], err error) *Future[Void]
	Close(ctx OutboundHandlerContext[Wout]) *Future[Void]

	AttachPipeline(ctx OutboundHandlerContext[Wout])
	DetachPipeline(ctx OutboundHandlerContext[Wout])
	attacher
}

// HandlerBase carries the attach bookkeeping and the forward-through
// defaults for every event except Read and Write. Embed it in BOTH
// handlers whose element types change across the stage.
type HandlerBase[Rout, Wout any] struct {
	attachCount uint64
	ctx         HandlerContext[Rout, Wout]
}

func (b *HandlerBase[Rout, Wout]) attachContext(ctx any) {
	b.attachCount++
	if b.attachCount == 1 {
		b.ctx = ctx.(HandlerContext[Rout, Wout])
	} else {
		b.ctx = nil
	}
}

func (b *HandlerBase[Rout, Wout]) detachContext() {
	if b.attachCount >= 1 {
		b.attachCount--
	}
	b.ctx = nil
}

// Context returns the handler's context, or nil when the handler is not
// bound to exactly one pipeline.
func (b *HandlerBase[Rout, Wout]) Context() HandlerContext[Rout, Wout] {
	if b.attachCount != 1 {
		return nil
	}
	return b.ctx
}

func (b *HandlerBase[Rout, Wout]) AttachPipeline(HandlerContext[Rout, Wout]) {}
func (b *HandlerBase[Rout, Wout]) DetachPipeline(HandlerContext[Rout, Wout]) {}

func (b *HandlerBase[Rout, Wout]) ReadEOF(ctx HandlerContext[Rout, Wout]) {
	ctx.FireReadEOF()
}

func (b *HandlerBase[Rout, Wout]) ReadException(ctx HandlerContext[Rout, Wout], err error) {
	ctx.FireReadException(err)
}

func (b *HandlerBase[Rout, Wout]) TransportActive(ctx HandlerContext[Rout, Wout]) {
	ctx.FireTransportActive()
}

func (b *HandlerBase[Rout, Wout]) TransportInactive(ctx HandlerContext[Rout, Wout]) {
	ctx.FireTransportInactive()
}

func (b *HandlerBase[Rout, Wout]) WriteException(ctx HandlerContext[Rout, Wout], err error) *Future[Void] {
	return ctx.FireWriteException(err)
}

func (b *HandlerBase[Rout, Wout]) Close(ctx HandlerContext[Rout, Wout]) *Future[Void] {
	return ctx.FireClose()
}

// HandlerAdapter is an identity BOTH stage: reads and writes forward
// unchanged. Embed it and override the events you care about.
type HandlerAdapter[R, W any] struct {
	HandlerBase[R, W]
}

func (a *HandlerAdapter[R, W]) Read(ctx HandlerContext[R, W], msg R) {
	ctx.FireRead(msg)
}

func (a *HandlerAdapter[R, W]) Write(ctx HandlerContext[R, W], msg W) *Future[Void] {
	return ctx.FireWrite(msg)
}

// InboundHandlerBase is the IN-only counterpart of HandlerBase.
type InboundHandlerBase[Rout any] struct {
	attachCount uint64
	ctx         InboundHandlerContext[Rout]
}

func (b *InboundHandlerBase[Rout]) attachContext(ctx any) {
	b.attachCount++
	if b.attachCount == 1 {
		b.ctx = ctx.(InboundHandlerContext[Rout])
	} else {
		b.ctx = nil
	}
}

func (b *InboundHandlerBase[Rout]) detachContext() {
	if b.attachCount >= 1 {
		b.attachCount--
	}
	b.ctx = nil
}

// Context returns the handler's context, or nil when the handler is not
// bound to exactly one pipeline.
func (b *InboundHandlerBase[Rout]) Context() InboundHandlerContext[Rout] {
	if b.attachCount != 1 {
		return nil
	}
	return b.ctx
}

func (b *InboundHandlerBase[Rout]) AttachPipeline(InboundHandlerContext[Rout]) {}
func (b *InboundHandlerBase[Rout]) DetachPipeline(InboundHandlerContext[Rout]) {}

func (b *InboundHandlerBase[Rout]) ReadEOF(ctx InboundHandlerContext[Rout]) {
	ctx.FireReadEOF()
}

func (b *InboundHandlerBase[Rout]) ReadException(ctx InboundHandlerContext[Rout], err error) {
	ctx.FireReadException(err)
}

func (b *InboundHandlerBase[Rout]) TransportActive(ctx InboundHandlerContext[Rout]) {
	ctx.FireTransportActive()
}

func (b *InboundHandlerBase[Rout]) TransportInactive(ctx InboundHandlerContext[Rout]) {
	ctx.FireTransportInactive()
}

// OutboundHandlerBase is the OUT-only counterpart of HandlerBase.
type OutboundHandlerBase[Wout any] struct {
	attachCount uint64
	ctx         OutboundHandlerContext[Wout]
}

func (b *OutboundHandlerBase[Wout]) attachContext(ctx any) {
	b.attachCount++
	if b.attachCount == 1 {
		b.ctx = ctx.(OutboundHandlerContext[Wout])
	} else {
		b.ctx = nil
	}
}

func (b *OutboundHandlerBase[Wout]) detachContext() {
	if b.attachCount >= 1 {
		b.attachCount--
	}
	b.ctx = nil
}

// Context returns the handler's context, or nil when the handler is not
// bound to exactly one pipeline.
func (b *OutboundHandlerBase[Wout]) Context() OutboundHandlerContext[Wout] {
	if b.attachCount != 1 {
		return nil
	}
	return b.ctx
}

func (b *OutboundHandlerBase[Wout]) AttachPipeline(OutboundHandlerContext[Wout]) {}
func (b *OutboundHandlerBase[Wout]) DetachPipeline(OutboundHandlerContext[Wout]) {}

func (b *OutboundHandlerBase[Wout]) WriteException(ctx OutboundHandlerContext[Wout], err error) *Future[Void] {
	return ctx.FireWriteException(err)
}

func (b *OutboundHandlerBase[Wout]) Close(ctx OutboundHandlerContext[Wout]) *Future[Void] {
	return ctx.FireClose()
}

// BytesToBytesHandler is the shape of a terminal byte stage: the inbound
// element is the shared read queue, the outbound element a byte slice.
type BytesToBytesHandler = HandlerAdapter[*ByteQueue, []byte]

// InboundBytesToBytesHandler is the base for IN-only byte stages such as
// frame decoders.
type InboundBytesToBytesHandler = InboundHandlerBase[[]byte]

// OutboundBytesToBytesHandler is the base for OUT-only byte stages.
type OutboundBytesToBytesHandler = OutboundHandlerBase[[]byte]
