package wangle

import "github.com/pkg/errors"

// ErrRequestPending is returned by the serial client dispatcher when a
// request is issued while another is still in flight.
type ErrRequestPending struct{}

func (ErrRequestPending) Error() string { return "request already in flight" }

// ErrNoPendingRequest reports a response arriving with no request waiting
// for it.
type ErrNoPendingRequest struct{}

func (ErrNoPendingRequest) Error() string { return "response with no pending request" }

// clientDispatcher tags client dispatchers so SetPipeline can evict a
// previously installed one.
type clientDispatcher interface{ isClientDispatcher() }

// ClientDispatcherBase is the embeddable core of the client dispatchers:
// a BOTH handler sitting at the back of a pipeline, writing requests down
// and consuming responses in Read.
type ClientDispatcherBase[Req, Resp any] struct {
	HandlerAdapter[Resp, Req]
	pipeline *Pipeline
}

func (d *ClientDispatcherBase[Req, Resp]) isClientDispatcher() {}

// Pipeline returns the pipeline this dispatcher drives.
func (d *ClientDispatcherBase[Req, Resp]) Pipeline() *Pipeline { return d.pipeline }

// IsAvailable reports whether the dispatcher has a usable pipeline.
func (d *ClientDispatcherBase[Req, Resp]) IsAvailable() bool {
	if d.pipeline == nil {
		return false
	}
	if t := d.pipeline.Transport(); t != nil {
		return t.Good()
	}
	return true
}

// closePipeline sends a close down the pipeline's outbound chain.
func (d *ClientDispatcherBase[Req, Resp]) closePipeline() *Future[Void] {
	if ctx := d.Context(); ctx != nil {
		return ctx.FireClose()
	}
	return CompletedFuture(Void{})
}

// dispatcherService exposes a client dispatcher through the Service
// interface. A separate adapter because the handler's Close(ctx) and the
// service's Close() cannot share a method set.
type dispatcherService[Req, Resp any] struct {
	call  func(Req) *Future[Resp]
	close func() *Future[Void]
	avail func() bool
}

func (s *dispatcherService[Req, Resp]) Call(req Req) *Future[Resp] { return s.call(req) }
func (s *dispatcherService[Req, Resp]) Close() *Future[Void]       { return s.close() }
func (s *dispatcherService[Req, Resp]) IsAvailable() bool          { return s.avail() }

func (d *ClientDispatcherBase[Req, Resp]) setPipeline(p *Pipeline, self Handler[Resp, Resp, Req, Req]) error {
	if err := RemoveType[clientDispatcher](p); err != nil && !errors.Is(err, ErrNoSuchHandler{}) {
		return err
	}
	d.pipeline = p
	if err := AddBack(p, self); err != nil {
		return err
	}
	return p.Finalize()
}

// SerialClientDispatcher allows one outstanding request at a time; issuing
// a second before the first completes fails the new request immediately.
type SerialClientDispatcher[Req, Resp any] struct {
	ClientDispatcherBase[Req, Resp]
	p *Promise[Resp]
}

// NewSerialClientDispatcher creates an unattached dispatcher; call
// SetPipeline before use.
func NewSerialClientDispatcher[Req, Resp any]() *SerialClientDispatcher[Req, Resp] {
	return &SerialClientDispatcher[Req, Resp]{}
}

// SetPipeline installs the dispatcher at the back of p and finalizes it.
func (d *SerialClientDispatcher[Req, Resp]) SetPipeline(p *Pipeline) error {
	return d.setPipeline(p, d)
}

func (d *SerialClientDispatcher[Req, Resp]) Read(ctx HandlerContext[Resp, Req], in Resp) {
	if d.p == nil {
		ctx.FireReadException(errors.WithStack(ErrNoPendingRequest{}))
		return
	}
	p := d.p
	d.p = nil
	p.Complete(in)
}

// Call writes req through the pipeline and returns the eventual response.
func (d *SerialClientDispatcher[Req, Resp]) Call(req Req) *Future[Resp] {
	if d.p != nil {
		return FailedFuture[Resp](errors.WithStack(ErrRequestPending{}))
	}
	d.p = NewPromise[Resp]()
	f := d.p.Future()
	d.pipeline.Write(req).Err(func(err error) { d.failPending(err) })
	return f
}

// AsService exposes the dispatcher as a Service whose Close tears the
// pipeline down.
func (d *SerialClientDispatcher[Req, Resp]) AsService() Service[Req, Resp] {
	return &dispatcherService[Req, Resp]{
		call:  d.Call,
		close: d.closePipeline,
		avail: d.IsAvailable,
	}
}

func (d *SerialClientDispatcher[Req, Resp]) failPending(err error) {
	if d.p != nil {
		p := d.p
		d.p = nil
		p.Fail(err)
	}
}

func (d *SerialClientDispatcher[Req, Resp]) ReadEOF(ctx HandlerContext[Resp, Req]) {
	d.failPending(errors.WithStack(ErrSocketClosed{}))
	ctx.FireReadEOF()
}

func (d *SerialClientDispatcher[Req, Resp]) ReadException(ctx HandlerContext[Resp, Req], err error) {
	d.failPending(err)
	ctx.FireReadException(err)
}

// PipelinedClientDispatcher keeps a FIFO of outstanding requests and
// matches responses to them in arrival order; the transport's ordering
// guarantee is the wire contract.
type PipelinedClientDispatcher[Req, Resp any] struct {
	ClientDispatcherBase[Req, Resp]
	promises []*Promise[Resp]
}

// NewPipelinedClientDispatcher creates an unattached dispatcher; call
// SetPipeline before use.
func NewPipelinedClientDispatcher[Req, Resp any]() *PipelinedClientDispatcher[Req, Resp] {
	return &PipelinedClientDispatcher[Req, Resp]{}
}

// SetPipeline installs the dispatcher at the back of p and finalizes it.
func (d *PipelinedClientDispatcher[Req, Resp]) SetPipeline(p *Pipeline) error {
	return d.setPipeline(p, d)
}

func (d *PipelinedClientDispatcher[Req, Resp]) Read(ctx HandlerContext[Resp, Req], in Resp) {
	if len(d.promises) == 0 {
		ctx.FireReadException(errors.WithStack(ErrNoPendingRequest{}))
		return
	}
	p := d.promises[0]
	d.promises = d.promises[1:]
	p.Complete(in)
}

// Call enqueues a request and returns the eventual response.
func (d *PipelinedClientDispatcher[Req, Resp]) Call(req Req) *Future[Resp] {
	p := NewPromise[Resp]()
	d.promises = append(d.promises, p)
	f := p.Future()
	d.pipeline.Write(req).Err(func(err error) { d.failAll(err) })
	return f
}

// AsService exposes the dispatcher as a Service whose Close tears the
// pipeline down.
func (d *PipelinedClientDispatcher[Req, Resp]) AsService() Service[Req, Resp] {
	return &dispatcherService[Req, Resp]{
		call:  d.Call,
		close: d.closePipeline,
		avail: d.IsAvailable,
	}
}

func (d *PipelinedClientDispatcher[Req, Resp]) failAll(err error) {
	ps := d.promises
	d.promises = nil
	for _, p := range ps {
		p.Fail(err)
	}
}

func (d *PipelinedClientDispatcher[Req, Resp]) ReadEOF(ctx HandlerContext[Resp, Req]) {
	d.failAll(errors.WithStack(ErrSocketClosed{}))
	ctx.FireReadEOF()
}

func (d *PipelinedClientDispatcher[Req, Resp]) ReadException(ctx HandlerContext[Resp, Req], err error) {
	d.failAll(err)
	ctx.FireReadException(err)
}

// runOnPipelineLoop runs fn on the pipeline's event base, inline when
// already there or when the pipeline has no transport.
func runOnPipelineLoop(p *Pipeline, fn func()) {
	if t := p.Transport(); t != nil {
		if eb := t.EventBase(); eb != nil && !eb.InEventBaseThread() {
			eb.RunInLoop(fn) //nolint:errcheck
			return
		}
	}
	fn()
}

// SerialServerDispatcher dispatches one request at a time: while a request
// is in flight, further reads are queued in the dispatcher and served in
// arrival order once the previous response has been written. The event
// loop is never blocked.
type SerialServerDispatcher[Req, Resp any] struct {
	HandlerAdapter[Req, Resp]
	service Service[Req, Resp]
	busy    bool
	backlog []Req
}

// NewSerialServerDispatcher creates a dispatcher serving requests with
// service.
func NewSerialServerDispatcher[Req, Resp any](service Service[Req, Resp]) *SerialServerDispatcher[Req, Resp] {
	return &SerialServerDispatcher[Req, Resp]{service: service}
}

func (d *SerialServerDispatcher[Req, Resp]) Read(ctx HandlerContext[Req, Resp], in Req) {
	if d.busy {
		d.backlog = append(d.backlog, in)
		return
	}
	d.busy = true
	d.serve(ctx, in)
}

func (d *SerialServerDispatcher[Req, Resp]) serve(ctx HandlerContext[Req, Resp], in Req) {
	d.service.Call(in).listen(func(resp Resp, err error) {
		runOnPipelineLoop(ctx.Pipeline(), func() {
			if err != nil {
				ctx.FireWriteException(err)
			} else {
				ctx.FireWrite(resp)
			}
			if len(d.backlog) > 0 {
				next := d.backlog[0]
				d.backlog = d.backlog[1:]
				d.serve(ctx, next)
				return
			}
			d.busy = false
		})
	})
}

type pipelinedResult[Resp any] struct {
	resp Resp
	err  error
}

// PipelinedServerDispatcher dispatches requests as they come in and queues
// responses until they can be written in request order, regardless of the
// order in which the service completes them.
type PipelinedServerDispatcher[Req, Resp any] struct {
	HandlerAdapter[Req, Resp]
	service       Service[Req, Resp]
	requestID     uint64
	lastWrittenID uint64
	responses     map[uint64]pipelinedResult[Resp]
}

// NewPipelinedServerDispatcher creates a dispatcher serving requests with
// service.
func NewPipelinedServerDispatcher[Req, Resp any](service Service[Req, Resp]) *PipelinedServerDispatcher[Req, Resp] {
	return &PipelinedServerDispatcher[Req, Resp]{
		service:   service,
		requestID: 1,
		responses: make(map[uint64]pipelinedResult[Resp]),
	}
}

func (d *PipelinedServerDispatcher[Req, Resp]) Read(ctx HandlerContext[Req, Resp], in Req) {
	id := d.requestID
	d.requestID++
	d.service.Call(in).listen(func(resp Resp, err error) {
		runOnPipelineLoop(ctx.Pipeline(), func() {
			d.responses[id] = pipelinedResult[Resp]{resp: resp, err: err}
			d.sendResponses(ctx)
		})
	})
}

// sendResponses writes every response whose predecessors have all been
// written.
func (d *PipelinedServerDispatcher[Req, Resp]) sendResponses(ctx HandlerContext[Req, Resp]) {
	for {
		res, ok := d.responses[d.lastWrittenID+1]
		if !ok {
			return
		}
		delete(d.responses, d.lastWrittenID+1)
		d.lastWrittenID++
		if res.err != nil {
			ctx.FireWriteException(res.err)
		} else {
			ctx.FireWrite(res.resp)
		}
	}
}

// MultiplexServerDispatcher dispatches requests as they come in and writes
// each response as soon as its service call completes. Response order is
// unrelated to request order; the protocol is expected to carry a sequence
// id inside the payload for the client to correlate on.
type MultiplexServerDispatcher[Req, Resp any] struct {
	HandlerAdapter[Req, Resp]
	service Service[Req, Resp]
}

// NewMultiplexServerDispatcher creates a dispatcher serving requests with
// service.
func NewMultiplexServerDispatcher[Req, Resp any](service Service[Req, Resp]) *MultiplexServerDispatcher[Req, Resp] {
	return &MultiplexServerDispatcher[Req, Resp]{service: service}
}

func (d *MultiplexServerDispatcher[Req, Resp]) Read(ctx HandlerContext[Req, Resp], in Req) {
	d.service.Call(in).listen(func(resp Resp, err error) {
		runOnPipelineLoop(ctx.Pipeline(), func() {
			if err != nil {
				ctx.FireWriteException(err)
			} else {
				ctx.FireWrite(resp)
			}
		})
	})
}
