package wangle

// Service is an asynchronous function from request to response. It is the
// basic unit of the RPC interface.
type Service[Req, Resp any] interface {
	Call(req Req) *Future[Resp]
	// Close releases the service. It is idempotent.
	Close() *Future[Void]
	// IsAvailable reports whether the service can take requests.
	IsAvailable() bool
}

// ServiceFunc adapts a function to a Service with a no-op Close and an
// always-available answer.
type ServiceFunc[Req, Resp any] func(req Req) *Future[Resp]

func (f ServiceFunc[Req, Resp]) Call(req Req) *Future[Resp] { return f(req) }
func (f ServiceFunc[Req, Resp]) Close() *Future[Void]       { return CompletedFuture(Void{}) }
func (f ServiceFunc[Req, Resp]) IsAvailable() bool          { return true }

// FilterBase is the embeddable core of a service filter: a decorator over
// an inner service, forwarding Close and IsAvailable. The embedding type
// supplies Call, possibly transforming request and response types on the
// way through.
type FilterBase[ReqB, RespB any] struct {
	Inner Service[ReqB, RespB]
}

func (f *FilterBase[ReqB, RespB]) Close() *Future[Void] { return f.Inner.Close() }
func (f *FilterBase[ReqB, RespB]) IsAvailable() bool    { return f.Inner.IsAvailable() }

// ExecutorFilter runs every request through an event base, isolating the
// caller's goroutine from the inner service's execution.
type ExecutorFilter[Req, Resp any] struct {
	FilterBase[Req, Resp]
	Exec *EventBase
}

// NewExecutorFilter wraps service so its calls run on exec.
func NewExecutorFilter[Req, Resp any](exec *EventBase, service Service[Req, Resp]) *ExecutorFilter[Req, Resp] {
	f := &ExecutorFilter[Req, Resp]{Exec: exec}
	f.Inner = service
	return f
}

func (f *ExecutorFilter[Req, Resp]) Call(req Req) *Future[Resp] {
	p := NewPromise[Resp]()
	err := f.Exec.RunInLoop(func() {
		f.Inner.Call(req).listen(func(v Resp, err error) {
			if err != nil {
				p.Fail(err)
			} else {
				p.Complete(v)
			}
		})
	})
	if err != nil {
		p.Fail(err)
	}
	return p.Future()
}

// ServiceFactory produces services, given a connected client. This lets
// you make RPC calls on the Service interface over a client's pipeline.
type ServiceFactory[Req, Resp any] interface {
	NewService(client *ClientBootstrap) *Future[Service[Req, Resp]]
}

// ConstFactory returns a fixed service regardless of client.
type ConstFactory[Req, Resp any] struct {
	service Service[Req, Resp]
}

// NewConstFactory wraps service into a factory.
func NewConstFactory[Req, Resp any](service Service[Req, Resp]) *ConstFactory[Req, Resp] {
	return &ConstFactory[Req, Resp]{service: service}
}

func (f *ConstFactory[Req, Resp]) NewService(*ClientBootstrap) *Future[Service[Req, Resp]] {
	return CompletedFuture(f.service)
}

// FactoryToService flattens a factory into a service: each call invokes
// the factory, runs the request on the produced service and closes the
// wrapper itself when the response settles. The produced service is left
// alone, so factories handing out pooled or shared services keep working.
type FactoryToService[Req, Resp any] struct {
	factory ServiceFactory[Req, Resp]
}

// NewFactoryToService wraps factory into a service.
func NewFactoryToService[Req, Resp any](factory ServiceFactory[Req, Resp]) *FactoryToService[Req, Resp] {
	return &FactoryToService[Req, Resp]{factory: factory}
}

func (s *FactoryToService[Req, Resp]) Call(req Req) *Future[Resp] {
	return ThenFuture(s.factory.NewService(nil),
		func(svc Service[Req, Resp]) *Future[Resp] {
			return svc.Call(req).Ensure(func() { s.Close() })
		})
}

func (s *FactoryToService[Req, Resp]) Close() *Future[Void] { return CompletedFuture(Void{}) }
func (s *FactoryToService[Req, Resp]) IsAvailable() bool    { return true }
