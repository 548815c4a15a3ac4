// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package wangle

import (
	"log/slog"
	"reflect"

	"github.com/pkg/errors"
)

// InboundHandlerContext is the propagation surface handed to IN-capable
// handlers. Fire* forwards to the next IN node; the handler's own events
// arrive through its Read/ReadEOF/... methods, invoked by the previous
// node. Keeping "callers call the handler, the handler calls Fire*" apart
// is what makes type-checked chaining work.
type InboundHandlerContext[Rout any] interface {
	FireRead(msg Rout)
	FireReadEOF()
	FireReadException(err error)
	FireTransportActive()
	FireTransportInactive()
	Pipeline() *Pipeline
	Transport() Transport
	ReadBufferSettings() (minAvailable, allocationSize int)
	SetReadBufferSettings(minAvailable, allocationSize int)
}

// OutboundHandlerContext is the propagation surface handed to OUT-capable
// handlers. Fire* forwards to the next OUT node, which is the previous
// handler in insertion order.
type OutboundHandlerContext[Wout any] interface {
	FireWrite(msg Wout) *Future[Void]
	FireWriteException(err error) *Future[Void]
	FireClose() *Future[Void]
	Pipeline() *Pipeline
	Transport() Transport
	WriteFlags() WriteFlags
	SetWriteFlags(flags WriteFlags)
}

// HandlerContext is the surface for BOTH handlers.
type HandlerContext[Rout, Wout any] interface {
	InboundHandlerContext[Rout]
	OutboundHandlerContext[Wout]
}

// context is the per-(pipeline, handler) binding: one node in the inbound
// and/or outbound chain, plus type-erased trampolines into its handler.
// The typed view handed to the handler is a thin generic wrapper around
// this struct.
type context struct {
	pipeline *Pipeline
	dir      HandlerDir
	handler  any
	name     string

	rinT, routT reflect.Type
	winT, woutT reflect.Type

	nextIn  *context
	nextOut *context

	attached bool

	read              func(msg any)
	readEOF           func()
	readException     func(err error)
	transportActive   func()
	transportInactive func()
	write             func(msg any) *Future[Void]
	writeException    func(err error) *Future[Void]
	close             func() *Future[Void]

	attachToHandler   func()
	detachFromHandler func()
}

func (c *context) Pipeline() *Pipeline   { return c.pipeline }
func (c *context) Transport() Transport  { return c.pipeline.Transport() }
func (c *context) WriteFlags() WriteFlags { return c.pipeline.WriteFlags() }
func (c *context) SetWriteFlags(f WriteFlags) { c.pipeline.SetWriteFlags(f) }

func (c *context) ReadBufferSettings() (int, int) {
	return c.pipeline.ReadBufferSettings()
}

func (c *context) SetReadBufferSettings(minAvailable, allocationSize int) {
	c.pipeline.SetReadBufferSettings(minAvailable, allocationSize)
}

// The fire helpers pin the pipeline so it cannot be torn down while an
// event is propagating through it.

func (c *context) fireRead(msg any) {
	defer c.pipeline.pin()()
	if c.nextIn == nil {
		slog.Warn("read reached end of pipeline", "handler", c.name)
		return
	}
	c.nextIn.read(msg)
}

func (c *context) fireReadEOF() {
	defer c.pipeline.pin()()
	if c.nextIn == nil {
		slog.Warn("readEOF reached end of pipeline", "handler", c.name)
		return
	}
	c.nextIn.readEOF()
}

func (c *context) fireReadException(err error) {
	defer c.pipeline.pin()()
	if c.nextIn == nil {
		slog.Warn("readException reached end of pipeline",
			"handler", c.name, "err", err)
		return
	}
	c.nextIn.readException(err)
}

func (c *context) fireTransportActive() {
	defer c.pipeline.pin()()
	if c.nextIn != nil {
		c.nextIn.transportActive()
	}
}

func (c *context) fireTransportInactive() {
	defer c.pipeline.pin()()
	if c.nextIn != nil {
		c.nextIn.transportInactive()
	}
}

func (c *context) fireWrite(msg any) *Future[Void] {
	defer c.pipeline.pin()()
	if c.nextOut == nil {
		slog.Warn("write reached end of pipeline", "handler", c.name)
		return CompletedFuture(Void{})
	}
	return c.nextOut.write(msg)
}

func (c *context) fireWriteException(err error) *Future[Void] {
	defer c.pipeline.pin()()
	if c.nextOut == nil {
		return CompletedFuture(Void{})
	}
	return c.nextOut.writeException(err)
}

func (c *context) fireClose() *Future[Void] {
	defer c.pipeline.pin()()
	if c.nextOut == nil {
		return CompletedFuture(Void{})
	}
	return c.nextOut.close()
}

// setNextIn links c to the next inbound node, verifying that this node's
// inbound output type equals the next node's inbound input type.
func (c *context) setNextIn(next *context) error {
	if next == nil {
		c.nextIn = nil
		return nil
	}
	if c.routT != next.rinT {
		return errors.Errorf(
			"wangle: inbound type mismatch after %s: fires %v, next reads %v",
			c.name, c.routT, next.rinT)
	}
	c.nextIn = next
	return nil
}

// setNextOut links c to the next outbound node (the previous handler in
// insertion order).
func (c *context) setNextOut(next *context) error {
	if next == nil {
		c.nextOut = nil
		return nil
	}
	if c.woutT != next.winT {
		return errors.Errorf(
			"wangle: outbound type mismatch after %s: writes %v, next takes %v",
			c.name, c.woutT, next.winT)
	}
	c.nextOut = next
	return nil
}

func (c *context) attachPipeline() {
	if !c.attached {
		c.attachToHandler()
		c.attached = true
	}
}

func (c *context) detachPipeline() {
	if c.attached {
		c.detachFromHandler()
		c.attached = false
	}
}

// bothContext is the typed view over a BOTH context.
type bothContext[Rout, Wout any] struct{ *context }

func (c bothContext[Rout, Wout]) FireRead(msg Rout)        { c.fireRead(msg) }
func (c bothContext[Rout, Wout]) FireReadEOF()             { c.fireReadEOF() }
func (c bothContext[Rout, Wout]) FireReadException(e error) { c.fireReadException(e) }
func (c bothContext[Rout, Wout]) FireTransportActive()     { c.fireTransportActive() }
func (c bothContext[Rout, Wout]) FireTransportInactive()   { c.fireTransportInactive() }

func (c bothContext[Rout, Wout]) FireWrite(msg Wout) *Future[Void] {
	return c.fireWrite(msg)
}

func (c bothContext[Rout, Wout]) FireWriteException(err error) *Future[Void] {
	return c.fireWriteException(err)
}

func (c bothContext[Rout, Wout]) FireClose() *Future[Void] { return c.fireClose() }

// inContext is the typed view over an IN context.
type inContext[Rout any] struct{ *context }

func (c inContext[Rout]) FireRead(msg Rout)         { c.fireRead(msg) }
func (c inContext[Rout]) FireReadEOF()              { c.fireReadEOF() }
func (c inContext[Rout]) FireReadException(e error) { c.fireReadException(e) }
func (c inContext[Rout]) FireTransportActive()      { c.fireTransportActive() }
func (c inContext[Rout]) FireTransportInactive()    { c.fireTransportInactive() }

// outContext is the typed view over an OUT context.
type outContext[Wout any] struct{ *context }

func (c outContext[Wout]) FireWrite(msg Wout) *Future[Void] { return c.fireWrite(msg) }

func (c outContext[Wout]) FireWriteException(err error) *Future[Void] {
	return c.fireWriteException(err)
}

func (c outContext[Wout]) FireClose() *Future[Void] { return c.fireClose() }

// ErrTypeMismatch reports an element of the wrong dynamic type injected
// into a chain, which can only happen through the type-erased pipeline
// entry points.
type ErrTypeMismatch struct {
	Handler string
	Want    reflect.Type
	Got     any
}

func (e ErrTypeMismatch) Error() string {
	return "wrong element type for handler " + e.Handler
}

func newBothContext[Rin, Rout, Win, Wout any](p *Pipeline, h Handler[Rin, Rout, Win, Wout]) *context {
	c := &context{
		pipeline: p,
		dir:      DirBoth,
		handler:  h,
		name:     reflect.TypeOf(h).String(),
		rinT:     reflect.TypeOf((*Rin)(nil)).Elem(),
		routT:    reflect.TypeOf((*Rout)(nil)).Elem(),
		winT:     reflect.TypeOf((*Win)(nil)).Elem(),
		woutT:    reflect.TypeOf((*Wout)(nil)).Elem(),
	}
	tc := bothContext[Rout, Wout]{c}
	c.read = func(msg any) {
		m, ok := msg.(Rin)
		if !ok {
			h.ReadException(tc, errors.WithStack(
				ErrTypeMismatch{Handler: c.name, Want: c.rinT, Got: msg}))
			return
		}
		h.Read(tc, m)
	}
	c.readEOF = func() { h.ReadEOF(tc) }
	c.readException = func(err error) { h.ReadException(tc, err) }
	c.transportActive = func() { h.TransportActive(tc) }
	c.transportInactive = func() { h.TransportInactive(tc) }
	c.write = func(msg any) *Future[Void] {
		m, ok := msg.(Win)
		if !ok {
			return FailedFuture[Void](errors.WithStack(
				ErrTypeMismatch{Handler: c.name, Want: c.winT, Got: msg}))
		}
		return h.Write(tc, m)
	}
	c.writeException = func(err error) *Future[Void] { return h.WriteException(tc, err) }
	c.close = func() *Future[Void] { return h.Close(tc) }
	c.attachToHandler = func() {
		h.attachContext(HandlerContext[Rout, Wout](tc))
		h.AttachPipeline(tc)
	}
	c.detachFromHandler = func() {
		h.DetachPipeline(tc)
		h.detachContext()
	}
	return c
}

func newInContext[Rin, Rout any](p *Pipeline, h InboundHandler[Rin, Rout]) *context {
	c := &context{
		pipeline: p,
		dir:      DirIn,
		handler:  h,
		name:     reflect.TypeOf(h).String(),
		rinT:     reflect.TypeOf((*Rin)(nil)).Elem(),
		routT:    reflect.TypeOf((*Rout)(nil)).Elem(),
	}
	tc := inContext[Rout]{c}
	c.read = func(msg any) {
		m, ok := msg.(Rin)
		if !ok {
			h.ReadException(tc, errors.WithStack(
				ErrTypeMismatch{Handler: c.name, Want: c.rinT, Got: msg}))
			return
		}
		h.Read(tc, m)
	}
	c.readEOF = func() { h.ReadEOF(tc) }
	c.readException = func(err error) { h.ReadException(tc, err) }
	c.transportActive = func() { h.TransportActive(tc) }
	c.transportInactive = func() { h.TransportInactive(tc) }
	c.attachToHandler = func() {
		h.attachContext(InboundHandlerContext[Rout](tc))
		h.AttachPipeline(tc)
	}
	c.detachFromHandler = func() {
		h.DetachPipeline(tc)
		h.detachContext()
	}
	return c
}

func newOutContext[Win, Wout any](p *Pipeline, h OutboundHandler[Win, Wout]) *context {
	c := &context{
		pipeline: p,
		dir:      DirOut,
		handler:  h,
		name:     reflect.TypeOf(h).String(),
		winT:     reflect.TypeOf((*Win)(nil)).Elem(),
		woutT:    reflect.TypeOf((*Wout)(nil)).Elem(),
	}
	tc := outContext[Wout]{c}
	c.write = func(msg any) *Future[Void] {
		m, ok := msg.(Win)
		if !ok {
			return FailedFuture[Void](errors.WithStack(
				ErrTypeMismatch{Handler: c.name, Want: c.winT, Got: msg}))
		}
		return h.Write(tc, m)
	}
	c.writeException = func(err error) *Future[Void] { return h.WriteException(tc, err) }
	c.close = func() *Future[Void] { return h.Close(tc) }
	c.attachToHandler = func() {
		h.attachContext(OutboundHandlerContext[Wout](tc))
		h.AttachPipeline(tc)
	}
	c.detachFromHandler = func() {
		h.DetachPipeline(tc)
		h.detachContext()
	}
	return c
}
