// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package wangle

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WriteFlags modify how outbound operations behave once they reach the
// terminal transport handler.
type WriteFlags uint32

const (
	// WriteFlagNone is the default.
	WriteFlagNone WriteFlags = 0
	// WriteFlagShutdownWrite makes Close perform a write-side shutdown
	// instead of a full close.
	WriteFlagShutdownWrite WriteFlags = 1 << iota
)

// ErrNoInboundHandler is returned by inbound pipeline entry points when the
// pipeline has no IN-capable handlers.
type ErrNoInboundHandler struct{}

func (ErrNoInboundHandler) Error() string { return "no inbound handler in pipeline" }

// ErrNoOutboundHandler is returned by outbound pipeline entry points when
// the pipeline has no OUT-capable handlers.
type ErrNoOutboundHandler struct{}

func (ErrNoOutboundHandler) Error() string { return "no outbound handler in pipeline" }

// ErrNoSuchHandler is returned when removing a handler that is not in the
// pipeline.
type ErrNoSuchHandler struct{}

func (ErrNoSuchHandler) Error() string { return "no such handler in pipeline" }

// ErrStaticPipeline is returned when adding a handler to a static pipeline
// after it has been finalized, or when removing a handler from a static
// pipeline at any time.
type ErrStaticPipeline struct{}

func (ErrStaticPipeline) Error() string { return "static pipeline cannot be mutated" }

// PipelineManager observes a pipeline's lifecycle. DeletePipeline is the
// final teardown request; RefreshTimeout is called on read/write activity
// by handlers that participate in idle-timeout tracking.
type PipelineManager interface {
	DeletePipeline(p *Pipeline)
	RefreshTimeout()
}

// PipelineFactory produces a pipeline for a freshly dialed or accepted
// transport. The factory must Finalize the pipeline before returning it;
// the bootstrap fires transportActive on it immediately after.
type PipelineFactory interface {
	NewPipeline(t Transport) (*Pipeline, error)
}

// PipelineFactoryFunc adapts a function to a PipelineFactory.
type PipelineFactoryFunc func(t Transport) (*Pipeline, error)

func (f PipelineFactoryFunc) NewPipeline(t Transport) (*Pipeline, error) { return f(t) }

// DatagramPipelineFactory is the packet-oriented counterpart of
// PipelineFactory: invoked once per peer address, it may return a nil
// pipeline to reject the peer.
type DatagramPipelineFactory interface {
	NewDatagramPipeline(conn net.PacketConn, clientAddr net.Addr) (*Pipeline, error)
}

// TransportInfo is an optional record of connection-level facts carried by
// a pipeline.
type TransportInfo struct {
	ConnectionID  uuid.UUID
	LocalAddr     net.Addr
	RemoteAddr    net.Addr
	Secure        bool
	EstablishedAt time.Time
}

// Pipeline is an ordered chain of handlers bound to a single connection.
// All access must happen on the event base of its transport; see the
// package documentation for the threading model.
type Pipeline struct {
	ctxs    []*context
	inCtxs  []*context
	outCtxs []*context

	front *context
	back  *context

	isStatic  bool
	finalized bool

	manager       PipelineManager
	transport     Transport
	transportInfo *TransportInfo
	owner         *context

	writeFlags   WriteFlags
	readBufMin   int
	readBufAlloc int

	pins       atomic.Int64
	doomed     atomic.Bool
	detachOnce sync.Once
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		readBufMin:   DefaultReadBufferMinAvailable,
		readBufAlloc: DefaultReadBufferAllocationSize,
	}
}

// NewStaticPipeline creates a pipeline that accepts handlers only until it
// is finalized and never allows a handler to be removed.
func NewStaticPipeline() *Pipeline {
	p := NewPipeline()
	p.isStatic = true
	return p
}

// SetPipelineManager installs the lifecycle observer.
func (p *Pipeline) SetPipelineManager(m PipelineManager) { p.manager = m }

// Manager returns the lifecycle observer, which may be nil.
func (p *Pipeline) Manager() PipelineManager { return p.manager }

// DeletePipeline asks the manager to tear this pipeline down.
func (p *Pipeline) DeletePipeline() {
	if p.manager != nil {
		p.manager.DeletePipeline(p)
	}
}

// SetTransport records the transport the terminal handler is bound to.
func (p *Pipeline) SetTransport(t Transport) { p.transport = t }

// Transport returns the transport, or nil before transportActive.
func (p *Pipeline) Transport() Transport { return p.transport }

// SetTransportInfo attaches connection-level facts to the pipeline.
func (p *Pipeline) SetTransportInfo(ti *TransportInfo) { p.transportInfo = ti }

// TransportInfo returns the attached connection facts, which may be nil.
func (p *Pipeline) TransportInfo() *TransportInfo { return p.transportInfo }

// SetWriteFlags sets the flags applied to outbound terminal operations.
func (p *Pipeline) SetWriteFlags(f WriteFlags) { p.writeFlags = f }

// WriteFlags returns the current outbound flags.
func (p *Pipeline) WriteFlags() WriteFlags { return p.writeFlags }

// SetReadBufferSettings tunes how the terminal handler sizes read buffers.
func (p *Pipeline) SetReadBufferSettings(minAvailable, allocationSize int) {
	p.readBufMin = minAvailable
	p.readBufAlloc = allocationSize
}

// ReadBufferSettings returns the read buffer tuning.
func (p *Pipeline) ReadBufferSettings() (int, int) {
	return p.readBufMin, p.readBufAlloc
}

// NumHandlers returns the number of handlers added to the pipeline.
func (p *Pipeline) NumHandlers() int { return len(p.ctxs) }

func (p *Pipeline) addHelper(c *context, front bool) error {
	if p.isStatic && p.finalized {
		return errors.WithStack(ErrStaticPipeline{})
	}
	p.finalized = false
	if front {
		p.ctxs = append([]*context{c}, p.ctxs...)
	} else {
		p.ctxs = append(p.ctxs, c)
	}
	if c.dir == DirBoth || c.dir == DirIn {
		if front {
			p.inCtxs = append([]*context{c}, p.inCtxs...)
		} else {
			p.inCtxs = append(p.inCtxs, c)
		}
	}
	if c.dir == DirBoth || c.dir == DirOut {
		if front {
			p.outCtxs = append([]*context{c}, p.outCtxs...)
		} else {
			p.outCtxs = append(p.outCtxs, c)
		}
	}
	return nil
}

// AddBack appends a BOTH handler to the pipeline.
func AddBack[Rin, Rout, Win, Wout any](p *Pipeline, h Handler[Rin, Rout, Win, Wout]) error {
	return p.addHelper(newBothContext(p, h), false)
}

// AddFront prepends a BOTH handler to the pipeline.
func AddFront[Rin, Rout, Win, Wout any](p *Pipeline, h Handler[Rin, Rout, Win, Wout]) error {
	return p.addHelper(newBothContext(p, h), true)
}

// AddInboundBack appends an IN handler to the pipeline.
func AddInboundBack[Rin, Rout any](p *Pipeline, h InboundHandler[Rin, Rout]) error {
	return p.addHelper(newInContext(p, h), false)
}

// AddInboundFront prepends an IN handler to the pipeline.
func AddInboundFront[Rin, Rout any](p *Pipeline, h InboundHandler[Rin, Rout]) error {
	return p.addHelper(newInContext(p, h), true)
}

// AddOutboundBack appends an OUT handler to the pipeline.
func AddOutboundBack[Win, Wout any](p *Pipeline, h OutboundHandler[Win, Wout]) error {
	return p.addHelper(newOutContext(p, h), false)
}

// AddOutboundFront prepends an OUT handler to the pipeline.
func AddOutboundFront[Win, Wout any](p *Pipeline, h OutboundHandler[Win, Wout]) error {
	return p.addHelper(newOutContext(p, h), true)
}

func (p *Pipeline) removeAt(i int) {
	c := p.ctxs[i]
	c.detachPipeline()
	p.ctxs = append(p.ctxs[:i], p.ctxs[i+1:]...)
	p.inCtxs = removeCtx(p.inCtxs, c)
	p.outCtxs = removeCtx(p.outCtxs, c)
	p.front = nil
	p.back = nil
	p.finalized = false
}

func removeCtx(s []*context, c *context) []*context {
	for i, x := range s {
		if x == c {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Remove removes the handler h (by identity) from the pipeline.
func (p *Pipeline) Remove(h any) error {
	if p.isStatic {
		return errors.WithStack(ErrStaticPipeline{})
	}
	for i, c := range p.ctxs {
		if c.handler == h {
			p.removeAt(i)
			return nil
		}
	}
	return errors.WithStack(ErrNoSuchHandler{})
}

// RemoveType removes every handler of type H from the pipeline.
func RemoveType[H any](p *Pipeline) error {
	if p.isStatic {
		return errors.WithStack(ErrStaticPipeline{})
	}
	removed := false
	for i := 0; i < len(p.ctxs); {
		if _, ok := p.ctxs[i].handler.(H); ok {
			p.removeAt(i)
			removed = true
		} else {
			i++
		}
	}
	if !removed {
		return errors.WithStack(ErrNoSuchHandler{})
	}
	return nil
}

// RemoveFront removes the first handler.
func (p *Pipeline) RemoveFront() error {
	if p.isStatic {
		return errors.WithStack(ErrStaticPipeline{})
	}
	if len(p.ctxs) == 0 {
		return errors.WithStack(ErrNoSuchHandler{})
	}
	p.removeAt(0)
	return nil
}

// RemoveBack removes the last handler.
func (p *Pipeline) RemoveBack() error {
	if p.isStatic {
		return errors.WithStack(ErrStaticPipeline{})
	}
	if len(p.ctxs) == 0 {
		return errors.WithStack(ErrNoSuchHandler{})
	}
	p.removeAt(len(p.ctxs) - 1)
	return nil
}

// GetHandler returns the first handler of type H in insertion order.
func GetHandler[H any](p *Pipeline) (H, bool) {
	for _, c := range p.ctxs {
		if h, ok := c.handler.(H); ok {
			return h, true
		}
	}
	var zero H
	return zero, false
}

// SetOwner nominates h as the pipeline's owner: it will not be detached
// during destruction. This breaks the cycle when a handler keeps the
// pipeline alive. Reports whether h was found.
func (p *Pipeline) SetOwner(h any) bool {
	for _, c := range p.ctxs {
		if c.handler == h {
			p.owner = c
			return true
		}
	}
	return false
}

// Finalize wires the contexts into the inbound and outbound chains and
// attaches each context to its handler. It must run once before first use
// and again after any mutation; linking fails when adjacent element types
// do not match.
func (p *Pipeline) Finalize() error {
	p.front = nil
	if len(p.inCtxs) > 0 {
		p.front = p.inCtxs[0]
		for i := 0; i < len(p.inCtxs)-1; i++ {
			if err := p.inCtxs[i].setNextIn(p.inCtxs[i+1]); err != nil {
				p.front = nil
				return err
			}
		}
		if err := p.inCtxs[len(p.inCtxs)-1].setNextIn(nil); err != nil {
			p.front = nil
			return err
		}
	}

	p.back = nil
	if len(p.outCtxs) > 0 {
		p.back = p.outCtxs[len(p.outCtxs)-1]
		for i := len(p.outCtxs) - 1; i > 0; i-- {
			if err := p.outCtxs[i].setNextOut(p.outCtxs[i-1]); err != nil {
				p.back = nil
				return err
			}
		}
		if err := p.outCtxs[0].setNextOut(nil); err != nil {
			p.back = nil
			return err
		}
	}

	for i := len(p.ctxs) - 1; i >= 0; i-- {
		p.ctxs[i].attachPipeline()
	}
	p.finalized = true
	return nil
}

// Read delivers msg to the front of the inbound chain.
func (p *Pipeline) Read(msg any) error {
	if p.front == nil {
		return errors.WithStack(ErrNoInboundHandler{})
	}
	defer p.pin()()
	p.front.read(msg)
	return nil
}

// ReadEOF delivers end-of-stream to the inbound chain.
func (p *Pipeline) ReadEOF() error {
	if p.front == nil {
		return errors.WithStack(ErrNoInboundHandler{})
	}
	defer p.pin()()
	p.front.readEOF()
	return nil
}

// ReadException delivers a read error to the inbound chain.
func (p *Pipeline) ReadException(err error) error {
	if p.front == nil {
		return errors.WithStack(ErrNoInboundHandler{})
	}
	defer p.pin()()
	p.front.readException(err)
	return nil
}

// TransportActive announces the transport to the inbound chain. It is a
// no-op on a pipeline with no inbound handlers.
func (p *Pipeline) TransportActive() {
	if p.front == nil {
		return
	}
	defer p.pin()()
	p.front.transportActive()
}

// TransportInactive announces loss of the transport to the inbound chain.
func (p *Pipeline) TransportInactive() {
	if p.front == nil {
		return
	}
	defer p.pin()()
	p.front.transportInactive()
}

// Write sends msg through the outbound chain, starting at the back.
func (p *Pipeline) Write(msg any) *Future[Void] {
	if p.back == nil {
		return FailedFuture[Void](errors.WithStack(ErrNoOutboundHandler{}))
	}
	defer p.pin()()
	return p.back.write(msg)
}

// WriteException sends an error through the outbound chain.
func (p *Pipeline) WriteException(err error) *Future[Void] {
	if p.back == nil {
		return FailedFuture[Void](errors.WithStack(ErrNoOutboundHandler{}))
	}
	defer p.pin()()
	return p.back.writeException(err)
}

// Close sends a close request through the outbound chain.
func (p *Pipeline) Close() *Future[Void] {
	if p.back == nil {
		return FailedFuture[Void](errors.WithStack(ErrNoOutboundHandler{}))
	}
	defer p.pin()()
	return p.back.close()
}

// pin keeps the pipeline alive for the duration of a propagation; Destroy
// during a pinned section is deferred until the last pin is released.
func (p *Pipeline) pin() func() {
	p.pins.Add(1)
	return p.unpin
}

func (p *Pipeline) unpin() {
	if p.pins.Add(-1) == 0 && p.doomed.Load() {
		p.detachHandlers()
	}
}

// Destroy tears the pipeline down, detaching every handler in reverse
// insertion order exactly once. If called while an event is propagating,
// teardown is deferred until the propagation unwinds.
func (p *Pipeline) Destroy() {
	p.doomed.Store(true)
	if p.pins.Load() == 0 {
		p.detachHandlers()
	}
}

func (p *Pipeline) detachHandlers() {
	p.detachOnce.Do(func() {
		for i := len(p.ctxs) - 1; i >= 0; i-- {
			c := p.ctxs[i]
			if c != p.owner {
				c.detachPipeline()
			}
		}
	})
}
