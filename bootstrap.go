// Copyright 2026 The wangle authors. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package wangle

import (
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrServerClosed is returned by Serve after Stop.
type ErrServerClosed struct{}

func (ErrServerClosed) Error() string { return "server closed" }

// ErrNoPipelineFactory is returned when a bootstrap is used before a
// pipeline factory has been configured.
type ErrNoPipelineFactory struct{}

func (ErrNoPipelineFactory) Error() string { return "no pipeline factory configured" }

// ErrPipelineRejected is returned when a pipeline factory declines a
// connection by returning a nil pipeline.
type ErrPipelineRejected struct{}

func (ErrPipelineRejected) Error() string { return "pipeline factory rejected connection" }

// SessionEstablishedCallback is notified when a TLS connection completes a
// full (non-resumed) handshake.
type SessionEstablishedCallback func(state tls.ConnectionState)

// ClientBootstrap dials a remote address and instantiates a pipeline for
// the new connection through its factory. The bootstrap owns the produced
// pipeline and acts as its manager.
type ClientBootstrap struct {
	factory        PipelineFactory
	group          *EventBaseGroup
	tlsConfig      *tls.Config
	sni            string
	sessionCache   tls.ClientSessionCache
	deferTLS       bool
	sessionEstCb   SessionEstablishedCallback
	stats          StatsCollector

	mu       sync.Mutex
	ownEB    *EventBase
	pipeline *Pipeline
}

// NewClientBootstrap creates an unconfigured client bootstrap.
func NewClientBootstrap() *ClientBootstrap { return &ClientBootstrap{} }

// PipelineFactory sets the factory invoked once per dialed connection.
func (b *ClientBootstrap) PipelineFactory(f PipelineFactory) *ClientBootstrap {
	b.factory = f
	return b
}

// Group sets the event base group connections are assigned from. Without a
// group the bootstrap runs one event base of its own.
func (b *ClientBootstrap) Group(g *EventBaseGroup) *ClientBootstrap {
	b.group = g
	return b
}

// TLSConfig enables TLS on dialed connections.
func (b *ClientBootstrap) TLSConfig(cfg *tls.Config) *ClientBootstrap {
	b.tlsConfig = cfg
	return b
}

// ServerName sets the SNI sent during the TLS handshake.
func (b *ClientBootstrap) ServerName(sni string) *ClientBootstrap {
	b.sni = sni
	return b
}

// SessionCache enables TLS session resumption through cache.
func (b *ClientBootstrap) SessionCache(cache tls.ClientSessionCache) *ClientBootstrap {
	b.sessionCache = cache
	return b
}

// DeferSecurityNegotiation delays the TLS handshake until first I/O.
func (b *ClientBootstrap) DeferSecurityNegotiation(deferred bool) *ClientBootstrap {
	b.deferTLS = deferred
	return b
}

// SessionEstablishedCallback is invoked after a full TLS handshake on a
// connection whose session was not resumed. With deferred negotiation the
// handshake runs after Connect and the callback is not invoked.
func (b *ClientBootstrap) SessionEstablishedCallback(cb SessionEstablishedCallback) *ClientBootstrap {
	b.sessionEstCb = cb
	return b
}

// Stats installs a byte counter on dialed transports.
func (b *ClientBootstrap) Stats(s StatsCollector) *ClientBootstrap {
	b.stats = s
	return b
}

// Pipeline returns the pipeline of the last successful Connect, if it is
// still alive.
func (b *ClientBootstrap) Pipeline() *Pipeline {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pipeline
}

func (b *ClientBootstrap) eventBase() *EventBase {
	if b.group != nil {
		return b.group.Next()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ownEB == nil {
		b.ownEB = NewEventBase()
	}
	return b.ownEB
}

// Connect dials address with the given timeout (zero means
// DefaultConnectTimeout) and delivers the finished pipeline, with
// transportActive already fired, as an eventual value.
func (b *ClientBootstrap) Connect(address string, timeout time.Duration) *Future[*Pipeline] {
	p := NewPromise[*Pipeline]()
	if b.factory == nil {
		p.Fail(errors.WithStack(ErrNoPipelineFactory{}))
		return p.Future()
	}
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	eb := b.eventBase()
	go b.dial(eb, address, timeout, p)
	return p.Future()
}

func (b *ClientBootstrap) dial(eb *EventBase, address string, timeout time.Duration, p *Promise[*Pipeline]) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		p.Fail(errors.Wrap(err, "connect"))
		return
	}
	secure := false
	resumed := false
	if b.tlsConfig != nil {
		cfg := b.tlsConfig.Clone()
		if b.sni != "" {
			cfg.ServerName = b.sni
		}
		if b.sessionCache != nil {
			cfg.ClientSessionCache = b.sessionCache
		}
		tconn := tls.Client(conn, cfg)
		if !b.deferTLS {
			tconn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
			if err := tconn.Handshake(); err != nil {
				conn.Close() //nolint:errcheck
				p.Fail(errors.Wrap(err, "tls handshake"))
				return
			}
			tconn.SetDeadline(time.Time{}) //nolint:errcheck
			resumed = tconn.ConnectionState().DidResume
		}
		secure = true
		conn = tconn
	}

	runErr := eb.RunInLoop(func() {
		if secure && !b.deferTLS && !resumed && b.sessionEstCb != nil {
			b.sessionEstCb(conn.(*tls.Conn).ConnectionState())
		}
		sock := NewAsyncSocketWithStats(eb, conn, b.stats)
		pl, err := b.factory.NewPipeline(sock)
		if err != nil || pl == nil {
			sock.CloseNow()
			if err == nil {
				err = errors.WithStack(ErrPipelineRejected{})
			}
			p.Fail(err)
			return
		}
		pl.SetTransportInfo(&TransportInfo{
			ConnectionID:  uuid.New(),
			LocalAddr:     conn.LocalAddr(),
			RemoteAddr:    conn.RemoteAddr(),
			Secure:        secure,
			EstablishedAt: time.Now(),
		})
		if pl.Manager() == nil {
			pl.SetPipelineManager(b)
		}
		b.mu.Lock()
		b.pipeline = pl
		b.mu.Unlock()
		pl.TransportActive()
		p.Complete(pl)
	})
	if runErr != nil {
		conn.Close() //nolint:errcheck
		p.Fail(runErr)
	}
}

// DeletePipeline implements PipelineManager for the held pipeline.
func (b *ClientBootstrap) DeletePipeline(p *Pipeline) {
	b.mu.Lock()
	if b.pipeline == p {
		b.pipeline = nil
	}
	b.mu.Unlock()
	p.TransportInactive()
	p.Destroy()
}

// RefreshTimeout implements PipelineManager; the client bootstrap tracks
// no idle timer.
func (b *ClientBootstrap) RefreshTimeout() {}

// Close tears down the held pipeline and any owned event base.
func (b *ClientBootstrap) Close() {
	b.mu.Lock()
	pl := b.pipeline
	ownEB := b.ownEB
	b.mu.Unlock()
	if pl != nil {
		if t := pl.Transport(); t != nil {
			t.EventBase().RunImmediatelyOrRunInEventBaseThreadAndWait(func() { //nolint:errcheck
				pl.Close().Wait(time.Second) //nolint:errcheck
			})
		}
	}
	if ownEB != nil {
		ownEB.Stop()
	}
}

// ConnectionEvent tags accept-side connection lifecycle notifications.
type ConnectionEvent int

const (
	// ConnectionAdded fires when an accepted connection got its pipeline.
	ConnectionAdded ConnectionEvent = iota
	// ConnectionRemoved fires when an accepted connection went away.
	ConnectionRemoved
)

// ConnectionObserver is notified of accept-side connection events.
type ConnectionObserver func(ev ConnectionEvent, info *TransportInfo)

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted network
// connections so dead peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)                   //nolint:errcheck
	tc.SetKeepAlivePeriod(3 * time.Minute)  //nolint:errcheck
	return tc, nil
}

// ServerBootstrap listens for incoming connections and creates a pipeline
// for each through the child pipeline factory. It is the PipelineManager
// of every pipeline it accepts.
type ServerBootstrap struct {
	Addr      string // TCP address to listen on
	MaxConns  int    // maximum concurrent accepted connections, 0 for no cap

	childFactory PipelineFactory
	group        *EventBaseGroup
	tlsConfig    *tls.Config
	stats        StatsCollector
	observer     ConnectionObserver

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	active    map[*Pipeline]struct{}
	limiter   chan struct{}
	doneChan  chan struct{}
	ownGroup  bool
}

// NewServerBootstrap creates a server bootstrap listening on addr when
// Bind is called.
func NewServerBootstrap() *ServerBootstrap {
	return &ServerBootstrap{
		listeners: make(map[net.Listener]struct{}),
		active:    make(map[*Pipeline]struct{}),
		doneChan:  make(chan struct{}),
	}
}

// ChildPipeline sets the factory invoked once per accepted connection.
func (srv *ServerBootstrap) ChildPipeline(f PipelineFactory) *ServerBootstrap {
	srv.childFactory = f
	return srv
}

// Group sets the event base group accepted connections are spread over.
func (srv *ServerBootstrap) Group(g *EventBaseGroup) *ServerBootstrap {
	srv.group = g
	return srv
}

// TLSConfig makes the server wrap accepted connections in TLS.
func (srv *ServerBootstrap) TLSConfig(cfg *tls.Config) *ServerBootstrap {
	srv.tlsConfig = cfg
	return srv
}

// Stats installs a byte counter on accepted transports.
func (srv *ServerBootstrap) Stats(s StatsCollector) *ServerBootstrap {
	srv.stats = s
	return srv
}

// Observer installs a connection lifecycle observer.
func (srv *ServerBootstrap) Observer(o ConnectionObserver) *ServerBootstrap {
	srv.observer = o
	return srv
}

// Bind starts listening on addr and serving accepted connections in a
// background goroutine. The chosen address (useful with ":0") is recorded
// in srv.Addr.
func (srv *ServerBootstrap) Bind(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "bind")
	}
	srv.Addr = ln.Addr().String()
	if tl, ok := ln.(*net.TCPListener); ok {
		ln = tcpKeepAliveListener{tl}
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed{}) {
			slog.Error("wangle: serve failed", "addr", srv.Addr, "err", err)
		}
	}()
	return nil
}

// Serve accepts connections on l until Stop is called, creating a pipeline
// for each on an event base from the group.
func (srv *ServerBootstrap) Serve(l net.Listener) error {
	defer l.Close() //nolint:errcheck
	if srv.childFactory == nil {
		return errors.WithStack(ErrNoPipelineFactory{})
	}

	srv.mu.Lock()
	select {
	case <-srv.doneChan:
		srv.mu.Unlock()
		return errors.WithStack(ErrServerClosed{})
	default:
	}
	srv.listeners[l] = struct{}{}
	if srv.group == nil {
		srv.group = NewEventBaseGroup(1)
		srv.ownGroup = true
	}
	if srv.MaxConns > 0 && srv.limiter == nil {
		srv.limiter = make(chan struct{}, srv.MaxConns)
	}
	limiter := srv.limiter
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.listeners, l)
		srv.mu.Unlock()
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		if limiter != nil {
			select {
			case limiter <- struct{}{}:
			case <-srv.doneChan:
				return errors.WithStack(ErrServerClosed{})
			}
		}
		conn, err := l.Accept()
		if err != nil {
			if limiter != nil {
				<-limiter
			}
			select {
			case <-srv.doneChan:
				return errors.WithStack(ErrServerClosed{})
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > MaxAcceptBackoff {
					tempDelay = MaxAcceptBackoff
				}
				slog.Warn("wangle: accept error, retrying",
					"err", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		tempDelay = 0
		srv.serveConn(conn)
	}
}

func (srv *ServerBootstrap) serveConn(conn net.Conn) {
	secure := false
	if srv.tlsConfig != nil {
		conn = tls.Server(conn, srv.tlsConfig)
		secure = true
	}
	eb := srv.group.Next()
	eb.RunInLoop(func() { //nolint:errcheck
		sock := NewAsyncSocketWithStats(eb, conn, srv.stats)
		pl, err := srv.childFactory.NewPipeline(sock)
		if err != nil || pl == nil {
			if err != nil {
				slog.Warn("wangle: pipeline factory failed", "err", err)
			}
			sock.CloseNow()
			srv.releaseConn()
			return
		}
		info := &TransportInfo{
			ConnectionID:  uuid.New(),
			LocalAddr:     conn.LocalAddr(),
			RemoteAddr:    conn.RemoteAddr(),
			Secure:        secure,
			EstablishedAt: time.Now(),
		}
		pl.SetTransportInfo(info)
		pl.SetPipelineManager(srv)
		srv.mu.Lock()
		srv.active[pl] = struct{}{}
		srv.mu.Unlock()
		if srv.observer != nil {
			srv.observer(ConnectionAdded, info)
		}
		pl.TransportActive()
	})
}

func (srv *ServerBootstrap) releaseConn() {
	srv.mu.Lock()
	limiter := srv.limiter
	srv.mu.Unlock()
	if limiter != nil {
		select {
		case <-limiter:
		default:
		}
	}
}

// DeletePipeline implements PipelineManager: the terminal handler calls it
// exactly once when its pipeline's transport is gone.
func (srv *ServerBootstrap) DeletePipeline(p *Pipeline) {
	srv.mu.Lock()
	_, tracked := srv.active[p]
	delete(srv.active, p)
	srv.mu.Unlock()
	if !tracked {
		return
	}
	if srv.observer != nil {
		srv.observer(ConnectionRemoved, p.TransportInfo())
	}
	p.TransportInactive()
	p.Destroy()
	srv.releaseConn()
}

// RefreshTimeout implements PipelineManager; the server bootstrap tracks
// no idle timer of its own.
func (srv *ServerBootstrap) RefreshTimeout() {}

// NumActive returns the number of live accepted pipelines.
func (srv *ServerBootstrap) NumActive() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.active)
}

// Stop closes the listeners, tears down every active pipeline and stops an
// owned event base group.
func (srv *ServerBootstrap) Stop() {
	srv.mu.Lock()
	select {
	case <-srv.doneChan:
	default:
		close(srv.doneChan)
	}
	for l := range srv.listeners {
		l.Close() //nolint:errcheck
	}
	actives := make([]*Pipeline, 0, len(srv.active))
	for p := range srv.active {
		actives = append(actives, p)
	}
	group := srv.group
	ownGroup := srv.ownGroup
	srv.mu.Unlock()

	for _, p := range actives {
		p := p
		if t := p.Transport(); t != nil {
			t.EventBase().RunImmediatelyOrRunInEventBaseThreadAndWait(func() { //nolint:errcheck
				p.Close().Wait(time.Second) //nolint:errcheck
			})
		} else {
			srv.DeletePipeline(p)
		}
	}
	if ownGroup && group != nil {
		group.Stop()
	}
}
