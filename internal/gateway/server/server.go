package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/gpsgate/internal/config"
	"nuha.dev/gpsgate/internal/directory"
	"nuha.dev/gpsgate/internal/gateway/conn"
	"nuha.dev/gpsgate/internal/gateway/frame"
	"nuha.dev/gpsgate/internal/gateway/pipeline"
	"nuha.dev/gpsgate/internal/gateway/protocol"
	"nuha.dev/gpsgate/internal/gateway/registry"
)

const (
	NEW_CONNECTION    string = "new_connection"
	CONNECTION_CLOSED string = "connection_closed"
	FRAMING_ERROR     string = "framing_error"
	ENDPOINT_ACTIVE   string = "endpoint_active"
)

const defaultIdleTimeout = 600 * time.Second

// Server activates one listening endpoint per registered protocol with a
// configured port.
type Server struct {
	cfg  *config.Config
	dir  *directory.Directory
	reg  *registry.Registry
	deps pipeline.Deps
	log  log.Logger
}

func New(cfg *config.Config, dir *directory.Directory, reg *registry.Registry, deps pipeline.Deps) *Server {
	s := &Server{cfg: cfg, dir: dir, reg: reg, deps: deps}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gps-server").Value()
	return s
}

func (s *Server) Run() {
	for _, p := range protocol.All() {
		pc := s.cfg.Protocol(p.Name)
		if pc.Port == 0 {
			continue
		}
		chain := pipeline.Assemble(s.cfg, p.Name, s.deps)
		ep := newEndpoint(s, p, pc, chain)
		s.log.Info().Str("event", ENDPOINT_ACTIVE).Str("protocol", p.Name).Str("transport", p.Transport).Int("port", pc.Port).Msg("")
		go ep.run()
	}
}

// endpoint is one protocol bound to one port. The stage chain is shared
// read-only by all of its connections.
type endpoint struct {
	srv   *Server
	proto *protocol.Protocol
	pc    config.ProtocolConfig
	chain *pipeline.Chain
	log   log.Logger

	cidCounter uint64
}

func newEndpoint(s *Server, p *protocol.Protocol, pc config.ProtocolConfig, chain *pipeline.Chain) *endpoint {
	e := &endpoint{srv: s, proto: p, pc: pc, chain: chain}
	e.log = log.DefaultLogger
	e.log.Context = log.NewContext(nil).Str("module", "gps-server").Str("protocol", p.Name).Value()
	return e
}

func (e *endpoint) idleTimeout() time.Duration {
	if e.pc.Timeout > 0 {
		return e.pc.Timeout
	}
	return defaultIdleTimeout
}

func (e *endpoint) run() {
	addr := fmt.Sprintf(":%d", e.pc.Port)
	if e.proto.Transport == "udp" {
		e.runDatagram(addr)
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		e.log.Error().Err(err).Msg("unable to listen")
		return
	}
	pln := &proxyproto.Listener{Listener: ln}
	for {
		_c, err := pln.Accept()
		if err != nil {
			e.log.Error().Err(err).Msg("failed to accept new connection")
			pln.Close()
			return
		}
		cid := atomic.AddUint64(&e.cidCounter, 1)
		c := conn.NewConn(_c, cid)
		e.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
		go e.handle(c)
	}
}

func (e *endpoint) newSession(w io.WriteCloser, remote string) (*protocol.Session, *protocol.Dispatcher) {
	sess := protocol.NewSession(e.proto, w, remote, e.srv.dir, e.srv.reg, e.log)
	if e.pc.Timezone != "" {
		if loc, err := time.LoadLocation(e.pc.Timezone); err == nil {
			sess.Timezone = loc
		} else {
			e.log.Warn().Str("timezone", e.pc.Timezone).Msg("bad timezone, using UTC")
		}
	}
	sess.CAN = e.pc.CAN
	disp := protocol.NewDispatcher(sess, e.proto.NewDecoder(), e.chain)
	disp.SaveEmpty = e.srv.cfg.SaveEmpty
	disp.SaveOriginal = e.srv.cfg.SaveOriginal
	return sess, disp
}

// handle is the per-connection task: read, carve frames, dispatch. All
// pipeline work for this connection happens on this goroutine, in arrival
// order. Only transport errors end the task.
func (e *endpoint) handle(c *conn.Conn) {
	sess, disp := e.newSession(c, c.RemoteAddr().String())
	splitter := e.proto.NewSplitter()
	defer func() {
		sess.Close()
		c.Close()
	}()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		_ = c.SetReadDeadline(time.Now().Add(e.idleTimeout()))
		n, err := c.Read(tmp)
		if err != nil {
			e.log.Info().Err(err).Str("event", CONNECTION_CLOSED).EmbedObject(c).Msg("")
			return
		}
		buf = append(buf, tmp[:n]...)
		for len(buf) > 0 {
			advance, frm, err := splitter.Split(buf)
			if err != nil {
				// framing errors are connection-local: drop the buffer and
				// the connection, the listener stays up
				e.log.Error().Err(err).Str("event", FRAMING_ERROR).EmbedObject(c).Msg("")
				return
			}
			if advance == 0 {
				break
			}
			disp.OnFrame(frm)
			buf = buf[advance:]
		}
		if len(buf) == 0 {
			buf = buf[:0:cap(buf)]
		}
	}
}

// runDatagram serves connectionless protocols: each remote address gets its
// own session, frames are carved per packet.
func (e *endpoint) runDatagram(addr string) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		e.log.Error().Err(err).Msg("unable to listen")
		return
	}
	sessions := make(map[string]*datagramPeer)
	var mu sync.Mutex
	go e.sweepDatagramPeers(&mu, sessions)
	buf := make([]byte, 65536)
	for {
		n, remote, err := pc.ReadFrom(buf)
		if err != nil {
			e.log.Error().Err(err).Msg("datagram read error")
			return
		}
		mu.Lock()
		peer, ok := sessions[remote.String()]
		if !ok {
			w := &datagramWriter{pc: pc, remote: remote}
			sess, disp := e.newSession(w, remote.String())
			peer = &datagramPeer{sess: sess, disp: disp, w: w, splitter: e.proto.NewSplitter()}
			sessions[remote.String()] = peer
		}
		peer.lastSeen = time.Now()
		mu.Unlock()
		peer.feed(e, buf[:n])
	}
}

// sweepDatagramPeers bounds the peer table: a remote that stops sending is
// evicted after the idle window and its session closed, which unbinds the
// device in the registry the same way a dropped stream connection would.
func (e *endpoint) sweepDatagramPeers(mu *sync.Mutex, sessions map[string]*datagramPeer) {
	idle := e.idleTimeout()
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for range ticker.C {
		e.evictIdlePeers(mu, sessions, idle)
	}
}

func (e *endpoint) evictIdlePeers(mu *sync.Mutex, sessions map[string]*datagramPeer, idle time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	for addr, peer := range sessions {
		if time.Since(peer.lastSeen) < idle {
			continue
		}
		delete(sessions, addr)
		peer.sess.Close()
		peer.w.Close()
		e.log.Info().Str("event", CONNECTION_CLOSED).Str("remote", addr).Msg("idle datagram peer evicted")
	}
}

type datagramPeer struct {
	sess     *protocol.Session
	disp     *protocol.Dispatcher
	w        *datagramWriter
	splitter frame.Splitter
	lastSeen time.Time
}

func (p *datagramPeer) feed(e *endpoint, packet []byte) {
	rest := packet
	for len(rest) > 0 {
		advance, frm, err := p.splitter.Split(rest)
		if err != nil {
			e.log.Error().Err(err).Str("event", FRAMING_ERROR).Msg("datagram dropped")
			return
		}
		if advance == 0 {
			return //partial frame in a datagram, nothing more will come
		}
		p.disp.OnFrame(frm)
		rest = rest[advance:]
	}
}

// datagramWriter adapts a packet conn to the session's writer contract.
type datagramWriter struct {
	pc     net.PacketConn
	remote net.Addr
	closed bool
	mu     sync.Mutex
}

func (w *datagramWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("peer closed")
	}
	return w.pc.WriteTo(p, w.remote)
}

func (w *datagramWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
