package main

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/portshow/internal/proto"
)

// clientSession represents one authenticated control channel.
type clientSession struct {
	id              string
	remoteAddr      string
	channel         *proto.Channel
	authenticatedAt time.Time

	mu       sync.Mutex
	lastPing time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newClientSession(id string, ch *proto.Channel) *clientSession {
	now := time.Now()
	return &clientSession{
		id:              id,
		remoteAddr:      ch.RemoteAddr(),
		channel:         ch,
		authenticatedAt: now,
		lastPing:        now,
		done:            make(chan struct{}),
	}
}

// touch records inbound traffic; any frame counts as liveness.
func (s *clientSession) touch() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
}

func (s *clientSession) sinceLastPing() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPing)
}

// close shuts the control channel, unblocking the session read loop. Idempotent.
func (s *clientSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.channel.Close()
	})
}

// pendingConn is an accepted external socket waiting for the client's data
// channel. It is promoted to a connPair or destroyed by its deadline timer.
type pendingConn struct {
	id      string
	ext     net.Conn
	created time.Time
	timer   *time.Timer
}

// connPair is one spliced external/data socket pair.
type connPair struct {
	id        string
	ext       net.Conn
	data      net.Conn
	startedAt time.Time

	closeOnce sync.Once
}

// closeBoth destroys both sockets. Idempotent; errors are ignored, the sockets
// may already be dead.
func (p *connPair) closeBoth() {
	p.closeOnce.Do(func() {
		_ = p.ext.Close()
		_ = p.data.Close()
	})
}

// tunnel is one bound public port owned by one client session.
type tunnel struct {
	spec     proto.TunnelSpec
	owner    *clientSession
	listener net.Listener

	mu       sync.Mutex
	closed   bool
	pending  map[string]*pendingConn
	active   map[string]*connPair
	incoming map[net.Conn]struct{}

	conns       atomic.Int64 // |pending| + |active|
	established atomic.Int64
	bytesIn     atomic.Int64 // external -> local service
	bytesOut    atomic.Int64 // local service -> external
}

func newTunnel(spec proto.TunnelSpec, owner *clientSession) *tunnel {
	return &tunnel{
		spec:     spec,
		owner:    owner,
		pending:  make(map[string]*pendingConn),
		active:   make(map[string]*connPair),
		incoming: make(map[net.Conn]struct{}),
	}
}

func (t *tunnel) addIncoming(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.incoming[c] = struct{}{}
	return true
}

func (t *tunnel) dropIncoming(c net.Conn) {
	t.mu.Lock()
	delete(t.incoming, c)
	t.mu.Unlock()
}

func (t *tunnel) status() proto.TunnelStatus {
	return proto.TunnelStatus{
		RemotePort:        t.spec.RemotePort,
		LocalPort:         t.spec.LocalPort,
		Name:              t.spec.Name,
		ActiveConnections: t.conns.Load(),
		BytesIn:           t.bytesIn.Load(),
		BytesOut:          t.bytesOut.Load(),
	}
}
