package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/ports"
	"github.com/matst80/portshow/internal/proto"
	"github.com/matst80/portshow/internal/ratelimit"
)

const (
	bindRetries    = 3
	bindRetryDelay = 500 * time.Millisecond
	teardownDelay  = 100 * time.Millisecond
)

var errShuttingDown = errors.New("server shutting down")

// serverState owns all sessions, tunnels and in-flight connections. Tunnels
// are owned here and referenced elsewhere by port or connection id only.
type serverState struct {
	cfg     Config
	allowed ports.Allowlist
	tokens  map[string]bool
	mirror  StateMirror
	limiter *ratelimit.ConnLimiter
	start   time.Time

	mu       sync.Mutex
	sessions map[string]*clientSession
	tunnels  map[int]*tunnel // remote port -> tunnel
	byConn   map[string]*tunnel
	closing  bool
	ready    bool

	totalEstablished int64
	timeouts         int64
}

func newServerState(cfg Config, allowed ports.Allowlist, mirror StateMirror, limiter *ratelimit.ConnLimiter) *serverState {
	tokens := make(map[string]bool)
	for _, t := range splitList(cfg.AuthTokens) {
		tokens[t] = true
	}
	return &serverState{
		cfg:      cfg,
		allowed:  allowed,
		tokens:   tokens,
		mirror:   mirror,
		limiter:  limiter,
		start:    time.Now(),
		sessions: make(map[string]*clientSession),
		tunnels:  make(map[int]*tunnel),
		byConn:   make(map[string]*tunnel),
	}
}

// tokenOK compares against the configured allowlist; an empty list accepts
// everything (warned about at startup).
func (s *serverState) tokenOK(token string) bool {
	if len(s.tokens) == 0 {
		return true
	}
	return s.tokens[token]
}

func (s *serverState) addSession(sess *clientSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errShuttingDown
	}
	s.sessions[sess.id] = sess
	obs.ActiveClients.Set(float64(len(s.sessions)))
	return nil
}

// dropSession removes the session and tears down every tunnel it owns. A
// failing tunnel never blocks the rest.
func (s *serverState) dropSession(sess *clientSession) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	obs.ActiveClients.Set(float64(len(s.sessions)))
	var owned []*tunnel
	for _, t := range s.tunnels {
		if t.owner == sess {
			owned = append(owned, t)
		}
	}
	s.mu.Unlock()
	for _, t := range owned {
		s.teardownTunnel(t, "client disconnected")
	}
	if s.limiter != nil {
		s.limiter.Forget(sess.id)
	}
	s.mirror.ClientDown(sess.id)
}

// registerTunnel validates the spec, reserves the port and binds the public
// listener, retrying over TIME_WAIT. The caller starts the accept loop.
func (s *serverState) registerTunnel(sess *clientSession, spec proto.TunnelSpec) (*tunnel, error) {
	if !s.allowed.Allows(spec.RemotePort) {
		return nil, fmt.Errorf("port %d not in allowed list", spec.RemotePort)
	}
	t := newTunnel(spec, sess)
	// reserve the slot before the (slow, retrying) bind so a second register
	// for the same port fails fast. A port still held by a teardown in
	// progress gets the same patience as the TIME_WAIT bind retry.
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return nil, errShuttingDown
		}
		existing, exists := s.tunnels[spec.RemotePort]
		if !exists {
			s.tunnels[spec.RemotePort] = t
			s.mu.Unlock()
			break
		}
		existing.mu.Lock()
		inTeardown := existing.closed
		existing.mu.Unlock()
		s.mu.Unlock()
		if !inTeardown || attempt >= bindRetries {
			return nil, fmt.Errorf("port %d already registered", spec.RemotePort)
		}
		time.Sleep(bindRetryDelay)
	}

	ln, err := bindWithRetry(net.JoinHostPort(s.cfg.Host, strconv.Itoa(spec.RemotePort)))
	if err != nil {
		s.mu.Lock()
		delete(s.tunnels, spec.RemotePort)
		s.mu.Unlock()
		return nil, err
	}
	t.listener = ln
	obs.ActiveTunnels.Set(float64(s.tunnelCount()))
	s.mirror.TunnelUp(sess.id, spec)
	obs.Info("tunnel.registered", obs.Fields{"port": spec.RemotePort, "name": spec.Name, "client": sess.id})
	return t, nil
}

// bindWithRetry retries only the in-use error class; the port may still sit
// in TIME_WAIT from a previous incarnation of this same server.
func bindWithRetry(addr string) (net.Listener, error) {
	var err error
	for attempt := 0; attempt <= bindRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bindRetryDelay)
		}
		var ln net.Listener
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		obs.Debug("bind.retry", obs.Fields{"addr": addr, "attempt": attempt, "err": err.Error()})
	}
	return nil, err
}

// teardownTunnel destroys every connection the tunnel holds, closes its
// listener and, after a grace delay for the OS to release the address, frees
// the port for re-registration. Idempotent.
func (s *serverState) teardownTunnel(t *tunnel, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	active := t.active
	incoming := t.incoming
	t.pending = make(map[string]*pendingConn)
	t.active = make(map[string]*connPair)
	t.incoming = make(map[net.Conn]struct{})
	t.mu.Unlock()

	for id, pair := range active {
		pair.closeBoth()
		delete(incoming, pair.ext)
		s.forgetConn(id)
		t.conns.Add(-1)
		obs.ActiveConnections.Dec()
	}
	for id, p := range pending {
		p.timer.Stop()
		_ = p.ext.Close()
		delete(incoming, p.ext)
		s.forgetConn(id)
		t.conns.Add(-1)
		obs.PendingConnections.Dec()
	}
	// anything accepted but not yet in a table
	for c := range incoming {
		_ = c.Close()
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			obs.Error("tunnel.listener_close", obs.Fields{"port": t.spec.RemotePort, "err": err.Error()})
		}
	}
	// let the OS release the bound address before the port becomes reusable
	time.Sleep(teardownDelay)

	s.mu.Lock()
	if s.tunnels[t.spec.RemotePort] == t {
		delete(s.tunnels, t.spec.RemotePort)
	}
	s.mu.Unlock()
	obs.ActiveTunnels.Set(float64(s.tunnelCount()))
	s.mirror.TunnelDown(t.spec.RemotePort)
	obs.Info("tunnel.closed", obs.Fields{"port": t.spec.RemotePort, "reason": reason, "established": t.established.Load()})
}

// newPending records an accepted external socket and arms its deadline. The
// index entry and the armed timer are visible together with the pending
// entry, so a fast data channel can never observe a half-built record.
func (s *serverState) newPending(t *tunnel, ext net.Conn) (*pendingConn, error) {
	p := &pendingConn{id: uuid.NewString(), ext: ext, created: time.Now()}
	s.mu.Lock()
	s.byConn[p.id] = t
	s.mu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.forgetConn(p.id)
		return nil, errors.New("tunnel closed")
	}
	t.pending[p.id] = p
	p.timer = time.AfterFunc(s.cfg.ConnectionTimeout, func() { s.expirePending(p.id) })
	t.conns.Add(1)
	t.mu.Unlock()
	obs.PendingConnections.Inc()
	return p, nil
}

// expirePending fires from the deadline timer: the client never produced a
// data channel, so the external socket is destroyed.
func (s *serverState) expirePending(id string) {
	t := s.lookupConn(id)
	if t == nil {
		return
	}
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		delete(t.incoming, p.ext)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = p.ext.Close()
	s.forgetConn(id)
	t.conns.Add(-1)
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
	obs.PendingConnections.Dec()
	obs.ConnTimeoutTotal.Inc()
	obs.ErrorsTotal.WithLabelValues("rendezvous_timeout").Inc()
	obs.Info("connection.timeout", obs.Fields{"id": id, "port": t.spec.RemotePort})
}

// promote moves a pending connection into the active set once the client's
// data socket arrived. Returns false if the pending entry is gone (deadline
// fired or tunnel torn down).
func (s *serverState) promote(id string, data net.Conn) (*connPair, *tunnel, bool) {
	t := s.lookupConn(id)
	if t == nil {
		return nil, nil, false
	}
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return nil, nil, false
	}
	delete(t.pending, id)
	pair := &connPair{id: id, ext: p.ext, data: data, startedAt: time.Now()}
	t.active[id] = pair
	t.mu.Unlock()
	p.timer.Stop()
	t.established.Add(1)
	s.mu.Lock()
	s.totalEstablished++
	s.mu.Unlock()
	obs.PendingConnections.Dec()
	obs.ActiveConnections.Inc()
	obs.ConnEstablishedTotal.Inc()
	return pair, t, true
}

// cleanupConnection destroys whatever state the connection id still has:
// pending entry, active pair or nothing. Safe to call any number of times
// from any path; the per-tunnel counter is decremented exactly once.
func (s *serverState) cleanupConnection(id, reason string) {
	t := s.lookupConn(id)
	if t == nil {
		return
	}
	t.mu.Lock()
	if p, ok := t.pending[id]; ok {
		delete(t.pending, id)
		delete(t.incoming, p.ext)
		t.mu.Unlock()
		p.timer.Stop()
		_ = p.ext.Close()
		s.forgetConn(id)
		t.conns.Add(-1)
		obs.PendingConnections.Dec()
		obs.Debug("connection.cleanup", obs.Fields{"id": id, "state": "pending", "reason": reason})
		return
	}
	if pair, ok := t.active[id]; ok {
		delete(t.active, id)
		delete(t.incoming, pair.ext)
		t.mu.Unlock()
		pair.closeBoth()
		s.forgetConn(id)
		t.conns.Add(-1)
		obs.ActiveConnections.Dec()
		obs.ConnDurationSeconds.Observe(time.Since(pair.startedAt).Seconds())
		obs.Debug("connection.cleanup", obs.Fields{"id": id, "state": "active", "reason": reason})
		return
	}
	t.mu.Unlock()
}

func (s *serverState) lookupConn(id string) *tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byConn[id]
}

func (s *serverState) forgetConn(id string) {
	s.mu.Lock()
	delete(s.byConn, id)
	s.mu.Unlock()
}

func (s *serverState) tunnelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

func (s *serverState) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *serverState) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

// shutdown closes every session and tears down every tunnel. New sessions and
// registrations are refused from the first line on.
func (s *serverState) shutdown() {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*clientSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	tunnels := make([]*tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	for _, t := range tunnels {
		s.teardownTunnel(t, "server shutdown")
	}
}

// statusFor builds the client-visible status snapshot for one session.
func (s *serverState) statusFor(sess *clientSession) proto.StatusResponse {
	s.mu.Lock()
	var owned []*tunnel
	for _, t := range s.tunnels {
		if t.owner == sess {
			owned = append(owned, t)
		}
	}
	s.mu.Unlock()
	resp := proto.StatusResponse{
		ClientID:  sess.id,
		Uptime:    time.Since(s.start).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, t := range owned {
		resp.Tunnels = append(resp.Tunnels, t.status())
	}
	return resp
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
