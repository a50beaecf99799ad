package main

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/proto"
	"github.com/matst80/portshow/internal/relay"
)

// client is one control session plus its live data connections.
type client struct {
	id    string
	ch    *proto.Channel
	specs []proto.TunnelSpec

	mu    sync.Mutex
	conns map[string]*localPair
}

// localPair is one spliced data/local-service socket pair on the client side.
type localPair struct {
	id    string
	data  net.Conn
	local net.Conn

	closeOnce sync.Once
}

func (p *localPair) closeBoth() {
	p.closeOnce.Do(func() {
		_ = p.data.Close()
		_ = p.local.Close()
	})
}

// handleNewConnection answers the server's rendezvous request: dial the local
// service, dial the server's data port, send the handshake and splice. Any
// failure is reported back as connection_closed and never leaves the pair
// half-open.
func (c *client) handleNewConnection(m proto.NewConnection) {
	spec, ok := c.specFor(m.RemotePort)
	if !ok {
		obs.Error("tunnel.unknown_port", obs.Fields{"id": m.ConnectionID, "port": m.RemotePort})
		c.reportClosed(m.ConnectionID, fmt.Sprintf("no tunnel for port %d", m.RemotePort))
		return
	}
	obs.Debug("connection.request", obs.Fields{"id": m.ConnectionID, "port": m.RemotePort, "from": m.ClientAddress})

	localAddr := net.JoinHostPort(cfg.LocalHost, strconv.Itoa(spec.LocalPort))
	local, err := net.DialTimeout("tcp", localAddr, cfg.ConnectionTimeout)
	if err != nil {
		obs.Error("local.dial", obs.Fields{"id": m.ConnectionID, "addr": localAddr, "err": err.Error()})
		c.reportClosed(m.ConnectionID, fmt.Sprintf("local service unavailable: %v", err))
		return
	}

	dataAddr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.DataPort))
	data, err := net.DialTimeout("tcp", dataAddr, cfg.ConnectionTimeout)
	if err != nil {
		obs.Error("data.dial", obs.Fields{"id": m.ConnectionID, "addr": dataAddr, "err": err.Error()})
		_ = local.Close()
		c.reportClosed(m.ConnectionID, fmt.Sprintf("data dial failed: %v", err))
		return
	}
	if err := writeHandshake(data, m.ConnectionID); err != nil {
		obs.Error("data.handshake", obs.Fields{"id": m.ConnectionID, "err": err.Error()})
		_ = local.Close()
		_ = data.Close()
		c.reportClosed(m.ConnectionID, "data handshake failed")
		return
	}

	pair := &localPair{id: m.ConnectionID, data: data, local: local}
	c.mu.Lock()
	c.conns[m.ConnectionID] = pair
	c.mu.Unlock()

	start := time.Now()
	sent, received := relay.Splice(data, local)
	c.mu.Lock()
	delete(c.conns, m.ConnectionID)
	c.mu.Unlock()
	pair.closeBoth()
	c.reportClosed(m.ConnectionID, "closed")
	obs.Info("connection.closed", obs.Fields{
		"id":       m.ConnectionID,
		"port":     m.RemotePort,
		"sent":     sizestr.ToString(sent),
		"received": sizestr.ToString(received),
		"duration": time.Since(start).String(),
	})
}

// writeHandshake sends the connection_ready frame as one JSON line on the
// data socket; the server correlates it against its pending table.
func writeHandshake(data net.Conn, connectionID string) error {
	localPort := 0
	if addr, ok := data.LocalAddr().(*net.TCPAddr); ok {
		localPort = addr.Port
	}
	frame, err := proto.Encode(proto.ConnectionReady{ConnectionID: connectionID, DataPort: localPort})
	if err != nil {
		return err
	}
	_, err = data.Write(append(frame, '\n'))
	return err
}

// closeConn destroys one pair on server request. Idempotent.
func (c *client) closeConn(id, reason string) {
	c.mu.Lock()
	pair, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	pair.closeBoth()
	obs.Debug("connection.remote_close", obs.Fields{"id": id, "reason": reason})
}

// closeAll tears down every live pair when the control session ends.
func (c *client) closeAll() {
	c.mu.Lock()
	pairs := make([]*localPair, 0, len(c.conns))
	for _, p := range c.conns {
		pairs = append(pairs, p)
	}
	c.conns = make(map[string]*localPair)
	c.mu.Unlock()
	for _, p := range pairs {
		p.closeBoth()
	}
}

func (c *client) specFor(remotePort int) (proto.TunnelSpec, bool) {
	for _, s := range c.specs {
		if s.RemotePort == remotePort {
			return s, true
		}
	}
	return proto.TunnelSpec{}, false
}

// reportClosed tells the server one connection is gone; best effort, the
// channel may already be down.
func (c *client) reportClosed(id, reason string) {
	_ = c.ch.Write(proto.ConnectionClosed{ConnectionID: id, Reason: reason})
}
