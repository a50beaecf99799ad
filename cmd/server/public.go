package main

import (
	"net"

	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/proto"
)

// acceptPublic runs one tunnel's accept loop until its listener closes.
func (s *serverState) acceptPublic(t *tunnel) {
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.public.timeout", obs.Fields{"port": t.spec.RemotePort, "err": err.Error()})
				continue
			}
			// listener closed by teardown
			return
		}
		go s.handlePublicConn(t, c)
	}
}

// handlePublicConn starts the rendezvous for one accepted external socket:
// record it as pending and ask the owning client for a data channel. The
// pending deadline timer takes it from there.
func (s *serverState) handlePublicConn(t *tunnel, c net.Conn) {
	if s.limiter != nil && !s.limiter.Allow(t.owner.id) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		obs.Debug("public.rate_limited", obs.Fields{"port": t.spec.RemotePort, "remote": c.RemoteAddr().String()})
		_ = c.Close()
		return
	}
	if !t.addIncoming(c) {
		_ = c.Close()
		return
	}
	p, err := s.newPending(t, c)
	if err != nil {
		t.dropIncoming(c)
		_ = c.Close()
		return
	}
	obs.Debug("public.accepted", obs.Fields{"id": p.id, "port": t.spec.RemotePort, "remote": c.RemoteAddr().String()})
	msg := proto.NewConnection{
		ConnectionID:  p.id,
		RemotePort:    t.spec.RemotePort,
		ClientAddress: c.RemoteAddr().String(),
	}
	if err := t.owner.channel.Write(msg); err != nil {
		obs.Error("public.notify", obs.Fields{"id": p.id, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("notify").Inc()
		s.cleanupConnection(p.id, "control channel closed")
	}
}
