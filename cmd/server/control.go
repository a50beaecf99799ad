package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlHandler upgrades /control requests and runs the session state
// machine: AwaitAuth -> Authenticated -> Closed.
func (s *serverState) controlHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("control.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	s.runSession(proto.NewChannel(conn))
}

func (s *serverState) runSession(ch *proto.Channel) {
	defer ch.Close()

	// AwaitAuth: the first frame must be a valid auth message; anything else
	// closes the channel.
	_ = ch.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	msg, err := ch.Read()
	if err != nil {
		obs.Error("control.auth.read", obs.Fields{"err": err.Error(), "remote": ch.RemoteAddr()})
		obs.ErrorsTotal.WithLabelValues("auth_read").Inc()
		return
	}
	auth, ok := msg.(proto.Auth)
	if !ok {
		obs.Error("control.auth.unexpected", obs.Fields{"remote": ch.RemoteAddr()})
		obs.ErrorsTotal.WithLabelValues("auth_unexpected").Inc()
		return
	}
	if !s.tokenOK(auth.Token) {
		obs.Error("control.auth.token", obs.Fields{"remote": ch.RemoteAddr()})
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		_ = ch.Write(proto.AuthFailed{Reason: "invalid token"})
		return
	}
	_ = ch.SetReadDeadline(time.Time{})

	sess := newClientSession(uuid.NewString(), ch)
	if err := s.addSession(sess); err != nil {
		_ = ch.Write(proto.AuthFailed{Reason: err.Error()})
		return
	}
	if err := ch.Write(proto.AuthSuccess{ClientID: sess.id}); err != nil {
		s.dropSession(sess)
		return
	}
	s.mirror.ClientUp(sess.id, sess.remoteAddr)
	obs.Info("client.authenticated", obs.Fields{"client": sess.id, "remote": sess.remoteAddr})

	go s.keepalive(sess)
	defer sess.close()
	defer s.dropSession(sess)

	// Authenticated: frames are processed strictly in arrival order.
	for {
		msg, err := ch.Read()
		if err != nil {
			if errors.Is(err, proto.ErrBadMessage) {
				sess.touch()
				obs.Error("control.bad_frame", obs.Fields{"client": sess.id, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("bad_frame").Inc()
				continue
			}
			obs.Info("client.disconnected", obs.Fields{"client": sess.id, "err": err.Error()})
			return
		}
		sess.touch()
		switch m := msg.(type) {
		case proto.RegisterTunnels:
			s.handleRegister(sess, m)
		case proto.ConnectionClosed:
			s.cleanupConnection(m.ConnectionID, m.Reason)
		case proto.StatusRequest:
			if err := ch.Write(s.statusFor(sess)); err != nil {
				return
			}
		case proto.Ping:
			if err := ch.Write(proto.Pong{}); err != nil {
				return
			}
		case proto.Pong:
			// touch above is enough
		default:
			obs.Error("control.unexpected", obs.Fields{"client": sess.id, "type": fmt.Sprintf("%T", m)})
			obs.ErrorsTotal.WithLabelValues("unexpected_frame").Inc()
		}
	}
}

// handleRegister binds each requested tunnel and answers one result per spec,
// preserving request order. Partial success is normal.
func (s *serverState) handleRegister(sess *clientSession, m proto.RegisterTunnels) {
	for _, spec := range m.Tunnels {
		t, err := s.registerTunnel(sess, spec)
		if err != nil {
			obs.Error("tunnel.failed", obs.Fields{"port": spec.RemotePort, "client": sess.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("register").Inc()
			_ = sess.channel.Write(proto.TunnelFailed{RemotePort: spec.RemotePort, Error: err.Error()})
			continue
		}
		go s.acceptPublic(t)
		_ = sess.channel.Write(proto.TunnelRegistered{RemotePort: spec.RemotePort, LocalPort: spec.LocalPort, Name: spec.Name})
	}
}

// keepalive pings the client and closes the session when nothing has been
// heard for longer than the ping timeout.
func (s *serverState) keepalive(sess *clientSession) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if sess.sinceLastPing() > s.cfg.PingTimeout {
				obs.Error("client.ping_timeout", obs.Fields{"client": sess.id, "last": sess.sinceLastPing().String()})
				obs.ErrorsTotal.WithLabelValues("ping_timeout").Inc()
				sess.close()
				return
			}
			if err := sess.channel.Write(proto.Ping{}); err != nil {
				sess.close()
				return
			}
		}
	}
}
