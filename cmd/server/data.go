package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/proto"
	"github.com/matst80/portshow/internal/relay"
)

// acceptData accepts data channels dialed back by clients on the data port.
func (s *serverState) acceptData(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.data.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go s.handleDataConn(c)
	}
}

// handleDataConn reads the connection_ready handshake line, correlates it
// with a pending external socket and splices the pair.
func (s *serverState) handleDataConn(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
	rd := bufio.NewReader(c)
	line, err := rd.ReadBytes('\n')
	if err != nil {
		obs.Error("data.handshake.read", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("data_read").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	msg, err := proto.Decode(line)
	if err != nil {
		obs.Error("data.handshake.decode", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("data_decode").Inc()
		_ = c.Close()
		return
	}
	ready, ok := msg.(proto.ConnectionReady)
	if !ok {
		obs.Error("data.handshake.type", obs.Fields{"remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("data_handshake").Inc()
		_ = c.Close()
		return
	}
	// bytes the client wrote after its handshake line may already be buffered
	data := &bufferedConn{Conn: c, rd: rd}
	pair, t, ok := s.promote(ready.ConnectionID, data)
	if !ok {
		obs.Error("data.no_pending", obs.Fields{"id": ready.ConnectionID})
		obs.ErrorsTotal.WithLabelValues("no_pending").Inc()
		_ = c.Close()
		return
	}
	obs.Info("connection.established", obs.Fields{"id": pair.id, "port": t.spec.RemotePort})
	s.runPair(t, pair)
}

// runPair splices the external and data sockets until both directions finish,
// then cleans the pair up and tells the owning client.
func (s *serverState) runPair(t *tunnel, pair *connPair) {
	in, out := relay.Splice(pair.ext, pair.data)
	t.bytesIn.Add(in)
	t.bytesOut.Add(out)
	obs.BytesTotal.WithLabelValues("in").Add(float64(in))
	obs.BytesTotal.WithLabelValues("out").Add(float64(out))
	s.cleanupConnection(pair.id, "closed")
	_ = t.owner.channel.Write(proto.ConnectionClosed{ConnectionID: pair.id, Reason: "closed"})
	obs.Info("connection.closed", obs.Fields{
		"id":       pair.id,
		"port":     t.spec.RemotePort,
		"in":       sizestr.ToString(in),
		"out":      sizestr.ToString(out),
		"duration": time.Since(pair.startedAt).String(),
	})
}

// bufferedConn replays bytes the handshake reader buffered past the newline.
type bufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.rd.Read(p)
}

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("close write unsupported")
}
