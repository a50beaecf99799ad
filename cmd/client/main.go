package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/ports"
	"github.com/matst80/portshow/internal/proto"
)

func main() {
	flag.Parse()
	if err := applyConfigFile(); err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	specs, err := ports.ParseTunnelSpecs(cfg.Tunnels)
	if err != nil {
		obs.Error("config.tunnels", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("client.start", obs.Fields{
		"server":  net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort)),
		"tunnels": cfg.Tunnels,
	})

	b := &backoff.Backoff{Min: cfg.ReconnectDelay, Max: time.Minute, Factor: 2, Jitter: true}
	attempts := 0
	for {
		authed, err := runOnce(ctx, specs)
		if ctx.Err() != nil {
			obs.Info("client.stopped", obs.Fields{})
			return
		}
		if err != nil {
			obs.Error("control.session", obs.Fields{"err": err.Error()})
		}
		if authed {
			b.Reset()
			attempts = 0
		}
		attempts++
		if attempts >= cfg.ReconnectAttempts {
			obs.Error("client.giving_up", obs.Fields{"attempts": attempts})
			os.Exit(1)
		}
		d := b.Duration()
		obs.Info("client.reconnect", obs.Fields{"in": d.String(), "attempt": attempts})
		select {
		case <-ctx.Done():
			obs.Info("client.stopped", obs.Fields{})
			return
		case <-time.After(d):
		}
	}
}

// runOnce drives one control session: dial, auth, register, dispatch until
// the channel dies. Reports whether authentication succeeded so the backoff
// can reset.
func runOnce(ctx context.Context, specs []proto.TunnelSpec) (bool, error) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort)), Path: "/control"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return false, err
	}
	c := &client{
		ch:    proto.NewChannel(conn),
		specs: specs,
		conns: make(map[string]*localPair),
	}
	defer c.ch.Close()

	if err := c.ch.Write(proto.Auth{Token: cfg.AuthToken}); err != nil {
		return false, err
	}
	msg, err := c.ch.Read()
	if err != nil {
		return false, err
	}
	switch m := msg.(type) {
	case proto.AuthSuccess:
		c.id = m.ClientID
	case proto.AuthFailed:
		return false, fmt.Errorf("auth failed: %s", m.Reason)
	default:
		return false, fmt.Errorf("unexpected reply %T", m)
	}
	obs.Info("client.authenticated", obs.Fields{"client": c.id})

	// the server forgets everything between sessions; registration is resent
	// on every connect
	if err := c.ch.Write(proto.RegisterTunnels{Tunnels: specs}); err != nil {
		return true, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.ch.Close()
		case <-done:
		}
	}()
	if cfg.StatusInterval > 0 {
		go c.statusLoop(done)
	}
	defer c.closeAll()

	return true, c.dispatch()
}

// dispatch processes control frames strictly in arrival order.
func (c *client) dispatch() error {
	for {
		msg, err := c.ch.Read()
		if err != nil {
			if errors.Is(err, proto.ErrBadMessage) {
				obs.Error("control.bad_frame", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		switch m := msg.(type) {
		case proto.TunnelRegistered:
			obs.Info("tunnel.registered", obs.Fields{"port": m.RemotePort, "local": m.LocalPort, "name": m.Name})
		case proto.TunnelFailed:
			obs.Error("tunnel.failed", obs.Fields{"port": m.RemotePort, "err": m.Error})
		case proto.NewConnection:
			go c.handleNewConnection(m)
		case proto.ConnectionClosed:
			c.closeConn(m.ConnectionID, m.Reason)
		case proto.StatusResponse:
			obs.Info("status", obs.Fields{"tunnels": len(m.Tunnels), "uptime": m.Uptime})
			for _, t := range m.Tunnels {
				obs.Debug("status.tunnel", obs.Fields{"port": t.RemotePort, "active": t.ActiveConnections, "in": t.BytesIn, "out": t.BytesOut})
			}
		case proto.Ping:
			if err := c.ch.Write(proto.Pong{}); err != nil {
				return err
			}
		case proto.Pong:
			// ignore
		default:
			obs.Error("control.unexpected", obs.Fields{"type": fmt.Sprintf("%T", m)})
		}
	}
}

func (c *client) statusLoop(done <-chan struct{}) {
	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ch.Write(proto.StatusRequest{}); err != nil {
				return
			}
		}
	}
}
