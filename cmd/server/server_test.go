package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/portshow/internal/ports"
	"github.com/matst80/portshow/internal/proto"
	"github.com/matst80/portshow/internal/relay"
)

// testEnv runs a full server (control, data, public) on loopback ports.
type testEnv struct {
	t      *testing.T
	state  *serverState
	srv    *http.Server
	ctrlLn net.Listener
	dataLn net.Listener
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	c := Config{
		Host:              "127.0.0.1",
		ConnectionTimeout: 2 * time.Second,
		PingInterval:      15 * time.Second,
		PingTimeout:       30 * time.Second,
	}
	if mutate != nil {
		mutate(&c)
	}
	allowed, err := ports.ParseAllowlist(c.AllowedPorts)
	if err != nil {
		t.Fatalf("allowlist: %v", err)
	}
	state := newServerState(c, allowed, noopMirror{}, nil)

	ctrlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("control listen: %v", err)
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("data listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/control", state.controlHandler)
	srv := &http.Server{Handler: mux}
	go srv.Serve(ctrlLn)
	ctx, cancel := context.WithCancel(context.Background())
	go state.acceptData(ctx, dataLn)
	state.setReady(true)

	env := &testEnv{t: t, state: state, srv: srv, ctrlLn: ctrlLn, dataLn: dataLn, cancel: cancel}
	t.Cleanup(env.stop)
	return env
}

func (e *testEnv) stop() {
	e.cancel()
	_ = e.srv.Close()
	e.state.shutdown()
	_ = e.dataLn.Close()
}

func (e *testEnv) controlURL() string {
	return "ws://" + e.ctrlLn.Addr().String() + "/control"
}

func (e *testEnv) dataAddr() string {
	return e.dataLn.Addr().String()
}

func (e *testEnv) tunnel(port int) *tunnel {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.tunnels[port]
}

// testClient is a minimal protocol client for driving the server.
type testClient struct {
	t  *testing.T
	ch *proto.Channel
}

// dialClient connects and authenticates, returning the client and the reply
// to the auth frame.
func (e *testEnv) dialClient(token string) (*testClient, any) {
	e.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.controlURL(), nil)
	if err != nil {
		e.t.Fatalf("dial control: %v", err)
	}
	ch := proto.NewChannel(conn)
	if err := ch.Write(proto.Auth{Token: token}); err != nil {
		e.t.Fatalf("write auth: %v", err)
	}
	_ = ch.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := ch.Read()
	if err != nil {
		e.t.Fatalf("read auth reply: %v", err)
	}
	_ = ch.SetReadDeadline(time.Time{})
	c := &testClient{t: e.t, ch: ch}
	e.t.Cleanup(func() { ch.Close() })
	return c, reply
}

// register sends register_tunnels and collects one result frame per spec.
func (c *testClient) register(specs ...proto.TunnelSpec) []any {
	c.t.Helper()
	if err := c.ch.Write(proto.RegisterTunnels{Tunnels: specs}); err != nil {
		c.t.Fatalf("write register: %v", err)
	}
	var results []any
	_ = c.ch.SetReadDeadline(time.Now().Add(15 * time.Second))
	for len(results) < len(specs) {
		msg, err := c.ch.Read()
		if err != nil {
			c.t.Fatalf("read register result: %v", err)
		}
		switch m := msg.(type) {
		case proto.TunnelRegistered, proto.TunnelFailed:
			results = append(results, m)
		case proto.Ping:
			_ = c.ch.Write(proto.Pong{})
		default:
			c.t.Fatalf("unexpected frame during registration: %T", m)
		}
	}
	_ = c.ch.SetReadDeadline(time.Time{})
	return results
}

// serveTunnels answers new_connection requests by dialing the data port and
// the given local service, like the real client does.
func (c *testClient) serveTunnels(env *testEnv, localAddr string) {
	go func() {
		for {
			msg, err := c.ch.Read()
			if err != nil {
				return
			}
			switch m := msg.(type) {
			case proto.NewConnection:
				go func() {
					data, err := net.Dial("tcp", env.dataAddr())
					if err != nil {
						return
					}
					frame, _ := proto.Encode(proto.ConnectionReady{ConnectionID: m.ConnectionID})
					if _, err := data.Write(append(frame, '\n')); err != nil {
						data.Close()
						return
					}
					local, err := net.Dial("tcp", localAddr)
					if err != nil {
						data.Close()
						return
					}
					relay.Splice(data, local)
				}()
			case proto.Ping:
				_ = c.ch.Write(proto.Pong{})
			}
		}
	}()
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAuthWrongToken(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuthTokens = "secret" })
	_, reply := env.dialClient("wrong")
	failed, ok := reply.(proto.AuthFailed)
	if !ok {
		t.Fatalf("expected auth_failed, got %T", reply)
	}
	if failed.Reason == "" {
		t.Error("expected a reason")
	}
	if env.state.tunnelCount() != 0 {
		t.Error("no tunnel should exist")
	}
}

func TestAuthEmptyTokenListAcceptsAll(t *testing.T) {
	env := newTestEnv(t, nil)
	_, reply := env.dialClient("anything")
	success, ok := reply.(proto.AuthSuccess)
	if !ok {
		t.Fatalf("expected auth_success, got %T", reply)
	}
	if success.ClientID == "" {
		t.Error("expected a client id")
	}
}

func TestPreAuthFrameClosesChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(env.controlURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch := proto.NewChannel(conn)
	defer ch.Close()
	if err := ch.Write(proto.Ping{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ch.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := ch.Read(); err == nil {
		t.Fatal("expected the server to close a pre-auth non-auth channel")
	}
}

func TestEndToEndEcho(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuthTokens = "secret" })
	echoAddr := startEcho(t)
	remotePort := freePort(t)

	c, reply := env.dialClient("secret")
	if _, ok := reply.(proto.AuthSuccess); !ok {
		t.Fatalf("auth failed: %#v", reply)
	}
	results := c.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 9999, Name: "echo", Protocol: "tcp"})
	if _, ok := results[0].(proto.TunnelRegistered); !ok {
		t.Fatalf("expected tunnel_registered, got %#v", results[0])
	}
	c.serveTunnels(env, echoAddr)

	ext, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	if _, err := ext.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	ext.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(ext, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
	ext.Close()

	tn := env.tunnel(remotePort)
	if tn == nil {
		t.Fatal("tunnel missing from registry")
	}
	eventually(t, 5*time.Second, func() bool {
		return tn.conns.Load() == 0 && tn.bytesIn.Load() == 5 && tn.bytesOut.Load() == 5
	}, "expected counters to settle at 5 bytes each way and zero connections")
	if tn.established.Load() != 1 {
		t.Errorf("established = %d, want 1", tn.established.Load())
	}
}

func TestRegisterDeniedByAllowlist(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AllowedPorts = "40000-40010" })
	c, _ := env.dialClient("")
	results := c.register(proto.TunnelSpec{RemotePort: 39999, LocalPort: 80, Name: "nope"})
	failed, ok := results[0].(proto.TunnelFailed)
	if !ok {
		t.Fatalf("expected tunnel_failed, got %#v", results[0])
	}
	if !strings.Contains(failed.Error, "not in allowed list") {
		t.Errorf("unexpected error: %s", failed.Error)
	}
}

func TestRegisterDuplicatePort(t *testing.T) {
	env := newTestEnv(t, nil)
	remotePort := freePort(t)

	a, _ := env.dialClient("")
	if _, ok := a.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 80, Name: "a"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("first registration should succeed")
	}
	b, _ := env.dialClient("")
	failed, ok := b.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 81, Name: "b"})[0].(proto.TunnelFailed)
	if !ok {
		t.Fatal("second registration of the same port should fail")
	}
	if !strings.Contains(failed.Error, "already registered") {
		t.Errorf("unexpected error: %s", failed.Error)
	}
	if env.state.tunnelCount() != 1 {
		t.Errorf("tunnel count = %d, want 1", env.state.tunnelCount())
	}
}

func TestRegisterPortInUseRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	remotePort := freePort(t)
	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		t.Fatalf("blocker listen: %v", err)
	}

	c, _ := env.dialClient("")

	// held for the whole retry window: registration fails after the retries
	start := time.Now()
	failed, ok := c.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 80, Name: "busy"})[0].(proto.TunnelFailed)
	if !ok {
		t.Fatal("expected tunnel_failed while the port is held")
	}
	if elapsed := time.Since(start); elapsed < 3*bindRetryDelay {
		t.Errorf("retries finished too fast: %s", elapsed)
	}
	if !strings.Contains(failed.Error, "address already in use") {
		t.Errorf("unexpected error: %s", failed.Error)
	}

	// released mid-retry: registration succeeds within one retry cycle
	go func() {
		time.Sleep(400 * time.Millisecond)
		blocker.Close()
	}()
	if _, ok := c.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 80, Name: "busy"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("expected registration to succeed once the port was released")
	}
}

func TestPendingTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ConnectionTimeout = 300 * time.Millisecond })
	remotePort := freePort(t)

	c, _ := env.dialClient("")
	if _, ok := c.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 80, Name: "mute"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("registration failed")
	}
	// a client that never answers new_connection
	go func() {
		for {
			if _, err := c.ch.Read(); err != nil {
				return
			}
		}
	}()

	ext, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer ext.Close()
	ext.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ext.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the external socket to be closed by the deadline")
	}
	tn := env.tunnel(remotePort)
	eventually(t, 2*time.Second, func() bool { return tn.conns.Load() == 0 }, "pending connection leaked")
	tn.mu.Lock()
	pendingLeft := len(tn.pending)
	tn.mu.Unlock()
	if pendingLeft != 0 {
		t.Errorf("pending table not empty: %d", pendingLeft)
	}
}

func TestCleanupConnectionIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	remotePort := freePort(t)
	sess := &clientSession{id: "test", done: make(chan struct{})}
	tn, err := env.state.registerTunnel(sess, proto.TunnelSpec{RemotePort: remotePort, LocalPort: 80, Name: "x"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	a, b := net.Pipe()
	defer b.Close()
	p, err := env.state.newPending(tn, a)
	if err != nil {
		t.Fatalf("newPending: %v", err)
	}
	if tn.conns.Load() != 1 {
		t.Fatalf("conns = %d, want 1", tn.conns.Load())
	}
	env.state.cleanupConnection(p.id, "test")
	env.state.cleanupConnection(p.id, "test")
	if tn.conns.Load() != 0 {
		t.Errorf("conns = %d after double cleanup, want 0", tn.conns.Load())
	}
	if env.state.lookupConn(p.id) != nil {
		t.Error("connection index entry leaked")
	}
	env.state.teardownTunnel(tn, "test done")
}

func TestClientDisconnectFreesPort(t *testing.T) {
	env := newTestEnv(t, nil)
	remotePort := freePort(t)

	a, _ := env.dialClient("")
	if _, ok := a.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 80, Name: "a"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("first registration failed")
	}
	a.ch.Close()
	time.Sleep(200 * time.Millisecond)

	// the same port must be registerable again; the registration retry loop
	// plus the post-teardown delay absorb the race with cleanup
	b, _ := env.dialClient("")
	if _, ok := b.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 81, Name: "b"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("port was not re-bindable after client disconnect")
	}
}

func TestStatusResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	remotePort := freePort(t)
	c, _ := env.dialClient("")
	if _, ok := c.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 8080, Name: "web"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("registration failed")
	}
	if err := c.ch.Write(proto.StatusRequest{}); err != nil {
		t.Fatalf("write status_request: %v", err)
	}
	_ = c.ch.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := c.ch.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		st, ok := msg.(proto.StatusResponse)
		if !ok {
			continue
		}
		if len(st.Tunnels) != 1 || st.Tunnels[0].RemotePort != remotePort {
			t.Fatalf("unexpected status: %+v", st)
		}
		if st.ClientID == "" || st.Timestamp == "" {
			t.Error("missing status metadata")
		}
		return
	}
}

func TestConcurrentConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	echoAddr := startEcho(t)
	remotePort := freePort(t)

	c, _ := env.dialClient("")
	if _, ok := c.register(proto.TunnelSpec{RemotePort: remotePort, LocalPort: 9999, Name: "echo"})[0].(proto.TunnelRegistered); !ok {
		t.Fatal("registration failed")
	}
	c.serveTunnels(env, echoAddr)

	const n = 20
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ext, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
			if err != nil {
				errs <- err
				return
			}
			defer ext.Close()
			if _, err := ext.Write(payload); err != nil {
				errs <- err
				return
			}
			got := make([]byte, len(payload))
			ext.SetReadDeadline(time.Now().Add(10 * time.Second))
			if _, err := io.ReadFull(ext, got); err != nil {
				errs <- err
				return
			}
			for j := range got {
				if got[j] != payload[j] {
					errs <- fmt.Errorf("byte %d mismatch", j)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("connection failed: %v", err)
	}
	tn := env.tunnel(remotePort)
	eventually(t, 5*time.Second, func() bool { return tn.conns.Load() == 0 }, "connections leaked")
	if tn.established.Load() != n {
		t.Errorf("established = %d, want %d", tn.established.Load(), n)
	}
}
