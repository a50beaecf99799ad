package proto

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []any{
		Auth{Token: "secret"},
		AuthSuccess{ClientID: "c-1"},
		AuthFailed{Reason: "invalid token"},
		RegisterTunnels{Tunnels: []TunnelSpec{{RemotePort: 3000, LocalPort: 9000, Name: "web", Protocol: "tcp"}}},
		TunnelRegistered{RemotePort: 3000, LocalPort: 9000, Name: "web"},
		TunnelFailed{RemotePort: 3000, Error: "port 3000 already registered"},
		NewConnection{ConnectionID: "id-1", RemotePort: 3000, ClientAddress: "10.0.0.1:54321"},
		ConnectionReady{ConnectionID: "id-1", DataPort: 40001},
		ConnectionClosed{ConnectionID: "id-1", Reason: "closed"},
		StatusRequest{},
		Ping{},
		Pong{},
	}
	for _, msg := range cases {
		frame, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%T): %v", msg, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%T) of %s: %v", msg, frame, err)
		}
		sentType, _ := typeOf(msg)
		gotType, _ := typeOf(got)
		if sentType != gotType {
			t.Errorf("round trip changed type: sent %T got %T", msg, got)
		}
	}
}

func TestDecodeAuthKeepsEmptyToken(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"auth","token":""}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	auth, ok := msg.(Auth)
	if !ok {
		t.Fatalf("expected Auth, got %T", msg)
	}
	if auth.Token != "" {
		t.Errorf("expected empty token, got %q", auth.Token)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"unknown type", `{"type":"subscribe"}`},
		{"missing type", `{"token":"x"}`},
		{"not json", `hello`},
		{"auth missing token", `{"type":"auth"}`},
		{"new_connection missing id", `{"type":"new_connection","remotePort":3000}`},
		{"connection_ready missing id", `{"type":"connection_ready","dataPort":1}`},
		{"register empty", `{"type":"register_tunnels","tunnels":[]}`},
		{"register bad port", `{"type":"register_tunnels","tunnels":[{"remotePort":0,"localPort":80,"name":"x"}]}`},
		{"register high port", `{"type":"register_tunnels","tunnels":[{"remotePort":70000,"localPort":80,"name":"x"}]}`},
		{"register udp", `{"type":"register_tunnels","tunnels":[{"remotePort":53,"localPort":53,"name":"dns","protocol":"udp"}]}`},
		{"tunnel_registered bad port", `{"type":"tunnel_registered","remotePort":-1}`},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.frame)); err == nil {
			t.Errorf("%s: expected error for %s", tc.name, tc.frame)
		}
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"new_connection","connectionId":"abc","remotePort":3000,"clientAddress":"1.2.3.4:5","futureField":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	nc, ok := msg.(NewConnection)
	if !ok {
		t.Fatalf("expected NewConnection, got %T", msg)
	}
	if nc.ConnectionID != "abc" || nc.RemotePort != 3000 {
		t.Errorf("unexpected payload: %+v", nc)
	}
}

func TestEncodeIsFlat(t *testing.T) {
	frame, err := Encode(Auth{Token: "secret"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(frame)
	if !strings.HasPrefix(s, `{"type":"auth",`) || !strings.Contains(s, `"token":"secret"`) {
		t.Errorf("unexpected frame shape: %s", s)
	}
}

func TestTunnelSpecString(t *testing.T) {
	s := TunnelSpec{RemotePort: 3000, LocalPort: 9000, Name: "web"}
	if s.String() != "3000:9000:web" {
		t.Errorf("got %s", s.String())
	}
}
