package proto

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators carried in the "type" field of every control frame.
const (
	TypeAuth             = "auth"
	TypeAuthSuccess      = "auth_success"
	TypeAuthFailed       = "auth_failed"
	TypeRegisterTunnels  = "register_tunnels"
	TypeTunnelRegistered = "tunnel_registered"
	TypeTunnelFailed     = "tunnel_failed"
	TypeNewConnection    = "new_connection"
	TypeConnectionReady  = "connection_ready"
	TypeConnectionClosed = "connection_closed"
	TypeStatusRequest    = "status_request"
	TypeStatusResponse   = "status_response"
	TypePing             = "ping"
	TypePong             = "pong"
)

// TunnelSpec declares one public-port -> local-port mapping. RemotePort is the
// identity within one client; Name is advisory.
type TunnelSpec struct {
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	Name       string `json:"name"`
	Protocol   string `json:"protocol,omitempty"`
}

func (s TunnelSpec) String() string {
	return fmt.Sprintf("%d:%d:%s", s.RemotePort, s.LocalPort, s.Name)
}

// Auth is the first frame a client sends on the control channel.
type Auth struct {
	Token string `json:"token"`
}

// AuthSuccess server -> client, carries the assigned session id.
type AuthSuccess struct {
	ClientID string `json:"clientId"`
}

// AuthFailed server -> client before the channel is closed.
type AuthFailed struct {
	Reason string `json:"reason"`
}

// RegisterTunnels client -> server, sent after auth and after every reconnect.
type RegisterTunnels struct {
	Tunnels []TunnelSpec `json:"tunnels"`
}

// TunnelRegistered server -> client, one per accepted spec, in request order.
type TunnelRegistered struct {
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	Name       string `json:"name"`
}

// TunnelFailed server -> client, one per rejected spec, in request order.
type TunnelFailed struct {
	RemotePort int    `json:"remotePort"`
	Error      string `json:"error"`
}

// NewConnection server -> client when a public listener accepts an external socket.
type NewConnection struct {
	ConnectionID  string `json:"connectionId"`
	RemotePort    int    `json:"remotePort"`
	ClientAddress string `json:"clientAddress"`
}

// ConnectionReady is the handshake the client writes as the first frame on the
// data socket it dials back to the server. DataPort is the client's local port
// of that socket.
type ConnectionReady struct {
	ConnectionID string `json:"connectionId"`
	DataPort     int    `json:"dataPort,omitempty"`
}

// ConnectionClosed is sent by either side when one connection dies.
type ConnectionClosed struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
}

// StatusRequest client -> server.
type StatusRequest struct{}

// TunnelStatus is one entry in a StatusResponse.
type TunnelStatus struct {
	RemotePort        int    `json:"remotePort"`
	LocalPort         int    `json:"localPort"`
	Name              string `json:"name"`
	ActiveConnections int64  `json:"activeConnections"`
	BytesIn           int64  `json:"bytesIn"`
	BytesOut          int64  `json:"bytesOut"`
}

// StatusResponse server -> client.
type StatusResponse struct {
	ClientID  string         `json:"clientId"`
	Tunnels   []TunnelStatus `json:"tunnels"`
	Uptime    float64        `json:"uptime"`
	Timestamp string         `json:"timestamp"`
}

// Ping and Pong are the keepalive frames, valid in both directions.
type Ping struct{}

type Pong struct{}

type envelope struct {
	Type string `json:"type"`
}

// Encode marshals msg into a single flat JSON frame with its type discriminator.
func Encode(msg any) ([]byte, error) {
	t, err := typeOf(msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return fmt.Appendf(nil, `{"type":%q}`, t), nil
	}
	// splice {"type":...} and the payload object together
	out := fmt.Appendf(nil, `{"type":%q,`, t)
	return append(out, body[1:]...), nil
}

func typeOf(msg any) (string, error) {
	switch msg.(type) {
	case Auth, *Auth:
		return TypeAuth, nil
	case AuthSuccess, *AuthSuccess:
		return TypeAuthSuccess, nil
	case AuthFailed, *AuthFailed:
		return TypeAuthFailed, nil
	case RegisterTunnels, *RegisterTunnels:
		return TypeRegisterTunnels, nil
	case TunnelRegistered, *TunnelRegistered:
		return TypeTunnelRegistered, nil
	case TunnelFailed, *TunnelFailed:
		return TypeTunnelFailed, nil
	case NewConnection, *NewConnection:
		return TypeNewConnection, nil
	case ConnectionReady, *ConnectionReady:
		return TypeConnectionReady, nil
	case ConnectionClosed, *ConnectionClosed:
		return TypeConnectionClosed, nil
	case StatusRequest, *StatusRequest:
		return TypeStatusRequest, nil
	case StatusResponse, *StatusResponse:
		return TypeStatusResponse, nil
	case Ping, *Ping:
		return TypePing, nil
	case Pong, *Pong:
		return TypePong, nil
	}
	return "", fmt.Errorf("proto: unknown message %T", msg)
}

// Decode parses one frame, validates required fields and returns the typed
// message. Unknown JSON fields are ignored; unknown type values are an error.
func Decode(frame []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("proto: bad frame: %w", err)
	}
	switch env.Type {
	case TypeAuth:
		var m Auth
		if err := unmarshalRequired(frame, &m, "token"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAuthSuccess:
		var m AuthSuccess
		if err := unmarshalRequired(frame, &m, "clientId"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAuthFailed:
		var m AuthFailed
		if err := unmarshalRequired(frame, &m, "reason"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeRegisterTunnels:
		var m RegisterTunnels
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		if len(m.Tunnels) == 0 {
			return nil, fmt.Errorf("proto: %s: no tunnels", env.Type)
		}
		for _, t := range m.Tunnels {
			if err := validatePort(t.RemotePort); err != nil {
				return nil, fmt.Errorf("proto: %s: remotePort: %w", env.Type, err)
			}
			if err := validatePort(t.LocalPort); err != nil {
				return nil, fmt.Errorf("proto: %s: localPort: %w", env.Type, err)
			}
			if t.Protocol != "" && t.Protocol != "tcp" {
				return nil, fmt.Errorf("proto: %s: protocol %q not supported", env.Type, t.Protocol)
			}
		}
		return m, nil
	case TypeTunnelRegistered:
		var m TunnelRegistered
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		if err := validatePort(m.RemotePort); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		return m, nil
	case TypeTunnelFailed:
		var m TunnelFailed
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		if err := validatePort(m.RemotePort); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		return m, nil
	case TypeNewConnection:
		var m NewConnection
		if err := unmarshalRequired(frame, &m, "connectionId"); err != nil {
			return nil, err
		}
		if err := validatePort(m.RemotePort); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		return m, nil
	case TypeConnectionReady:
		var m ConnectionReady
		if err := unmarshalRequired(frame, &m, "connectionId"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeConnectionClosed:
		var m ConnectionClosed
		if err := unmarshalRequired(frame, &m, "connectionId"); err != nil {
			return nil, err
		}
		return m, nil
	case TypeStatusRequest:
		return StatusRequest{}, nil
	case TypeStatusResponse:
		var m StatusResponse
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fmt.Errorf("proto: %s: %w", env.Type, err)
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case "":
		return nil, fmt.Errorf("proto: missing type")
	}
	return nil, fmt.Errorf("proto: unknown type %q", env.Type)
}

// unmarshalRequired decodes into m and checks that the named fields were
// actually present on the wire, distinguishing empty from absent.
func unmarshalRequired(frame []byte, m any, fields ...string) error {
	if err := json.Unmarshal(frame, m); err != nil {
		return fmt.Errorf("proto: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return fmt.Errorf("proto: %w", err)
	}
	for _, f := range fields {
		if _, ok := raw[f]; !ok {
			return fmt.Errorf("proto: missing field %q", f)
		}
	}
	return nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}
