package ports

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matst80/portshow/internal/proto"
)

// Allowlist is a set of permitted public ports, given as singletons and
// inclusive min-max ranges. The zero value allows every port.
type Allowlist struct {
	ranges []portRange
}

type portRange struct {
	min, max int
}

// ParseAllowlist parses "80,443,7000-8000". Empty input yields an allowlist
// that permits all ports.
func ParseAllowlist(s string) (Allowlist, error) {
	var al Allowlist
	s = strings.TrimSpace(s)
	if s == "" {
		return al, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		min, max, found := strings.Cut(part, "-")
		lo, err := parsePort(min)
		if err != nil {
			return Allowlist{}, fmt.Errorf("allowlist entry %q: %w", part, err)
		}
		hi := lo
		if found {
			hi, err = parsePort(max)
			if err != nil {
				return Allowlist{}, fmt.Errorf("allowlist entry %q: %w", part, err)
			}
			if hi < lo {
				return Allowlist{}, fmt.Errorf("allowlist entry %q: inverted range", part)
			}
		}
		al.ranges = append(al.ranges, portRange{min: lo, max: hi})
	}
	return al, nil
}

// Allows reports whether port may be bound as a public tunnel port.
func (al Allowlist) Allows(port int) bool {
	if len(al.ranges) == 0 {
		return true
	}
	for _, r := range al.ranges {
		if port >= r.min && port <= r.max {
			return true
		}
	}
	return false
}

// Empty reports whether the allowlist permits everything.
func (al Allowlist) Empty() bool { return len(al.ranges) == 0 }

// ParseTunnelSpecs parses the "remote:local:name" comma-separated form used by
// client configuration, e.g. "3000:9000:web,5432:5432:db".
func ParseTunnelSpecs(s string) ([]proto.TunnelSpec, error) {
	var specs []proto.TunnelSpec
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("tunnel spec %q: want remote:local:name", part)
		}
		remote, err := parsePort(fields[0])
		if err != nil {
			return nil, fmt.Errorf("tunnel spec %q: remote: %w", part, err)
		}
		local, err := parsePort(fields[1])
		if err != nil {
			return nil, fmt.Errorf("tunnel spec %q: local: %w", part, err)
		}
		name := fields[2]
		if name == "" {
			return nil, fmt.Errorf("tunnel spec %q: empty name", part)
		}
		if seen[remote] {
			return nil, fmt.Errorf("tunnel spec %q: duplicate remote port %d", part, remote)
		}
		seen[remote] = true
		specs = append(specs, proto.TunnelSpec{RemotePort: remote, LocalPort: local, Name: name, Protocol: "tcp"})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no tunnel specs in %q", s)
	}
	return specs, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
