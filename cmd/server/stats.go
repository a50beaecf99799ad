package main

import (
	"time"

	"github.com/matst80/portshow/internal/proto"
)

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Clients          int                  `json:"clients"`
	Tunnels          int                  `json:"tunnels"`
	Pending          int                  `json:"pending"`
	Active           int                  `json:"active"`
	TotalEstablished int64                `json:"total_established"`
	Timeouts         int64                `json:"timeouts"`
	TunnelRows       []proto.TunnelStatus `json:"tunnel_rows,omitempty"`
	Now              string               `json:"now"`
}

func collectStats(s *serverState) Stats {
	s.mu.Lock()
	st := Stats{
		Clients:          len(s.sessions),
		Tunnels:          len(s.tunnels),
		TotalEstablished: s.totalEstablished,
		Timeouts:         s.timeouts,
		Now:              time.Now().UTC().Format(time.RFC3339),
	}
	tunnels := make([]*tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.mu.Unlock()
	for _, t := range tunnels {
		t.mu.Lock()
		st.Pending += len(t.pending)
		st.Active += len(t.active)
		t.mu.Unlock()
		st.TunnelRows = append(st.TunnelRows, t.status())
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Clients":    s.Clients,
		"Tunnels":    s.Tunnels,
		"Pending":    s.Pending,
		"Active":     s.Active,
		"Total":      s.TotalEstablished,
		"Timeouts":   s.Timeouts,
		"TunnelRows": s.TunnelRows,
	}
}
