package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients        = promauto.NewGauge(prometheus.GaugeOpts{Name: "portshow_active_clients", Help: "Currently authenticated clients"})
	ActiveTunnels        = promauto.NewGauge(prometheus.GaugeOpts{Name: "portshow_active_tunnels", Help: "Currently bound public tunnel ports"})
	PendingConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "portshow_pending_connections", Help: "External connections awaiting a data channel"})
	ActiveConnections    = promauto.NewGauge(prometheus.GaugeOpts{Name: "portshow_active_connections", Help: "Spliced external/data connection pairs"})
	ConnEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "portshow_connections_established_total", Help: "Connection pairs established"})
	ConnTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "portshow_connections_timeout_total", Help: "External connections dropped before the client answered"})
	BytesTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portshow_bytes_total", Help: "Tunneled bytes by direction"}, []string{"direction"})
	ErrorsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portshow_errors_total", Help: "Errors by type"}, []string{"type"})
	ConnDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portshow_connection_duration_seconds", Help: "Connection pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
