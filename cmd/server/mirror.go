package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/proto"
	"github.com/redis/go-redis/v9"
)

// StateMirror publishes session and tunnel metadata for external dashboards.
// The authoritative state (sockets, listeners, pending table) always lives in
// serverState; mirror failures must never affect tunnel operation.
type StateMirror interface {
	ClientUp(clientID, remoteAddr string)
	ClientDown(clientID string)
	TunnelUp(clientID string, spec proto.TunnelSpec)
	TunnelDown(remotePort int)
	StartMaintenance(ctx context.Context)
}

// newStateMirror creates the Redis-backed mirror, or a no-op when no address
// is configured.
func newStateMirror(addr, password string, db int) (StateMirror, error) {
	if addr == "" {
		obs.Info("mirror.backend", obs.Fields{"type": "none"})
		return noopMirror{}, nil
	}
	obs.Info("mirror.backend", obs.Fields{"type": "redis", "addr": addr})
	return newRedisMirror(addr, password, db)
}

type noopMirror struct{}

func (noopMirror) ClientUp(string, string)           {}
func (noopMirror) ClientDown(string)                 {}
func (noopMirror) TunnelUp(string, proto.TunnelSpec) {}
func (noopMirror) TunnelDown(int)                    {}
func (noopMirror) StartMaintenance(context.Context)  {}

// clientRecord is the JSON form stored under portshow:client:<id>.
type clientRecord struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Instance   string    `json:"instance"`
	LastSeen   time.Time `json:"last_seen"`
}

// tunnelRecord is the JSON form stored under portshow:tunnel:<port>.
type tunnelRecord struct {
	RemotePort int    `json:"remote_port"`
	LocalPort  int    `json:"local_port"`
	Name       string `json:"name"`
	ClientID   string `json:"client_id"`
	Instance   string `json:"instance"`
}

// redisMirror keeps live session/tunnel records in Redis with a TTL that is
// refreshed by a heartbeat, so records from a dead instance age out.
type redisMirror struct {
	client     *redis.Client
	instanceID string

	mu      sync.Mutex
	clients map[string]string // clientID -> remoteAddr
	tunnels map[int]tunnelRecord

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func newRedisMirror(addr, password string, db int) (*redisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisMirror{
		client:            rdb,
		instanceID:        fmt.Sprintf("portshow-%d", time.Now().UnixNano()),
		clients:           make(map[string]string),
		tunnels:           make(map[int]tunnelRecord),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

var _ StateMirror = (*redisMirror)(nil)

func (r *redisMirror) ClientUp(clientID, remoteAddr string) {
	r.mu.Lock()
	r.clients[clientID] = remoteAddr
	r.mu.Unlock()
	r.writeClient(clientID, remoteAddr)
}

func (r *redisMirror) ClientDown(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
	ctx := context.Background()
	if err := r.client.Del(ctx, "portshow:client:"+clientID).Err(); err != nil {
		obs.Error("mirror.client_down", obs.Fields{"err": err.Error(), "client": clientID})
	}
}

func (r *redisMirror) TunnelUp(clientID string, spec proto.TunnelSpec) {
	rec := tunnelRecord{
		RemotePort: spec.RemotePort,
		LocalPort:  spec.LocalPort,
		Name:       spec.Name,
		ClientID:   clientID,
		Instance:   r.instanceID,
	}
	r.mu.Lock()
	r.tunnels[spec.RemotePort] = rec
	r.mu.Unlock()
	r.writeTunnel(rec)
}

func (r *redisMirror) TunnelDown(remotePort int) {
	r.mu.Lock()
	delete(r.tunnels, remotePort)
	r.mu.Unlock()
	ctx := context.Background()
	if err := r.client.Del(ctx, "portshow:tunnel:"+strconv.Itoa(remotePort)).Err(); err != nil {
		obs.Error("mirror.tunnel_down", obs.Fields{"err": err.Error(), "port": remotePort})
	}
}

// StartMaintenance refreshes record TTLs until ctx is done.
func (r *redisMirror) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *redisMirror) heartbeat() {
	r.mu.Lock()
	clients := make(map[string]string, len(r.clients))
	for id, addr := range r.clients {
		clients[id] = addr
	}
	tunnels := make([]tunnelRecord, 0, len(r.tunnels))
	for _, rec := range r.tunnels {
		tunnels = append(tunnels, rec)
	}
	r.mu.Unlock()
	for id, addr := range clients {
		r.writeClient(id, addr)
	}
	for _, rec := range tunnels {
		r.writeTunnel(rec)
	}
}

func (r *redisMirror) writeClient(clientID, remoteAddr string) {
	data, err := json.Marshal(clientRecord{ID: clientID, RemoteAddr: remoteAddr, Instance: r.instanceID, LastSeen: time.Now()})
	if err != nil {
		obs.Error("mirror.marshal_client", obs.Fields{"err": err.Error(), "client": clientID})
		return
	}
	ctx := context.Background()
	if err := r.client.Set(ctx, "portshow:client:"+clientID, data, r.keyTTL).Err(); err != nil {
		obs.Error("mirror.set_client", obs.Fields{"err": err.Error(), "client": clientID})
	}
}

func (r *redisMirror) writeTunnel(rec tunnelRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		obs.Error("mirror.marshal_tunnel", obs.Fields{"err": err.Error(), "port": rec.RemotePort})
		return
	}
	ctx := context.Background()
	if err := r.client.Set(ctx, "portshow:tunnel:"+strconv.Itoa(rec.RemotePort), data, r.keyTTL).Err(); err != nil {
		obs.Error("mirror.set_tunnel", obs.Fields{"err": err.Error(), "port": rec.RemotePort})
	}
}
