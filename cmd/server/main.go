package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matst80/portshow/internal/obs"
	"github.com/matst80/portshow/internal/ports"
	"github.com/matst80/portshow/internal/ratelimit"
	"golang.org/x/sync/errgroup"
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
	allowed, err := ports.ParseAllowlist(cfg.AllowedPorts)
	if err != nil {
		obs.Error("config.allowed_ports", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	if cfg.AuthTokens == "" {
		obs.Warn("auth.open", obs.Fields{"detail": "no auth tokens configured, accepting any client"})
	}

	mirror, err := newStateMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("mirror", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	var limiter *ratelimit.ConnLimiter
	if cfg.ConnRate > 0 || cfg.ConnPerClientRate > 0 {
		limiter = ratelimit.NewConnLimiter(cfg.ConnRate, cfg.ConnPerClientRate, cfg.ConnBurst)
	}
	state := newServerState(cfg, allowed, mirror, limiter)

	obs.Info("server.start", obs.Fields{
		"control": net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ControlPort)),
		"data":    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.DataPort)),
		"metrics": cfg.MetricsAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrlLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ControlPort)))
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	dataLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.DataPort)))
	if err != nil {
		obs.Error("listen.data", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/control", state.controlHandler)
	httpSrv := &http.Server{Handler: mux}

	go startMetricsServer(cfg.MetricsAddr, state)
	go mirror.StartMaintenance(ctx)

	var g errgroup.Group
	g.Go(func() error {
		if err := httpSrv.Serve(ctrlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		state.acceptData(ctx, dataLn)
		return nil
	})

	state.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	// stop accepting new control sessions first, then drain everything else
	_ = httpSrv.Close()
	state.shutdown()
	_ = dataLn.Close()
	if err := g.Wait(); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}
