package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration derived from flags, environment and
// an optional YAML file (defaults < env < file < explicit flags).
type Config struct {
	Host              string        `yaml:"host"`
	ControlPort       int           `yaml:"controlPort"`
	DataPort          int           `yaml:"dataPort"`
	AuthTokens        string        `yaml:"authTokens"`
	AllowedPorts      string        `yaml:"allowedPorts"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	PingTimeout       time.Duration `yaml:"pingTimeout"`
	MetricsAddr       string        `yaml:"metricsAddr"`
	RedisAddr         string        `yaml:"redisAddr"`
	RedisPassword     string        `yaml:"redisPassword"`
	RedisDB           int           `yaml:"redisDB"`
	ConnRate          int           `yaml:"connRate"`
	ConnPerClientRate int           `yaml:"connPerClientRate"`
	ConnBurst         int           `yaml:"connBurst"`
	Debug             bool          `yaml:"debug"`

	configFile string
}

var cfg Config

// init registers flags into the global flag set. main() parses and applies the
// optional config file.
func init() {
	flag.StringVar(&cfg.Host, "host", envStr("PORTSHOW_HOST", "0.0.0.0"), "bind host for control, data and public listeners")
	flag.IntVar(&cfg.ControlPort, "control-port", envInt("PORTSHOW_CONTROL_PORT", 9000), "port for client control channels (websocket)")
	flag.IntVar(&cfg.DataPort, "data-port", envInt("PORTSHOW_DATA_PORT", 9001), "port clients dial back to for data channels")
	flag.StringVar(&cfg.AuthTokens, "auth-tokens", envStr("PORTSHOW_AUTH_TOKENS", ""), "comma separated shared tokens; empty accepts all clients")
	flag.StringVar(&cfg.AllowedPorts, "allowed-ports", envStr("PORTSHOW_ALLOWED_PORTS", ""), "allowed public ports, e.g. 80,443,7000-8000; empty allows all")
	flag.DurationVar(&cfg.ConnectionTimeout, "connection-timeout", envDur("PORTSHOW_CONNECTION_TIMEOUT", 10*time.Second), "time limit for a client to establish a data channel")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", envDur("PORTSHOW_PING_INTERVAL", 30*time.Second), "keepalive ping interval")
	flag.DurationVar(&cfg.PingTimeout, "ping-timeout", envDur("PORTSHOW_PING_TIMEOUT", 60*time.Second), "close a session after this long without any inbound frame")
	flag.StringVar(&cfg.MetricsAddr, "metrics", envStr("PORTSHOW_METRICS_ADDR", ":9100"), "metrics, health and dashboard listen address")
	flag.StringVar(&cfg.RedisAddr, "redis", envStr("PORTSHOW_REDIS_ADDR", ""), "redis address for the shared state mirror; empty disables")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envStr("PORTSHOW_REDIS_PASSWORD", ""), "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envInt("PORTSHOW_REDIS_DB", 0), "redis database")
	flag.IntVar(&cfg.ConnRate, "conn-rate", envInt("PORTSHOW_CONN_RATE", 0), "global external connections per second; 0 disables")
	flag.IntVar(&cfg.ConnPerClientRate, "conn-rate-per-client", envInt("PORTSHOW_CONN_RATE_PER_CLIENT", 0), "per-client external connections per second; 0 disables")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", envInt("PORTSHOW_CONN_BURST", 20), "rate limiter burst size")
	flag.BoolVar(&cfg.Debug, "debug", envStr("PORTSHOW_DEBUG", "") != "", "enable debug logs")
	flag.StringVar(&cfg.configFile, "config", envStr("PORTSHOW_CONFIG", ""), "optional YAML config file")
}

// applyConfigFile merges the YAML file into cfg, then restores any value the
// user set explicitly on the command line.
func applyConfigFile() error {
	if cfg.configFile == "" {
		return nil
	}
	b, err := os.ReadFile(cfg.configFile)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	fileCfg := cfg
	if err := yaml.Unmarshal(b, &fileCfg); err != nil {
		return fmt.Errorf("config file %s: %w", cfg.configFile, err)
	}
	explicit := cfg
	merged := fileCfg
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			merged.Host = explicit.Host
		case "control-port":
			merged.ControlPort = explicit.ControlPort
		case "data-port":
			merged.DataPort = explicit.DataPort
		case "auth-tokens":
			merged.AuthTokens = explicit.AuthTokens
		case "allowed-ports":
			merged.AllowedPorts = explicit.AllowedPorts
		case "connection-timeout":
			merged.ConnectionTimeout = explicit.ConnectionTimeout
		case "ping-interval":
			merged.PingInterval = explicit.PingInterval
		case "ping-timeout":
			merged.PingTimeout = explicit.PingTimeout
		case "metrics":
			merged.MetricsAddr = explicit.MetricsAddr
		case "redis":
			merged.RedisAddr = explicit.RedisAddr
		case "redis-password":
			merged.RedisPassword = explicit.RedisPassword
		case "redis-db":
			merged.RedisDB = explicit.RedisDB
		case "conn-rate":
			merged.ConnRate = explicit.ConnRate
		case "conn-rate-per-client":
			merged.ConnPerClientRate = explicit.ConnPerClientRate
		case "conn-burst":
			merged.ConnBurst = explicit.ConnBurst
		case "debug":
			merged.Debug = explicit.Debug
		}
	})
	merged.configFile = cfg.configFile
	cfg = merged
	return nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
