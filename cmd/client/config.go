package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds client runtime configuration (defaults < env < file < flags).
type Config struct {
	ServerHost        string        `yaml:"serverHost"`
	ServerPort        int           `yaml:"serverPort"`
	DataPort          int           `yaml:"dataPort"`
	AuthToken         string        `yaml:"authToken"`
	Tunnels           string        `yaml:"tunnels"`
	LocalHost         string        `yaml:"localHost"`
	ReconnectAttempts int           `yaml:"reconnectAttempts"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	StatusInterval    time.Duration `yaml:"statusInterval"`
	Debug             bool          `yaml:"debug"`

	configFile string
}

var cfg Config

// init registers all client flags into the default flag set; main() parses.
func init() {
	flag.StringVar(&cfg.ServerHost, "server", envStr("PORTSHOW_SERVER_HOST", "127.0.0.1"), "server host")
	flag.IntVar(&cfg.ServerPort, "port", envInt("PORTSHOW_SERVER_PORT", 9000), "server control port")
	flag.IntVar(&cfg.DataPort, "data-port", envInt("PORTSHOW_DATA_PORT", 9001), "server data port")
	flag.StringVar(&cfg.AuthToken, "token", envStr("PORTSHOW_AUTH_TOKEN", ""), "shared secret token")
	flag.StringVar(&cfg.Tunnels, "tunnels", envStr("PORTSHOW_TUNNELS", ""), "tunnels to register, e.g. 3000:9000:web,5432:5432:db")
	flag.StringVar(&cfg.LocalHost, "local-host", envStr("PORTSHOW_LOCAL_HOST", "127.0.0.1"), "host of the local services to expose")
	flag.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", envInt("PORTSHOW_RECONNECT_ATTEMPTS", 999), "give up after this many consecutive failed connects")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", envDur("PORTSHOW_RECONNECT_DELAY", 5*time.Second), "initial reconnect delay; doubles up to a minute")
	flag.DurationVar(&cfg.ConnectionTimeout, "connection-timeout", envDur("PORTSHOW_CONNECTION_TIMEOUT", 10*time.Second), "dial timeout for local and data connections")
	flag.DurationVar(&cfg.StatusInterval, "status-interval", envDur("PORTSHOW_STATUS_INTERVAL", 0), "how often to request tunnel status from the server; 0 disables")
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
		case "server":
			merged.ServerHost = explicit.ServerHost
		case "port":
			merged.ServerPort = explicit.ServerPort
		case "data-port":
			merged.DataPort = explicit.DataPort
		case "token":
			merged.AuthToken = explicit.AuthToken
		case "tunnels":
			merged.Tunnels = explicit.Tunnels
		case "local-host":
			merged.LocalHost = explicit.LocalHost
		case "reconnect-attempts":
			merged.ReconnectAttempts = explicit.ReconnectAttempts
		case "reconnect-delay":
			merged.ReconnectDelay = explicit.ReconnectDelay
		case "connection-timeout":
			merged.ConnectionTimeout = explicit.ConnectionTimeout
		case "status-interval":
			merged.StatusInterval = explicit.StatusInterval
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
