// Package config parses daemon startup configuration from flags (via
// pflag, the teacher's mflag's closest maintained ecosystem analogue)
// with environment-variable overrides, per spec.md §9's resolution of
// Open Question (b): checkpoint tool path/privilege is deployment
// policy, not a hardcoded constant.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/dproc/dproc/internal/checkpoint"
)

// Config is every daemon-wide knob spec.md leaves as deployment policy:
// node identity, listen addresses, discovery, timeouts, and the
// checkpoint tool's invocation contract.
type Config struct {
	NodeName      string
	ClusterID     string
	DataDir       string // instances/ root, spec §6
	TCPListenAddr string
	UDPPort       int
	HTTPAddr      string // empty disables the HTTP surface

	ConnectTimeout    time.Duration // spec §5, default 10s; not passed to the wire layer, which dials with a fixed 10s
	PidfilePollTime   time.Duration // spec §6, default ~5s
	LivenessTimeout   time.Duration // spec §5, default 5m
	HeartbeatInterval time.Duration
	AnnounceInterval  time.Duration

	CheckpointToolPath string
	CheckpointSudo     bool

	KnownPeers []string // host:port seeds for initial cluster connect
}

// Default returns the out-of-the-box configuration; every field can be
// overridden by a flag, and the fields handled in applyEnvOverrides
// also by their DPROC_-prefixed environment variable.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		NodeName:           hostname,
		ClusterID:          "default",
		DataDir:            "instances",
		TCPListenAddr:      ":7070",
		UDPPort:            8081,
		HTTPAddr:           "",
		ConnectTimeout:     10 * time.Second,
		PidfilePollTime:    5 * time.Second,
		LivenessTimeout:    5 * time.Minute,
		HeartbeatInterval:  10 * time.Second,
		AnnounceInterval:   10 * time.Second,
		CheckpointToolPath: "criu-tool",
		CheckpointSudo:     false,
	}
}

// Parse builds a Config from Default(), CLI flags (args, typically
// os.Args[1:]), and DPROC_-prefixed environment overrides, in that
// precedence order (env overrides flags, matching the teacher's own
// "flags then environment" startup sequencing in cmd/dockerd).
func Parse(args []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("dprocd", pflag.ContinueOnError)
	fs.StringVar(&cfg.NodeName, "node-name", cfg.NodeName, "this node's display name")
	fs.StringVar(&cfg.ClusterID, "cluster-id", cfg.ClusterID, "cluster identifier used in gossip state")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory for instance state")
	fs.StringVar(&cfg.TCPListenAddr, "listen", cfg.TCPListenAddr, "TCP address for peer wire connections")
	fs.IntVar(&cfg.UDPPort, "discovery-port", cfg.UDPPort, "UDP port for peer discovery")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP address for the /command surface, empty disables it")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "peer dial timeout (not applied: the wire layer dials with a fixed 10s)")
	fs.DurationVar(&cfg.PidfilePollTime, "restore-pidfile-timeout", cfg.PidfilePollTime, "restore pidfile poll timeout")
	fs.DurationVar(&cfg.LivenessTimeout, "liveness-timeout", cfg.LivenessTimeout, "quiet period before a silent peer is removed from membership")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "peer heartbeat tick interval")
	fs.DurationVar(&cfg.AnnounceInterval, "announce-interval", cfg.AnnounceInterval, "discovery announce tick interval")
	fs.StringVar(&cfg.CheckpointToolPath, "checkpoint-tool", cfg.CheckpointToolPath, "path to the external dump/restore tool")
	fs.BoolVar(&cfg.CheckpointSudo, "checkpoint-sudo", cfg.CheckpointSudo, "invoke the checkpoint tool through sudo")
	fs.StringSliceVar(&cfg.KnownPeers, "peer", nil, "seed peer host:port, may repeat")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("DPROC_NODE_NAME"); ok {
		cfg.NodeName = v
	}
	if v, ok := os.LookupEnv("DPROC_CLUSTER_ID"); ok {
		cfg.ClusterID = v
	}
	if v, ok := os.LookupEnv("DPROC_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("DPROC_LISTEN"); ok {
		cfg.TCPListenAddr = v
	}
	if v, ok := os.LookupEnv("DPROC_DISCOVERY_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UDPPort = n
		}
	}
	if v, ok := os.LookupEnv("DPROC_HTTP"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("DPROC_CHECKPOINT_TOOL"); ok {
		cfg.CheckpointToolPath = v
	}
	if v, ok := os.LookupEnv("DPROC_CHECKPOINT_SUDO"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CheckpointSudo = b
		}
	}
}

// CheckpointOptions projects the checkpoint-tool-relevant fields into
// checkpoint.Options.
func (c Config) CheckpointOptions() checkpoint.Options {
	return checkpoint.Options{
		ToolPath:        c.CheckpointToolPath,
		Sudo:            c.CheckpointSudo,
		PidfilePollTime: c.PidfilePollTime,
	}
}

// Validate reports obviously-broken configuration before any component
// is constructed.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must not be empty")
	}
	if c.TCPListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.UDPPort <= 0 || c.UDPPort > 65535 {
		return fmt.Errorf("discovery-port %d out of range", c.UDPPort)
	}
	return nil
}
