// Package config parses and validates jobmeshd's command-line flags
// (spec.md §6's authoritative CLI surface), grounded on the teacher's
// cmd/warren/main.go cobra flag conventions (PersistentFlags for
// cross-cutting concerns like logging, command Flags for daemon
// parameters) adapted from a subcommand tree to the single long-running
// jobmeshd daemon command.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Config is jobmeshd's fully-parsed, validated startup configuration.
type Config struct {
	Nodes      []string
	IPAddrs    []string
	ExtIPAddrs []string

	Port          int
	NodePort      int
	SchedulerPort int

	NodeSecret      string
	NodeKeyFile     string
	NodeCertFile    string
	ClusterSecret   string
	ClusterKeyFile  string
	ClusterCertFile string

	PulseInterval  time.Duration
	PingInterval   time.Duration
	ZombieInterval time.Duration
	MsgTimeout     time.Duration

	DestPathPrefix string
	MaxFileSize    int64

	Clean bool
	HTTPD bool
	Debug bool
}

// RegisterFlags adds every jobmeshd flag to cmd, with the defaults
// spec.md §6 and original_source/dispyscheduler.py's argument parser
// describe.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("nodes", nil, "node IPs/hostnames/patterns to restrict discovery to (repeatable)")
	f.StringSliceP("ip_addr", "i", nil, "bind address(es) for the client/node channels (repeatable)")
	f.StringSlice("ext_ip_addr", nil, "advertised address(es), if different from ip_addr (repeatable)")
	f.IntP("port", "p", 51347, "client channel TCP port")
	f.Int("node_port", 51348, "node channel TCP port")
	f.Int("scheduler_port", 51349, "UDP port used for node discovery ping/pong")
	f.String("node_secret", "", "shared secret nodes authenticate with")
	f.String("node_keyfile", "", "TLS key file for the node channel")
	f.String("node_certfile", "", "TLS cert file for the node channel")
	f.String("cluster_secret", "", "shared secret clients authenticate with")
	f.String("cluster_keyfile", "", "TLS key file for the client channel")
	f.String("cluster_certfile", "", "TLS cert file for the client channel")
	f.Int("pulse_interval", 10, "seconds between node pulses, 1..1000")
	f.Int("ping_interval", 10, "seconds between discovery pings, 1..1000")
	f.Int("zombie_interval", 60, "minutes of cluster inactivity before it is flagged zombie, >=1")
	f.Int("msg_timeout", 5, "seconds before a wire read/write/dial times out")
	f.String("dest_path_prefix", "./jobmesh-data", "root directory for staged files and cluster snapshots")
	f.String("max_file_size", "0", "cap on a staged transfer file's size, with a k|m|g|t suffix (0 = unlimited)")
	f.Bool("clean", false, "purge dest_path_prefix on start before opening the store")
	f.Bool("httpd", false, "serve the metrics/health dashboard")
	f.BoolP("debug", "d", false, "enable debug logging")
}

// FromFlags reads cmd's flags into a validated Config.
func FromFlags(cmd *cobra.Command) (Config, error) {
	f := cmd.Flags()
	var cfg Config
	var err error

	if cfg.Nodes, err = f.GetStringSlice("nodes"); err != nil {
		return cfg, err
	}
	if cfg.IPAddrs, err = f.GetStringSlice("ip_addr"); err != nil {
		return cfg, err
	}
	if cfg.ExtIPAddrs, err = f.GetStringSlice("ext_ip_addr"); err != nil {
		return cfg, err
	}
	if cfg.Port, err = f.GetInt("port"); err != nil {
		return cfg, err
	}
	if cfg.NodePort, err = f.GetInt("node_port"); err != nil {
		return cfg, err
	}
	if cfg.SchedulerPort, err = f.GetInt("scheduler_port"); err != nil {
		return cfg, err
	}
	if cfg.NodeSecret, err = f.GetString("node_secret"); err != nil {
		return cfg, err
	}
	if cfg.NodeKeyFile, err = f.GetString("node_keyfile"); err != nil {
		return cfg, err
	}
	if cfg.NodeCertFile, err = f.GetString("node_certfile"); err != nil {
		return cfg, err
	}
	if cfg.ClusterSecret, err = f.GetString("cluster_secret"); err != nil {
		return cfg, err
	}
	if cfg.ClusterKeyFile, err = f.GetString("cluster_keyfile"); err != nil {
		return cfg, err
	}
	if cfg.ClusterCertFile, err = f.GetString("cluster_certfile"); err != nil {
		return cfg, err
	}

	pulseSec, err := f.GetInt("pulse_interval")
	if err != nil {
		return cfg, err
	}
	pingSec, err := f.GetInt("ping_interval")
	if err != nil {
		return cfg, err
	}
	zombieMin, err := f.GetInt("zombie_interval")
	if err != nil {
		return cfg, err
	}
	msgTimeoutSec, err := f.GetInt("msg_timeout")
	if err != nil {
		return cfg, err
	}
	cfg.PulseInterval = time.Duration(pulseSec) * time.Second
	cfg.PingInterval = time.Duration(pingSec) * time.Second
	cfg.ZombieInterval = time.Duration(zombieMin) * time.Minute
	cfg.MsgTimeout = time.Duration(msgTimeoutSec) * time.Second

	if cfg.DestPathPrefix, err = f.GetString("dest_path_prefix"); err != nil {
		return cfg, err
	}
	maxFileRaw, err := f.GetString("max_file_size")
	if err != nil {
		return cfg, err
	}
	if cfg.MaxFileSize, err = ParseSize(maxFileRaw); err != nil {
		return cfg, fmt.Errorf("invalid --max_file_size: %w", err)
	}

	if cfg.Clean, err = f.GetBool("clean"); err != nil {
		return cfg, err
	}
	if cfg.HTTPD, err = f.GetBool("httpd"); err != nil {
		return cfg, err
	}
	if cfg.Debug, err = f.GetBool("debug"); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Validate enforces the range constraints spec.md §6 calls out explicitly.
func (c Config) Validate() error {
	if sec := int(c.PulseInterval / time.Second); sec < 1 || sec > 1000 {
		return fmt.Errorf("pulse_interval must be in 1..1000 seconds, got %d", sec)
	}
	if sec := int(c.PingInterval / time.Second); sec < 1 || sec > 1000 {
		return fmt.Errorf("ping_interval must be in 1..1000 seconds, got %d", sec)
	}
	if c.ZombieInterval < time.Minute {
		return fmt.Errorf("zombie_interval must be at least 1 minute, got %s", c.ZombieInterval)
	}
	if c.DestPathPrefix == "" {
		return fmt.Errorf("dest_path_prefix must not be empty")
	}
	return nil
}

// Normalize applies the scheduler's one auto-derived bound: pulse_interval
// is clamped to zombie_interval/5, since the zombie sweep must see at
// least five pulses' worth of slack before declaring a cluster dead
// (spec.md §4.8).
func (c *Config) Normalize() {
	if max := c.ZombieInterval / 5; c.PulseInterval > max {
		c.PulseInterval = max
	}
}

// ParseSize parses a byte count with an optional k|m|g|t suffix
// (case-insensitive), as spec.md §6's --max_file_size flag requires.
// A bare number (or "0") is taken as exact bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	case 't', 'T':
		mult = 1 << 40
	}
	numeric := s
	if mult != 1 {
		numeric = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(numeric), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid size", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%q must not be negative", s)
	}
	return n * mult, nil
}
