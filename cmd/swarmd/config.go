package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/raskyld/swarm"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config of a swarmd process. It is read from an optional YAML file,
// flags explicitly set on the command line take precedence.
type Config struct {
	ID       string `yaml:"id"`
	Server   bool   `yaml:"server"`
	LogLevel string `yaml:"log_level"`

	// Listen is the HTTP address serving `/swarm` websockets and `/metrics`.
	Listen     string `yaml:"listen"`
	QUICListen string `yaml:"quic_listen"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	// Storage is a bbolt file, operations are kept in memory when empty.
	Storage string `yaml:"storage"`
	Codec   string `yaml:"codec"`

	// Uplinks are dialed on startup: `ws://`, `wss://` or `quic://` URLs.
	Uplinks []string `yaml:"uplinks"`

	Keepalive   time.Duration `yaml:"keepalive"`
	FlushWindow time.Duration `yaml:"flush_window"`

	Gossip GossipConfig `yaml:"gossip"`
}

type GossipConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Bind      string   `yaml:"bind"`
	Port      int      `yaml:"port"`
	Advertise string   `yaml:"advertise"`
	Seeds     []string `yaml:"seeds"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		Listen:    ":8000",
		Codec:     "json",
		Keepalive: swarm.DefaultKeepalive,
		Gossip: GossipConfig{
			Bind: "0.0.0.0",
			Port: 7946,
		},
	}
}

func bindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.ID, "id", c.ID, "host id, generated when empty")
	fs.BoolVar(&c.Server, "server", c.Server, "take part in consistent hashing")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.Listen, "listen", c.Listen, "http address for websockets and metrics")
	fs.StringVar(&c.QUICListen, "quic-listen", c.QUICListen, "udp address for QUIC pipes")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "certificate to present")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "private key of the certificate")
	fs.StringVar(&c.TLSCA, "tls-ca", c.TLSCA, "ca to verify peers")
	fs.StringVar(&c.Storage, "storage", c.Storage, "bbolt file, in-memory when empty")
	fs.StringVar(&c.Codec, "codec", c.Codec, "bundle codec: json or proto")
	fs.StringSliceVar(&c.Uplinks, "uplink", c.Uplinks, "uplink to dial, repeatable")
	fs.DurationVar(&c.Keepalive, "keepalive", c.Keepalive, "pipe keepalive period")
	fs.DurationVar(&c.FlushWindow, "flush-window", c.FlushWindow, "bundle coalescing window")
	fs.BoolVar(&c.Gossip.Enabled, "gossip", c.Gossip.Enabled, "discover servers with gossip")
	fs.StringVar(&c.Gossip.Bind, "gossip-bind", c.Gossip.Bind, "gossip interface")
	fs.IntVar(&c.Gossip.Port, "gossip-port", c.Gossip.Port, "gossip port")
	fs.StringVar(&c.Gossip.Advertise, "gossip-advertise", c.Gossip.Advertise, "URL other servers dial")
	fs.StringSliceVar(&c.Gossip.Seeds, "gossip-seed", c.Gossip.Seeds, "gossip address to join, repeatable")
}

// loadConfig reads path, if any, then overlays the flags of fs that were
// explicitly set, their values being held by flags.
func loadConfig(path string, fs *pflag.FlagSet, flags *Config) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "id":
			cfg.ID = flags.ID
		case "server":
			cfg.Server = flags.Server
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "listen":
			cfg.Listen = flags.Listen
		case "quic-listen":
			cfg.QUICListen = flags.QUICListen
		case "tls-cert":
			cfg.TLSCert = flags.TLSCert
		case "tls-key":
			cfg.TLSKey = flags.TLSKey
		case "tls-ca":
			cfg.TLSCA = flags.TLSCA
		case "storage":
			cfg.Storage = flags.Storage
		case "codec":
			cfg.Codec = flags.Codec
		case "uplink":
			cfg.Uplinks = flags.Uplinks
		case "keepalive":
			cfg.Keepalive = flags.Keepalive
		case "flush-window":
			cfg.FlushWindow = flags.FlushWindow
		case "gossip":
			cfg.Gossip.Enabled = flags.Gossip.Enabled
		case "gossip-bind":
			cfg.Gossip.Bind = flags.Gossip.Bind
		case "gossip-port":
			cfg.Gossip.Port = flags.Gossip.Port
		case "gossip-advertise":
			cfg.Gossip.Advertise = flags.Gossip.Advertise
		case "gossip-seed":
			cfg.Gossip.Seeds = flags.Gossip.Seeds
		}
	})

	if cfg.ID == "" {
		prefix := "client~"
		if cfg.Server {
			prefix = "swarm~"
		}
		cfg.ID = prefix + ulid.Make().String()
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if strings.Contains(c.ID, "+") {
		return fmt.Errorf("id %q must not contain '+'", c.ID)
	}
	if c.Server && !strings.HasPrefix(c.ID, "swarm") {
		return fmt.Errorf("server ids start with \"swarm\", got %q", c.ID)
	}
	if c.Gossip.Enabled && !c.Server {
		return errors.New("only servers gossip")
	}
	if c.QUICListen != "" && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("QUIC requires a certificate and its key")
	}
	return nil
}

func (c *Config) logLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl, err
}

// tlsConfig is nil when no certificate is configured. With a CA, peers
// MUST present a certificate it signed.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSCert == "" && c.TLSKey == "" {
		return nil, nil
	}

	keypair, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load cert: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS13,
	}

	if c.TLSCA != "" {
		caBytes, err := os.ReadFile(c.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no certificate in %s", c.TLSCA)
		}
		conf.RootCAs = pool
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}
