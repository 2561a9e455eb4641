package config

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"huddle/peerid"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Environment keys. Values set in the environment override the config file.
const (
	EnvIntervalSeconds    = "INTERVAL_SECONDS"
	EnvAntiEntropySeconds = "ANTI_ENTROPY_SECONDS"
	EnvPeerTTLSeconds     = "PEER_TTL_SECONDS"
	EnvTopic              = "TOPIC"
	EnvHTTPPort           = "HTTP_PORT"
	EnvBootstrapPeers     = "BOOTSTRAP_PEERS"
)

// Config represents the configuration for a huddle node.
type Config struct {
	// Default config file location
	configFile string

	// Identity holds the node's ed25519 key pair. The peer ID is derived
	// from the public key and never stored directly.
	Identity struct {
		PrivateKey []byte `json:"private_key"`
		PublicKey  []byte `json:"public_key"`
	} `json:"identity"`

	Network struct {
		// Multicast group shared by the gossip topic and discovery.
		MulticastAddress string `json:"multicast"`
		// TCP listen address of the record-RPC server.
		RecordListenAddress string `json:"record_listen"`
		// Optional address to advertise instead of the listen address.
		RecordAdvertisedAddress string `json:"record_advertised,omitempty"`
	} `json:"network"`

	DataStore struct {
		RecordPath string `json:"records"`
	} `json:"datastore"`

	Membership struct {
		IntervalSeconds    uint64 `json:"interval_seconds"`
		AntiEntropySeconds uint64 `json:"anti_entropy_seconds"`
		// Zero means 3x the heartbeat interval.
		PeerTTLSeconds uint64 `json:"peer_ttl_seconds,omitempty"`
		Topic          string `json:"topic"`
		HTTPPort       uint16 `json:"http_port"`
		// Accepted for forward compatibility; nothing consumes it yet.
		BootstrapPeers []string `json:"bootstrap_peers,omitempty"`
	} `json:"membership"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.MulticastAddress = "239.0.7.1:7771"
	cfg.Network.RecordListenAddress = ":0"

	cfg.DataStore.RecordPath = "/tmp/huddle/records"

	cfg.Membership.IntervalSeconds = 10
	cfg.Membership.AntiEntropySeconds = 30
	cfg.Membership.Topic = "testdistributed/peers"
	cfg.Membership.HTTPPort = 9090

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

// GenerateIdentity creates a fresh ed25519 key pair for this node.
func (c *Config) GenerateIdentity() error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	c.Identity.PublicKey = pub
	c.Identity.PrivateKey = priv
	return nil
}

// HasIdentity reports whether a key pair has been generated.
func (c *Config) HasIdentity() bool {
	return len(c.Identity.PublicKey) == ed25519.PublicKeySize &&
		len(c.Identity.PrivateKey) == ed25519.PrivateKeySize
}

// PeerID derives the node's peer ID from the stored public key.
func (c *Config) PeerID() (*peerid.ID, error) {
	if !c.HasIdentity() {
		return nil, fmt.Errorf("no identity in config, run init first")
	}
	return peerid.FromPublicKey(ed25519.PublicKey(c.Identity.PublicKey)), nil
}

// PeerTTLSeconds returns the configured eviction threshold, defaulting to
// three missed heartbeats.
func (c *Config) PeerTTLSeconds() uint64 {
	if c.Membership.PeerTTLSeconds != 0 {
		return c.Membership.PeerTTLSeconds
	}
	return 3 * c.Membership.IntervalSeconds
}

// ApplyEnv overrides membership settings from the environment. Unparsable
// values are logged and skipped rather than failing startup.
func (c *Config) ApplyEnv() {
	if v, ok := envUint(EnvIntervalSeconds); ok {
		c.Membership.IntervalSeconds = v
	}
	if v, ok := envUint(EnvAntiEntropySeconds); ok {
		c.Membership.AntiEntropySeconds = v
	}
	if v, ok := envUint(EnvPeerTTLSeconds); ok {
		c.Membership.PeerTTLSeconds = v
	}
	if v := os.Getenv(EnvTopic); v != "" {
		c.Membership.Topic = v
	}
	if v, ok := envUint(EnvHTTPPort); ok {
		if v > 65535 {
			log.Warnf("%s=%d out of range, keeping %d", EnvHTTPPort, v, c.Membership.HTTPPort)
		} else {
			c.Membership.HTTPPort = uint16(v)
		}
	}
	if v := os.Getenv(EnvBootstrapPeers); v != "" {
		c.Membership.BootstrapPeers = strings.Split(v, ",")
		// Reserved: parsed for forward compatibility, not dialed.
		log.Infof("%s set (%d entries), currently unused", EnvBootstrapPeers, len(c.Membership.BootstrapPeers))
	}
}

func envUint(key string) (uint64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, raw, err)
		return 0, false
	}
	return v, true
}
