package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"rlpxnet/admin"
	"rlpxnet/p2p/network"
	"rlpxnet/p2p/seeds"
)

const (
	defaultListenAddress = ":30303"
	defaultAdminAddress  = "127.0.0.1:6060"
	defaultDataDir       = "./rlpx-data"
	defaultClientID      = "rlpxnet/v0.1.0"
	defaultNetworkID     = 1
	defaultEnvironment   = "local"

	// Ethereum mainnet genesis.
	defaultGenesisHash       = "0xd4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3"
	defaultGenesisDifficulty = 17179869184
)

// Config is the node configuration read from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NodeKeyFile   string `toml:"NodeKeyFile"`
	ClientID      string `toml:"ClientID"`
	NetworkID     uint64 `toml:"NetworkID"`
	AdminAddress  string `toml:"AdminAddress"`
	LogFile       string `toml:"LogFile"`
	Environment   string `toml:"Environment"`
	// GenesisHash and GenesisDifficulty describe the chain announced in eth
	// Status messages.
	GenesisHash       string `toml:"GenesisHash"`
	GenesisDifficulty uint64 `toml:"GenesisDifficulty"`

	P2P       P2P       `toml:"p2p"`
	Admin     Admin     `toml:"admin"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Admin configures bearer token checks on the admin peer routes. A
// non-loopback AdminAddress requires an AuthSecret.
type Admin struct {
	AuthSecret       string `toml:"AuthSecret"`
	AuthIssuer       string `toml:"AuthIssuer"`
	AuthAudience     string `toml:"AuthAudience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds"`
}

// P2P holds the transport settings. Durations are in seconds.
type P2P struct {
	MaxPeers         int      `toml:"MaxPeers"`
	Bootnodes        []string `toml:"Bootnodes"`
	HandshakeTimeout int      `toml:"HandshakeTimeout"`
	DialTimeout      int      `toml:"DialTimeout"`
	ReadTimeout      int      `toml:"ReadTimeout"`
	WriteTimeout     int      `toml:"WriteTimeout"`
	PingInterval     int      `toml:"PingInterval"`
	RedialInterval   int      `toml:"RedialInterval"`
	MaxMsgsPerSecond float64  `toml:"MaxMsgsPerSecond"`
	MsgBurst         int      `toml:"MsgBurst"`
	PeerBanSeconds   int      `toml:"PeerBanSeconds"`
	Compression      bool     `toml:"Compression"`

	// DNSSeeds lists authorities publishing signed bootnodes in DNS.
	DNSSeeds []seeds.Authority `toml:"DNSSeeds"`
	// DNSServer (host:port) is queried directly instead of the system resolver.
	DNSServer          string `toml:"DNSServer"`
	SeedRefreshSeconds int    `toml:"SeedRefreshSeconds"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Load loads the configuration from the given path. A default file is
// written when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults for a config file
// at path.
func Default(path string) *Config {
	cfg := &Config{
		P2P: P2P{
			MaxPeers:         25,
			HandshakeTimeout: 5,
			DialTimeout:      10,
			ReadTimeout:      90,
			WriteTimeout:     5,
			PingInterval:     15,
			RedialInterval:   30,
			MaxMsgsPerSecond: 200,
			MsgBurst:         400,
			PeerBanSeconds:   900,
			Compression:      true,
		},
		Telemetry: Telemetry{Endpoint: "localhost:4318", Insecure: true},
	}
	cfg.applyDefaults(path)
	return cfg
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			c.DataDir = filepath.Join(dir, "rlpx-data")
		}
	}
	if strings.TrimSpace(c.NodeKeyFile) == "" {
		c.NodeKeyFile = filepath.Join(c.DataDir, "nodekey")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = defaultClientID
	}
	if c.NetworkID == 0 {
		c.NetworkID = defaultNetworkID
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = defaultAdminAddress
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = defaultEnvironment
	}
	if strings.TrimSpace(c.GenesisHash) == "" {
		c.GenesisHash = defaultGenesisHash
	}
	if c.GenesisDifficulty == 0 {
		c.GenesisDifficulty = defaultGenesisDifficulty
	}
	if c.P2P.Bootnodes == nil {
		c.P2P.Bootnodes = []string{}
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("ListenAddress: %w", err))
	}
	if host, _, err := net.SplitHostPort(c.AdminAddress); err != nil {
		errs = append(errs, fmt.Errorf("AdminAddress: %w", err))
	} else if !isLoopback(host) && strings.TrimSpace(c.Admin.AuthSecret) == "" {
		errs = append(errs, fmt.Errorf("AdminAddress: %s is reachable off-host; set admin.AuthSecret", c.AdminAddress))
	}
	if c.Admin.ClockSkewSeconds < 0 {
		errs = append(errs, errors.New("admin.ClockSkewSeconds must not be negative"))
	}
	if raw, err := hexutil.Decode(c.GenesisHash); err != nil || len(raw) != common.HashLength {
		errs = append(errs, fmt.Errorf("GenesisHash: want 0x-prefixed 32 byte hex, got %q", c.GenesisHash))
	}
	p := c.P2P
	if p.MaxPeers < 0 {
		errs = append(errs, errors.New("p2p.MaxPeers must not be negative"))
	}
	for name, v := range map[string]int{
		"HandshakeTimeout":   p.HandshakeTimeout,
		"DialTimeout":        p.DialTimeout,
		"ReadTimeout":        p.ReadTimeout,
		"WriteTimeout":       p.WriteTimeout,
		"PingInterval":       p.PingInterval,
		"RedialInterval":     p.RedialInterval,
		"PeerBanSeconds":     p.PeerBanSeconds,
		"MsgBurst":           p.MsgBurst,
		"SeedRefreshSeconds": p.SeedRefreshSeconds,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("p2p.%s must not be negative", name))
		}
	}
	if p.MaxMsgsPerSecond < 0 {
		errs = append(errs, errors.New("p2p.MaxMsgsPerSecond must not be negative"))
	}
	if p.ReadTimeout > 0 && p.PingInterval > 0 && p.PingInterval >= p.ReadTimeout {
		errs = append(errs, errors.New("p2p.PingInterval must be shorter than p2p.ReadTimeout"))
	}
	for _, authority := range p.DNSSeeds {
		if err := authority.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("p2p.DNSSeeds: %w", err))
		}
	}
	if p.DNSServer != "" {
		if _, _, err := net.SplitHostPort(p.DNSServer); err != nil {
			errs = append(errs, fmt.Errorf("p2p.DNSServer: %w", err))
		}
	}
	for _, raw := range p.Bootnodes {
		if _, err := network.ParseEnode(raw); err != nil {
			errs = append(errs, fmt.Errorf("p2p.Bootnodes: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Network converts the settings into the transport configuration.
func (c *Config) Network() network.Config {
	p := c.P2P
	return network.Config{
		ListenAddress:        c.ListenAddress,
		ClientID:             c.ClientID,
		MaxPeers:             p.MaxPeers,
		Bootnodes:            append([]string(nil), p.Bootnodes...),
		HandshakeTimeout:     seconds(p.HandshakeTimeout),
		DialTimeout:          seconds(p.DialTimeout),
		ReadTimeout:          seconds(p.ReadTimeout),
		WriteTimeout:         seconds(p.WriteTimeout),
		PingInterval:         seconds(p.PingInterval),
		RedialInterval:       seconds(p.RedialInterval),
		MaxMessagesPerSecond: p.MaxMsgsPerSecond,
		MessageBurst:         p.MsgBurst,
		BanDuration:          seconds(p.PeerBanSeconds),
		Compression:          p.Compression,
	}
}

// AdminAuth converts the admin section into the admin server's auth settings.
func (c *Config) AdminAuth() admin.AuthConfig {
	return admin.AuthConfig{
		HMACSecret: c.Admin.AuthSecret,
		Issuer:     c.Admin.AuthIssuer,
		Audience:   c.Admin.AuthAudience,
		ClockSkew:  seconds(c.Admin.ClockSkewSeconds),
	}
}

// SeedRefresh is the interval between DNS seed lookups.
func (c *Config) SeedRefresh() time.Duration {
	return seconds(c.P2P.SeedRefreshSeconds)
}

// PeerstorePath is where the peer database lives.
func (c *Config) PeerstorePath() string {
	return filepath.Join(c.DataDir, "peerstore")
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
