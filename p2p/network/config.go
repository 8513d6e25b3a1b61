package network

import (
	"strings"
	"time"
)

const (
	defaultListenAddress    = ":30303"
	defaultClientID         = "rlpxnet/node"
	defaultMaxPeers         = 25
	defaultHandshakeTimeout = 5 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultPingTimeout      = 60 * time.Second
	defaultRedialInterval   = 30 * time.Second
	defaultMsgRate          = 200.0
	defaultMsgBurst         = 400
	defaultBanDuration      = 15 * time.Minute

	readBufferSize = 32 * 1024
)

// Config holds the transport settings. Zero values fall back to defaults.
type Config struct {
	ListenAddress string
	ClientID      string
	MaxPeers      int
	Bootnodes     []string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	RedialInterval   time.Duration

	MaxMessagesPerSecond float64
	MessageBurst         int
	BanDuration          time.Duration

	// Compression announces base protocol version 5 so that snappy is used
	// with peers that support it.
	Compression bool
}

func (cfg Config) withDefaults() Config {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = defaultRedialInterval
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMsgRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMsgBurst
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = defaultBanDuration
	}
	cfg.Bootnodes = uniqueStrings(cfg.Bootnodes)
	return cfg
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
