package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"rlpxnet/p2p/network"
	"rlpxnet/p2p/seeds"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, defaultListenAddress, cfg.ListenAddress)
	require.Equal(t, filepath.Join(dir, "node", "rlpx-data"), cfg.DataDir)
	require.Equal(t, filepath.Join(cfg.DataDir, "nodekey"), cfg.NodeKeyFile)
	require.Equal(t, uint64(defaultNetworkID), cfg.NetworkID)
	require.True(t, cfg.P2P.Compression)
	require.Equal(t, 25, cfg.P2P.MaxPeers)
	require.Equal(t, defaultGenesisHash, cfg.GenesisHash)
	require.Equal(t, uint64(defaultGenesisDifficulty), cfg.GenesisDifficulty)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadParsesP2PSettings(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	bootnode := network.Node{ID: network.NodeIDFromPubkey(&key.PublicKey), Addr: "10.0.0.7:30303"}.String()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:30305"
DataDir = "/var/lib/rlpx"
ClientID = "rlpxnet/test"
NetworkID = 3
AdminAddress = "127.0.0.1:7070"
LogFile = "/var/log/rlpx.log"
Environment = "staging"

[p2p]
MaxPeers = 10
Bootnodes = ["` + bootnode + `", "` + bootnode + `"]
HandshakeTimeout = 3
ReadTimeout = 30
WriteTimeout = 4
PingInterval = 10
PeerBanSeconds = 120
MaxMsgsPerSecond = 12.5
MsgBurst = 20
Compression = false
DNSServer = "127.0.0.1:8053"
SeedRefreshSeconds = 300

[[p2p.DNSSeeds]]
Domain = "seeds.example.org"
PublicKey = "` + hexutil.Encode(ethcrypto.CompressPubkey(&key.PublicKey)) + `"

[telemetry]
Endpoint = "otel:4318"
Metrics = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:30305", cfg.ListenAddress)
	require.Equal(t, "/var/lib/rlpx/nodekey", cfg.NodeKeyFile)
	require.Equal(t, uint64(3), cfg.NetworkID)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, "/var/log/rlpx.log", cfg.LogFile)
	require.Equal(t, "otel:4318", cfg.Telemetry.Endpoint)
	require.True(t, cfg.Telemetry.Metrics)
	require.Equal(t, "/var/lib/rlpx/peerstore", cfg.PeerstorePath())

	netCfg := cfg.Network()
	require.Equal(t, 10, netCfg.MaxPeers)
	require.Equal(t, 3*time.Second, netCfg.HandshakeTimeout)
	require.Equal(t, 30*time.Second, netCfg.ReadTimeout)
	require.Equal(t, 10*time.Second, netCfg.PingInterval)
	require.Equal(t, 2*time.Minute, netCfg.BanDuration)
	require.Zero(t, netCfg.DialTimeout)
	require.Equal(t, 12.5, netCfg.MaxMessagesPerSecond)
	require.Equal(t, 20, netCfg.MessageBurst)
	require.False(t, netCfg.Compression)
	require.Len(t, netCfg.Bootnodes, 2)

	require.Len(t, cfg.P2P.DNSSeeds, 1)
	require.Equal(t, "seeds.example.org", cfg.P2P.DNSSeeds[0].Domain)
	require.Equal(t, "127.0.0.1:8053", cfg.P2P.DNSServer)
	require.Equal(t, 5*time.Minute, cfg.SeedRefresh())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ValidatorKey = \"abc\"\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key ValidatorKey")
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = \n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "defaults"},
		{
			name:   "listen address",
			mutate: func(c *Config) { c.ListenAddress = "30303" },
			want:   "ListenAddress",
		},
		{
			name:   "admin address",
			mutate: func(c *Config) { c.AdminAddress = "localhost" },
			want:   "AdminAddress",
		},
		{
			name:   "public admin without secret",
			mutate: func(c *Config) { c.AdminAddress = "0.0.0.0:6060" },
			want:   "admin.AuthSecret",
		},
		{
			name:   "wildcard admin without secret",
			mutate: func(c *Config) { c.AdminAddress = ":6060" },
			want:   "admin.AuthSecret",
		},
		{
			name: "public admin with secret",
			mutate: func(c *Config) {
				c.AdminAddress = "0.0.0.0:6060"
				c.Admin.AuthSecret = "s3cret"
			},
		},
		{
			name:   "loopback v6 admin",
			mutate: func(c *Config) { c.AdminAddress = "[::1]:6060" },
		},
		{
			name:   "negative clock skew",
			mutate: func(c *Config) { c.Admin.ClockSkewSeconds = -1 },
			want:   "admin.ClockSkewSeconds",
		},
		{
			name:   "negative peers",
			mutate: func(c *Config) { c.P2P.MaxPeers = -1 },
			want:   "p2p.MaxPeers",
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.P2P.DialTimeout = -5 },
			want:   "p2p.DialTimeout",
		},
		{
			name:   "negative rate",
			mutate: func(c *Config) { c.P2P.MaxMsgsPerSecond = -1 },
			want:   "p2p.MaxMsgsPerSecond",
		},
		{
			name:   "ping after read timeout",
			mutate: func(c *Config) { c.P2P.PingInterval = 120 },
			want:   "p2p.PingInterval",
		},
		{
			name:   "genesis hash",
			mutate: func(c *Config) { c.GenesisHash = "0x1234" },
			want:   "GenesisHash",
		},
		{
			name:   "seed authority",
			mutate: func(c *Config) { c.P2P.DNSSeeds = []seeds.Authority{{Domain: "x.org", PublicKey: "0x00"}} },
			want:   "p2p.DNSSeeds",
		},
		{
			name:   "dns server",
			mutate: func(c *Config) { c.P2P.DNSServer = "8.8.8.8" },
			want:   "p2p.DNSServer",
		},
		{
			name:   "bad bootnode",
			mutate: func(c *Config) { c.P2P.Bootnodes = []string{"enode://zz@1.2.3.4:30303"} },
			want:   "p2p.Bootnodes",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(filepath.Join(t.TempDir(), "config.toml"))
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			err := cfg.Validate()
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestAdminAuthSettings(t *testing.T) {
	cfg := Default(filepath.Join(t.TempDir(), "config.toml"))
	require.Empty(t, cfg.AdminAuth().HMACSecret)

	cfg.Admin = Admin{AuthSecret: "s3cret", AuthIssuer: "ops", AuthAudience: "rlpxd", ClockSkewSeconds: 30}
	auth := cfg.AdminAuth()
	require.Equal(t, "s3cret", auth.HMACSecret)
	require.Equal(t, "ops", auth.Issuer)
	require.Equal(t, "rlpxd", auth.Audience)
	require.Equal(t, 30*time.Second, auth.ClockSkew)
}
