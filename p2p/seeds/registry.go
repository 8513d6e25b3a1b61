// Package seeds resolves bootnodes published as signed DNS TXT records.
//
// An authority signs each record with a secp256k1 key. Nodes configure the
// authority's zone and public key; records that do not verify, have expired
// or name an invalid enode are skipped.
package seeds

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rlpxnet/observability/logging"
	"rlpxnet/p2p/network"
)

const (
	recordPrefix           = "rlpxseed:v1:"
	defaultLookupPrefix    = "_rlpxseed."
	defaultRefreshInterval = 15 * time.Minute
	lookupTimeout          = 10 * time.Second
)

// Authority describes a DNS zone allowed to publish seed records.
type Authority struct {
	Domain string `toml:"Domain"`
	// PublicKey is the hex encoded secp256k1 key, compressed or not.
	PublicKey string `toml:"PublicKey"`
	// Lookup overrides the TXT name, "_rlpxseed.<Domain>" by default.
	Lookup string `toml:"Lookup"`
}

// Seed is a verified record.
type Seed struct {
	Enode     string
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed is currently live given the supplied time.
func (s Seed) Active(now time.Time) bool {
	if s.NotBefore > 0 && now.Unix() < s.NotBefore {
		return false
	}
	if s.NotAfter > 0 && now.Unix() > s.NotAfter {
		return false
	}
	return true
}

// Resolver abstracts DNS TXT lookups.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type record struct {
	Enode     string `json:"enode"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

// SignRecord produces the TXT value an authority publishes for enode.
func SignRecord(key *ecdsa.PrivateKey, domain, enode string, notBefore, notAfter int64) (string, error) {
	node, err := network.ParseEnode(enode)
	if err != nil {
		return "", err
	}
	canonical := node.String()
	sig, err := ethcrypto.Sign(signingHash(canonical, notBefore, notAfter, domain), key)
	if err != nil {
		return "", fmt.Errorf("sign seed record: %w", err)
	}
	payload, err := json.Marshal(record{
		Enode:     canonical,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return "", err
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

func (a Authority) lookupName() string {
	if name := strings.TrimSpace(a.Lookup); name != "" {
		return name
	}
	return defaultLookupPrefix + strings.TrimSpace(a.Domain)
}

// Validate checks the domain and key.
func (a Authority) Validate() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("seed authority domain must not be empty")
	}
	_, err := a.publicKey()
	return err
}

func (a Authority) publicKey() (*ecdsa.PublicKey, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(a.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("seed authority %s: invalid public key: %w", a.Domain, err)
	}
	if len(raw) == 33 {
		return ethcrypto.DecompressPubkey(raw)
	}
	pub, err := ethcrypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("seed authority %s: invalid public key: %w", a.Domain, err)
	}
	return pub, nil
}

// Resolve looks up the authority's records and returns the ones that verify
// and are active at now. Invalid records are reported alongside the valid
// seeds.
func (a Authority) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]Seed, error) {
	pub, err := a.publicKey()
	if err != nil {
		return nil, err
	}
	name := a.lookupName()
	txts, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	var (
		seeds []Seed
		errs  []error
	)
	for _, txt := range txts {
		seed, err := a.parseTXT(txt, pub)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if seed.Active(now) {
			seeds = append(seeds, seed)
		}
	}
	return dedupeSeeds(seeds), errors.Join(errs...)
}

func (a Authority) parseTXT(txt string, pub *ecdsa.PublicKey) (Seed, error) {
	trimmed := strings.TrimSpace(txt)
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return Seed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, recordPrefix))
	if err != nil {
		return Seed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Seed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if rec.NotAfter > 0 && rec.NotBefore > 0 && rec.NotAfter < rec.NotBefore {
		return Seed{}, errors.New("notAfter must be >= notBefore")
	}
	node, err := network.ParseEnode(rec.Enode)
	if err != nil {
		return Seed{}, err
	}
	sig, err := hexutil.Decode(rec.Signature)
	if err != nil {
		return Seed{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	hash := signingHash(rec.Enode, rec.NotBefore, rec.NotAfter, a.Domain)
	signer, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return Seed{}, fmt.Errorf("recover signer: %w", err)
	}
	if !bytes.Equal(ethcrypto.FromECDSAPub(signer), ethcrypto.FromECDSAPub(pub)) {
		return Seed{}, errors.New("signature verification failed")
	}
	return Seed{
		Enode:     node.String(),
		Source:    "dns:" + strings.ToLower(strings.TrimSpace(a.Domain)),
		NotBefore: rec.NotBefore,
		NotAfter:  rec.NotAfter,
	}, nil
}

func signingHash(enode string, notBefore, notAfter int64, domain string) []byte {
	msg := fmt.Sprintf("%s\n%d\n%d\n%s", enode, notBefore, notAfter, strings.ToLower(strings.TrimSpace(domain)))
	return ethcrypto.Keccak256([]byte(msg))
}

func dedupeSeeds(in []Seed) []Seed {
	seen := make(map[string]struct{}, len(in))
	out := make([]Seed, 0, len(in))
	for _, seed := range in {
		if _, ok := seen[seed.Enode]; ok {
			continue
		}
		seen[seed.Enode] = struct{}{}
		out = append(out, seed)
	}
	return out
}

// Source resolves a set of authorities and caches the result for the refresh
// interval. It implements network.BootnodeSource.
type Source struct {
	authorities []Authority
	resolver    Resolver
	refresh     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	cached   []Seed
	resolved time.Time
}

var _ network.BootnodeSource = (*Source)(nil)

// NewSource validates the authorities. A zero refresh uses 15 minutes.
func NewSource(authorities []Authority, resolver Resolver, refresh time.Duration, logger *slog.Logger) (*Source, error) {
	if resolver == nil {
		return nil, errors.New("seeds: resolver required")
	}
	for _, a := range authorities {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		authorities: append([]Authority(nil), authorities...),
		resolver:    resolver,
		refresh:     refresh,
		logger:      logger.With(slog.String("component", "p2p_seeds")),
		now:         time.Now,
	}, nil
}

// Bootnodes returns the enodes of all active seeds, resolving again once the
// cache is older than the refresh interval. When every lookup fails the
// previous result is kept.
func (s *Source) Bootnodes(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.resolved.IsZero() || now.Sub(s.resolved) >= s.refresh {
		s.resolveLocked(ctx, now)
	}
	out := make([]string, 0, len(s.cached))
	for _, seed := range s.cached {
		if seed.Active(now) {
			out = append(out, seed.Enode)
		}
	}
	return out
}

func (s *Source) resolveLocked(ctx context.Context, now time.Time) {
	var (
		all       []Seed
		succeeded bool
	)
	for _, authority := range s.authorities {
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		seeds, err := authority.Resolve(lookupCtx, now, s.resolver)
		cancel()
		if err != nil {
			s.logger.Warn("Seed lookup incomplete",
				slog.String("domain", authority.Domain),
				slog.Int("seeds", len(seeds)),
				slog.Any("error", err))
		}
		if seeds != nil || err == nil {
			succeeded = true
		}
		all = append(all, seeds...)
	}
	s.resolved = now
	if !succeeded && len(s.authorities) > 0 {
		return
	}
	s.cached = dedupeSeeds(all)
	for _, seed := range s.cached {
		s.logger.Debug("Seed resolved", logging.MaskField("enode", seed.Enode), slog.String("source", seed.Source))
	}
}
