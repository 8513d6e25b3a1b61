package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Minute

	peerKeyPrefix = "peer:"
	maxPeerScore  = 1000
)

// PeerstoreEntry is the dial metadata persisted for each known node.
type PeerstoreEntry struct {
	Addr        string    `json:"addr"`
	NodeID      string    `json:"nodeID"`
	Score       float64   `json:"score"`
	LastSeen    time.Time `json:"lastSeen"`
	Fails       int       `json:"fails"`
	BannedUntil time.Time `json:"bannedUntil"`
}

// Enode returns the dialable form of the entry.
func (e PeerstoreEntry) Enode() string {
	return Node{ID: e.NodeID, Addr: e.Addr}.String()
}

// Peerstore is a concurrency-safe registry of known nodes backed by LevelDB.
// It outlives individual connections: bans and backoff survive restarts.
type Peerstore struct {
	mu sync.RWMutex

	db *leveldb.DB

	byAddr map[string]*PeerstoreEntry
	byNode map[string]*PeerstoreEntry

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewPeerstore opens (or creates) a peerstore at path.
func NewPeerstore(path string, baseBackoff, maxBackoff time.Duration) (*Peerstore, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}

	store := &Peerstore{
		db:          db,
		byAddr:      make(map[string]*PeerstoreEntry),
		byNode:      make(map[string]*PeerstoreEntry),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	ps.byAddr = nil
	ps.byNode = nil
	return err
}

// Put inserts or merges a record keyed by node ID. Zero fields keep their
// stored values; a changed address replaces the old one.
func (ps *Peerstore) Put(rec PeerstoreEntry) error {
	if rec.NodeID == "" {
		return errors.New("nodeID required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.putLocked(&rec)
}

// Get returns a record by address.
func (ps *Peerstore) Get(addr string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// ByNodeID returns a record by node identifier.
func (ps *Peerstore) ByNodeID(nodeID string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// Len returns the number of known nodes.
func (ps *Peerstore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byNode)
}

// RecordSuccess rewards a completed session and clears the failure count.
func (ps *Peerstore) RecordSuccess(nodeID string, now time.Time) (PeerstoreEntry, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return PeerstoreEntry{}, fmt.Errorf("record success: %w", leveldb.ErrNotFound)
	}
	rec.Score++
	if rec.Score > maxPeerScore {
		rec.Score = maxPeerScore
	}
	rec.LastSeen = now
	rec.Fails = 0
	if err := ps.persistLocked(rec); err != nil {
		return PeerstoreEntry{}, err
	}
	return *rec, nil
}

// RecordFail increases the failure count and halves the score.
func (ps *Peerstore) RecordFail(nodeID string, now time.Time) (PeerstoreEntry, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return PeerstoreEntry{}, fmt.Errorf("record fail: %w", leveldb.ErrNotFound)
	}
	rec.Fails++
	rec.LastSeen = now
	if rec.Score > 0 {
		rec.Score *= 0.5
		if rec.Score < 0.001 {
			rec.Score = 0
		}
	}
	if err := ps.persistLocked(rec); err != nil {
		return PeerstoreEntry{}, err
	}
	return *rec, nil
}

// SetBan sets a ban expiry timestamp for a known node.
func (ps *Peerstore) SetBan(nodeID string, until time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return fmt.Errorf("set ban: %w", leveldb.ErrNotFound)
	}
	rec.BannedUntil = until
	return ps.persistLocked(rec)
}

// Ban records the node if needed and bans it until the given time.
func (ps *Peerstore) Ban(nodeID, addr string, until time.Time) error {
	if nodeID == "" {
		return errors.New("nodeID required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.putLocked(&PeerstoreEntry{NodeID: nodeID, Addr: addr, BannedUntil: until})
}

// IsBanned reports whether the node is currently banned. Expired bans are
// cleared on access.
func (ps *Peerstore) IsBanned(nodeID string, now time.Time) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byNode[nodeID]
	if rec == nil {
		return false
	}
	if rec.BannedUntil.After(now) {
		return true
	}
	if rec.BannedUntil.IsZero() {
		return false
	}
	rec.BannedUntil = time.Time{}
	_ = ps.persistLocked(rec)
	return false
}

// NextDialAt returns when the address should be dialled next based on backoff.
func (ps *Peerstore) NextDialAt(addr string, now time.Time) time.Time {
	ps.mu.RLock()
	rec := ps.byAddr[addr]
	if rec == nil {
		ps.mu.RUnlock()
		return now
	}
	snapshot := *rec
	ps.mu.RUnlock()
	return ps.nextDial(snapshot, now)
}

// Candidates returns up to limit dialable entries, best score first.
func (ps *Peerstore) Candidates(now time.Time, limit int) []PeerstoreEntry {
	ps.mu.RLock()
	entries := make([]PeerstoreEntry, 0, len(ps.byNode))
	for _, rec := range ps.byNode {
		if rec.Addr == "" {
			continue
		}
		entries = append(entries, *rec)
	}
	ps.mu.RUnlock()

	out := entries[:0]
	for _, entry := range entries {
		if ps.nextDial(entry, now).After(now) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (ps *Peerstore) nextDial(snapshot PeerstoreEntry, now time.Time) time.Time {
	if snapshot.BannedUntil.After(now) {
		return snapshot.BannedUntil
	}
	if snapshot.Fails <= 0 {
		return now
	}
	base := ps.baseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	factor := time.Duration(1)
	if snapshot.Fails > 1 {
		shift := snapshot.Fails - 1
		if shift > 30 {
			shift = 30
		}
		factor = 1 << uint(shift)
	}
	backoff := base * factor
	if ps.maxBackoff > 0 && backoff > ps.maxBackoff {
		backoff = ps.maxBackoff
	}
	next := snapshot.LastSeen.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

func (ps *Peerstore) putLocked(rec *PeerstoreEntry) error {
	existing := ps.byNode[rec.NodeID]
	if existing != nil {
		if rec.Addr == "" {
			rec.Addr = existing.Addr
		}
		if rec.Score == 0 {
			rec.Score = existing.Score
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = existing.LastSeen
		}
		if rec.Fails == 0 {
			rec.Fails = existing.Fails
		}
		if rec.BannedUntil.IsZero() {
			rec.BannedUntil = existing.BannedUntil
		}
		if existing.Addr != "" && existing.Addr != rec.Addr {
			delete(ps.byAddr, existing.Addr)
		}
	} else if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	stored := *rec
	ps.byNode[rec.NodeID] = &stored
	if stored.Addr != "" {
		ps.byAddr[stored.Addr] = &stored
	}
	return ps.persistLocked(&stored)
}

func (ps *Peerstore) persistLocked(rec *PeerstoreEntry) error {
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ps.db.Put([]byte(peerKeyPrefix+rec.NodeID), blob, nil)
}

func (ps *Peerstore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	iter := ps.db.NewIterator(util.BytesPrefix([]byte(peerKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerstoreEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer %s: %w", iter.Key(), err)
		}
		stored := rec
		ps.byNode[rec.NodeID] = &stored
		if rec.Addr != "" {
			ps.byAddr[rec.Addr] = &stored
		}
	}
	return iter.Error()
}
