// Package directory is the peer directory used for call rendezvous: peers
// join a room keyed by the interview session and discover each other by
// polling.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	redis "github.com/redis/go-redis/v9"
)

// Store keeps room membership. Peers are returned in the order they first
// joined, and a peer that has not re-joined within the TTL is dropped.
type Store interface {
	Join(ctx context.Context, room, peerID string) error
	Peers(ctx context.Context, room string) ([]string, error)
	Leave(ctx context.Context, room, peerID string) error
	Close() error
}

// NewStore builds the store selected by cfg.Backend.
func NewStore(cfg config.DirectoryConfig, clk clock.Clock, logger *slog.Logger) (Store, error) {
	ttl := time.Duration(cfg.PeerTTLSec) * time.Second
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(ttl, clk), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		logger.Info("directory using redis", slog.String("addr", cfg.RedisAddr))
		return NewRedisStore(client, cfg.KeyPrefix, ttl, clk), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}
}

type memberEntry struct {
	joined   time.Time
	seq      uint64
	lastSeen time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	ttl   time.Duration
	clock clock.Clock

	mu    sync.Mutex
	seq   uint64
	rooms map[string]map[string]*memberEntry
}

func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	return &MemoryStore{ttl: ttl, clock: clk, rooms: make(map[string]map[string]*memberEntry)}
}

func (m *MemoryStore) Join(_ context.Context, room, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	members := m.rooms[room]
	if members == nil {
		members = make(map[string]*memberEntry)
		m.rooms[room] = members
	}
	if e, ok := members[peerID]; ok && !m.expired(e, now) {
		e.lastSeen = now
		return nil
	}
	m.seq++
	members[peerID] = &memberEntry{joined: now, seq: m.seq, lastSeen: now}
	return nil
}

func (m *MemoryStore) Peers(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	members := m.rooms[room]
	type ordered struct {
		id  string
		seq uint64
	}
	var live []ordered
	for id, e := range members {
		if m.expired(e, now) {
			delete(members, id)
			continue
		}
		live = append(live, ordered{id: id, seq: e.seq})
	}
	if len(members) == 0 {
		delete(m.rooms, room)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	peers := make([]string, 0, len(live))
	for _, p := range live {
		peers = append(peers, p.id)
	}
	return peers, nil
}

func (m *MemoryStore) Leave(_ context.Context, room, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members := m.rooms[room]; members != nil {
		delete(members, peerID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Occupancy counts rooms and peers, expired members included until the
// next Peers call prunes them.
func (m *MemoryStore) Occupancy() (rooms, peers int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, members := range m.rooms {
		rooms++
		peers += int64(len(members))
	}
	return rooms, peers
}

func (m *MemoryStore) expired(e *memberEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.lastSeen) > m.ttl
}
