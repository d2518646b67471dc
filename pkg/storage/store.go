// Package storage defines the retention interface for orders and fills and
// provides in-memory and pebble-backed implementations. The engine's
// in-memory state is authoritative; the store is write-through retention
// serving restarts and audits.
package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obdex/obdex/pkg/core"
)

// Store persists order and fill records.
type Store interface {
	SaveOrder(o *core.Order) error
	GetOrder(id string) (*core.Order, bool, error)
	OrdersByUser(user common.Address, limit int) ([]*core.Order, error)
	SaveFill(f *core.Fill) error
	RecentFills(pair string, limit int) ([]*core.Fill, error)
	Close() error
}

// MemoryStore is the default Store: process-lifetime retention only.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*core.Order
	byUser map[common.Address][]string
	fills  map[string][]*core.Fill // pair -> fills, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*core.Order),
		byUser: make(map[common.Address][]string),
		fills:  make(map[string][]*core.Fill),
	}
}

func (s *MemoryStore) SaveOrder(o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	if _, seen := s.orders[o.ID]; !seen {
		s.byUser[o.User] = append(s.byUser[o.User], o.ID)
	}
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(id string) (*core.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}

func (s *MemoryStore) OrdersByUser(user common.Address, limit int) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[user]
	out := make([]*core.Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.orders[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveFill(f *core.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.fills[f.Pair] = append(s.fills[f.Pair], &cp)
	return nil
}

func (s *MemoryStore) RecentFills(pair string, limit int) ([]*core.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Fill
	for p, fs := range s.fills {
		if pair != "" && p != pair {
			continue
		}
		for _, f := range fs {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
