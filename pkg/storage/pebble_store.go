package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/obdex/obdex/pkg/core"
)

// PebbleStore is the durable Store used when a data directory is configured.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) SaveOrder(o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	// Secondary index: user -> order ID, createdAt descending via reverse scan.
	if err := batch.Set(userOrderKey(o.User, o.CreatedAt.UnixNano(), o.ID), []byte(o.ID), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return core.Wrap(core.CodeStorageUnavailable, err, "commit order")
	}
	return nil
}

func (s *PebbleStore) GetOrder(id string) (*core.Order, bool, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.Wrap(core.CodeStorageUnavailable, err, "get order")
	}
	defer closer.Close()

	var o core.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, false, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, true, nil
}

func (s *PebbleStore) OrdersByUser(user common.Address, limit int) ([]*core.Order, error) {
	prefix := userOrderPrefix(user)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, core.Wrap(core.CodeStorageUnavailable, err, "iterate user orders")
	}
	defer iter.Close()

	var out []*core.Order
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		o, ok, err := s.GetOrder(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *PebbleStore) SaveFill(f *core.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	key := fillKey(f.Pair, f.CreatedAt.UnixNano(), f.ID)
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return core.Wrap(core.CodeStorageUnavailable, err, "set fill")
	}
	return nil
}

func (s *PebbleStore) RecentFills(pair string, limit int) ([]*core.Fill, error) {
	prefix := []byte("f:")
	if pair != "" {
		prefix = fillPrefix(pair)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, core.Wrap(core.CodeStorageUnavailable, err, "iterate fills")
	}
	defer iter.Close()

	var out []*core.Fill
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var f core.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue
		}
		out = append(out, &f)
	}
	// Cross-pair scans iterate pair-major; restore global time order.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*PebbleStore)(nil)
