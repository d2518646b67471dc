package orderbook

import (
	"container/heap"

	"github.com/shopspring/decimal"
)

// priceHeap tracks the price levels of one book side. Bids use a max-heap,
// asks a min-heap. Erasure is lazy: erased prices are tombstoned and skipped
// on the next peek, keeping erase at O(log P) amortized.
type priceHeap struct {
	prices     []decimal.Decimal
	max        bool
	inHeap     map[string]struct{} // price key -> present in prices
	tombstones map[string]struct{} // price key -> erased, awaiting pop
}

func newPriceHeap(max bool) *priceHeap {
	h := &priceHeap{
		max:        max,
		inHeap:     make(map[string]struct{}),
		tombstones: make(map[string]struct{}),
	}
	heap.Init(h)
	return h
}

func (h *priceHeap) Len() int { return len(h.prices) }

func (h *priceHeap) Less(i, j int) bool {
	if h.max {
		return h.prices[i].GreaterThan(h.prices[j])
	}
	return h.prices[i].LessThan(h.prices[j])
}

func (h *priceHeap) Swap(i, j int) { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }

func (h *priceHeap) Push(x any) { h.prices = append(h.prices, x.(decimal.Decimal)) }

func (h *priceHeap) Pop() any {
	old := h.prices
	n := len(old)
	x := old[n-1]
	h.prices = old[:n-1]
	return x
}

// Insert registers a price level. Re-inserting a tombstoned price revives
// the existing heap entry.
func (h *priceHeap) Insert(p decimal.Decimal) {
	key := p.String()
	if _, ok := h.inHeap[key]; ok {
		delete(h.tombstones, key)
		return
	}
	h.inHeap[key] = struct{}{}
	heap.Push(h, p)
}

// Erase tombstones a price level; the entry is dropped on a later peek.
func (h *priceHeap) Erase(p decimal.Decimal) {
	key := p.String()
	if _, ok := h.inHeap[key]; !ok {
		return
	}
	h.tombstones[key] = struct{}{}
}

// Peek returns the best live price, discarding tombstoned entries on the way.
func (h *priceHeap) Peek() (decimal.Decimal, bool) {
	for h.Len() > 0 {
		top := h.prices[0]
		key := top.String()
		if _, dead := h.tombstones[key]; !dead {
			return top, true
		}
		heap.Pop(h)
		delete(h.tombstones, key)
		delete(h.inHeap, key)
	}
	return decimal.Zero, false
}
