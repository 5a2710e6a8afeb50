package queue

import (
	"container/heap"
	"time"

	"notification-dispatch/internal/models"
)

type item struct {
	entry *models.QueueEntry
	seq   uint64
	index int
	in    *itemHeap
}

// itemHeap is a container/heap keeping each item's position current so
// entries can be removed or fixed in place.
type itemHeap struct {
	items []*item
	less  func(a, b *item) bool
}

func (h *itemHeap) Len() int           { return len(h.items) }
func (h *itemHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(h.items)
	it.in = h
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	it.index = -1
	it.in = nil
	return it
}

func (h *itemHeap) peek() *item {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *itemHeap) add(it *item) { heap.Push(h, it) }

func (h *itemHeap) take() *item { return heap.Pop(h).(*item) }

func detach(it *item) {
	if it.in != nil {
		heap.Remove(it.in, it.index)
	}
}

func newReadyHeap() *itemHeap {
	return &itemHeap{less: func(a, b *item) bool {
		if a.entry.Priority != b.entry.Priority || !a.entry.NextEligibleAt.Equal(b.entry.NextEligibleAt) {
			return claimOrder(a.entry, b.entry)
		}
		return a.seq < b.seq
	}}
}

func newDelayedHeap() *itemHeap {
	return &itemHeap{less: func(a, b *item) bool {
		if !a.entry.NextEligibleAt.Equal(b.entry.NextEligibleAt) {
			return a.entry.NextEligibleAt.Before(b.entry.NextEligibleAt)
		}
		return a.seq < b.seq
	}}
}

func newLeaseHeap() *itemHeap {
	return &itemHeap{less: func(a, b *item) bool {
		return leaseExpiry(a).Before(leaseExpiry(b))
	}}
}

func leaseExpiry(it *item) time.Time {
	if it.entry.LeaseExpiresAt == nil {
		return time.Time{}
	}
	return *it.entry.LeaseExpiresAt
}
