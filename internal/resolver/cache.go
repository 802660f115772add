package resolver

import (
	"container/heap"
	"net/netip"
	"time"
)

// entry is what the cache map holds for a host: either a lookup in flight
// or its result.
type entry interface {
	isEntry()
}

// pending is a lookup in flight. Other callers wait on done and then read
// the result, which is written before done is closed.
type pending struct {
	done chan struct{}

	addrs []netip.Addr
	err   error
	// retry is set when the resolving caller gave up because of its own
	// context, so waiters must start over instead of sharing the error.
	retry bool
}

func (*pending) isEntry() {}

// cached is a resolved result. A forever entry has a zero expiry and is
// never on the expiry heap.
type cached struct {
	host   string
	addrs  []netip.Addr
	err    error
	expiry time.Time
	seq    uint64
	index  int // position in the expiry heap, -1 if not on it
}

func (*cached) isEntry() {}

func (c *cached) expired(now time.Time) bool {
	return !c.expiry.IsZero() && !now.Before(c.expiry)
}

// expiryHeap orders cached entries by expiry, then by insertion sequence.
type expiryHeap []*cached

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if c := h[i].expiry.Compare(h[j].expiry); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	c := x.(*cached)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// sweepLocked removes every entry that has expired by now. r.mu is held.
func (r *Resolver) sweepLocked(now time.Time) int {
	removed := 0
	for r.expiry.Len() > 0 && r.expiry[0].expired(now) {
		c := heap.Pop(&r.expiry).(*cached)
		if e, ok := r.entries[c.host]; ok && e == entry(c) {
			delete(r.entries, c.host)
			removed++
		}
	}
	return removed
}

// storeLocked replaces p with its result, or drops it when results of
// this kind are never cached. r.mu is held.
func (r *Resolver) storeLocked(key string, p *pending, now time.Time) {
	if e, ok := r.entries[key]; !ok || e != entry(p) {
		return
	}
	policy := r.positive
	if p.err != nil {
		policy = r.negative
	}
	if policy == Never {
		delete(r.entries, key)
		return
	}
	r.seq++
	c := &cached{host: key, addrs: p.addrs, err: p.err, seq: r.seq, index: -1}
	if policy != Forever {
		c.expiry = now.Add(time.Duration(policy))
		heap.Push(&r.expiry, c)
	}
	r.entries[key] = c
}
