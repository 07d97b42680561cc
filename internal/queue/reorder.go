package queue

import "sync"

// reorderBuffer releases results in strict chunk sequence order no matter
// which worker finishes first. Completed results park in a seq-indexed map
// until every earlier sequence number has been emitted.
type reorderBuffer struct {
	out chan<- Result

	mu      sync.Mutex
	next    uint64
	pending map[uint64]Result
}

func newReorderBuffer(start uint64, out chan<- Result) *reorderBuffer {
	return &reorderBuffer{
		out:     out,
		next:    start,
		pending: make(map[uint64]Result),
	}
}

// push files a completed result and emits every result that is now ready.
// Emission happens under the lock so concurrent workers cannot interleave
// their ready runs out of order.
func (b *reorderBuffer) push(r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[r.Chunk.Seq] = r
	for {
		ready, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		b.next++
		b.out <- ready
	}
}

// pendingCount reports how many results are parked waiting for earlier
// sequence numbers.
func (b *reorderBuffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
