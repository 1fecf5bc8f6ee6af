package replica

import "container/heap"

// holdbackEntry is one PREPAREd-but-not-yet-decided operation sitting in
// a secondary's hold-back buffer (spec §9's suggested design).
type holdbackEntry struct {
	seq     uint64
	row     string
	opBytes []byte
	index   int // heap bookkeeping
}

// holdbackQueue is a min-heap keyed by seq. In the common case entries
// arrive and drain in seq order already (the primary's dispatcher
// broadcasts PREPARE and COMMIT/ABORT for one seq at a time — see
// Group.run), so the heap degenerates to a short FIFO; it stays a proper
// priority queue so a secondary tolerates any reordering a network hiccup
// introduces without misapplying operations out of sequence.
type holdbackQueue struct {
	items []*holdbackEntry
	byS   map[uint64]*holdbackEntry
}

func newHoldbackQueue() *holdbackQueue {
	return &holdbackQueue{byS: make(map[uint64]*holdbackEntry)}
}

func (q *holdbackQueue) Len() int { return len(q.items) }
func (q *holdbackQueue) Less(i, j int) bool {
	return q.items[i].seq < q.items[j].seq
}
func (q *holdbackQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}
func (q *holdbackQueue) Push(x any) {
	e := x.(*holdbackEntry)
	e.index = len(q.items)
	q.items = append(q.items, e)
}
func (q *holdbackQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return e
}

// Put records a newly PREPAREd operation awaiting its decision.
func (q *holdbackQueue) Put(seq uint64, row string, opBytes []byte) {
	e := &holdbackEntry{seq: seq, row: row, opBytes: opBytes}
	heap.Push(q, e)
	q.byS[seq] = e
}

// Peek returns the lowest-seq entry without removing it.
func (q *holdbackQueue) Peek() (*holdbackEntry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Take removes and returns the entry for seq, wherever it sits in the
// heap (used by ABORT, which may resolve an entry that is not currently
// at the front).
func (q *holdbackQueue) Take(seq uint64) (*holdbackEntry, bool) {
	e, ok := q.byS[seq]
	if !ok {
		return nil, false
	}
	heap.Remove(q, e.index)
	delete(q.byS, seq)
	return e, true
}

// PopFront removes and returns the lowest-seq entry.
func (q *holdbackQueue) PopFront() (*holdbackEntry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	e := heap.Pop(q).(*holdbackEntry)
	delete(q.byS, e.seq)
	return e, true
}
