package router

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reachkad/router/wire"
)

// searchQueue is a container/heap-ordered queue of not-yet-sent probes
// within one search, prioritized by ascending XOR-distance-to-target.
// Grounded on pkg/p2p/message_router.go's priorityQueue
// (wyf-ACCEPT-eth2030), which pops outbound work items from a
// container/heap by priority the same way.
type searchQueue struct {
	items  []*Probe
	target Identifier
}

func (q *searchQueue) Len() int { return len(q.items) }
func (q *searchQueue) Less(i, j int) bool {
	di := prefix(xorDistance(q.items[i].peerID, q.target))
	dj := prefix(xorDistance(q.items[j].peerID, q.target))
	return di < dj
}
func (q *searchQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *searchQueue) Push(x any)    { q.items = append(q.items, x.(*Probe)) }
func (q *searchQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// SearchStore tracks every active search as a DAG of Probes, addressed
// globally by transactionId, plus a per-search priority queue of
// candidate probes awaiting dispatch. Grounded on network.go's
// inflight map[string]chan envelope (teacher) for the
// transactionId-keyed correlation idea, generalized with a
// container/heap priority queue per pkg/p2p/message_router.go.
type SearchStore struct {
	mu sync.Mutex

	byTransaction map[uint32]*Probe
	nextTxnID     uint32

	metrics *searchMetrics
}

// NewSearchStore constructs an empty store.
func NewSearchStore(m *searchMetrics) *SearchStore {
	return &SearchStore{
		byTransaction: make(map[uint32]*Probe),
		metrics:       m,
	}
}

// NewSearch allocates a Search bound to a child scope of parent.
func (s *SearchStore) NewSearch(target Identifier, requestType string, cb SearchCallback, parent wire.ScopedAllocator) *Search {
	search := &Search{
		id:          uuid.New(),
		target:      target,
		requestType: requestType,
		callback:    cb,
		byPeerID:    make(map[Identifier]*Probe),
		queue:       searchQueue{target: target},
	}
	if parent != nil {
		search.alloc = parent.Child()
	}
	if s.metrics != nil {
		s.metrics.incActive()
	}
	return search
}

// AddProbe enqueues a candidate probe for peerID within search. If an
// existing probe for the same peerID already exists and its evictAfter
// is later than the new one, this is a no-op (de-duplication per
// spec.md §4.4); otherwise the existing entry's deadline is refreshed.
func (s *SearchStore) AddProbe(parent *Probe, peerID Identifier, peerAddr NetAddress, evictAfter time.Time, search *Search) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := search.byPeerID[peerID]; ok {
		if existing.evictAfter.After(evictAfter) {
			return
		}
		existing.evictAfter = evictAfter
		return
	}

	p := &Probe{
		search:         search,
		parent:         parent,
		peerID:         peerID,
		peerNetAddress: peerAddr,
		evictAfter:     evictAfter,
	}
	search.byPeerID[peerID] = p
	search.probes = append(search.probes, p)
	heap.Push(&search.queue, p)
}

// NextProbe dequeues the candidate probe with lowest XOR distance to
// the search's target, assigns it a fresh unique transactionId, and
// stamps sentAt. Returns false if no candidate is queued.
func (s *SearchStore) NextProbe(search *Search, now time.Time) (*Probe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if search.queue.Len() == 0 {
		return nil, false
	}
	p := heap.Pop(&search.queue).(*Probe)
	p.transactionID = s.allocateTransactionIDLocked()
	p.sent = true
	p.sentAt = now
	s.byTransaction[p.transactionID] = p
	if s.metrics != nil {
		s.metrics.incProbesSent()
	}
	return p, true
}

// allocateTransactionIDLocked returns a transaction id not currently in
// use by any live probe, wrapping around uint32 space if needed (spec.md
// §5: "wrap-around requires checking collision with live set").
func (s *SearchStore) allocateTransactionIDLocked() uint32 {
	for {
		s.nextTxnID++
		if _, taken := s.byTransaction[s.nextTxnID]; !taken {
			return s.nextTxnID
		}
	}
}

// LookupByTransactionID resolves a wire transaction id back to its
// Probe. Returns false if the id is unknown (spurious reply, or a
// terminated search whose probes were already released).
func (s *SearchStore) LookupByTransactionID(tid uint32) (*Probe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byTransaction[tid]
	return p, ok
}

// MarkReplied stamps repliedAt on probe.
func (s *SearchStore) MarkReplied(probe *Probe, now time.Time) {
	probe.repliedAt = now
}

// GetSearchForProbe returns the Search owning probe.
func (s *SearchStore) GetSearchForProbe(probe *Probe) *Search {
	return probe.search
}

// BackTrace walks the probe chain from leaf up through its parents,
// returning them in that order (leaf first).
func (s *SearchStore) BackTrace(leaf *Probe) []*Probe {
	var chain []*Probe
	for p := leaf; p != nil; p = p.parent {
		chain = append(chain, p)
	}
	return chain
}

// Terminate releases every probe and transaction-id registration
// belonging to search, and releases its scoped allocator. Outstanding
// replies arriving afterward fail LookupByTransactionID (spec.md §5).
func (s *SearchStore) Terminate(search *Search) {
	s.mu.Lock()
	for _, p := range search.probes {
		delete(s.byTransaction, p.transactionID)
	}
	s.mu.Unlock()

	search.terminated = true
	if search.alloc != nil {
		search.alloc.Release()
	}
	if s.metrics != nil {
		s.metrics.decActive()
	}
}
