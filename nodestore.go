package router

import (
	"sort"
	"sync"
	"time"
)

// defaultNodeStoreSize is the bounded capacity N from spec.md §3.
const defaultNodeStoreSize = 16384

// defaultMaxTimeouts is the consecutive-timeout eviction threshold.
const defaultMaxTimeouts = 10

// NodeStore is a bounded set of known peers, ranked for
// closest-K-by-reach-weighted-distance queries. Each method holds the
// lock for its whole body, so a mutator's ranking decision and the
// mutation it leads to happen under one write lock. Eviction follows
// routingtable.go's AddContact, generalized from bucket-LRU eviction to
// reach-weighted eviction.
type NodeStore struct {
	mu sync.RWMutex

	self     Identifier
	capacity int
	maxTO    int

	nodes map[Identifier]*Node

	metrics *storeMetrics
	now     func() time.Time
}

// NodeStoreOption configures a NodeStore at construction.
type NodeStoreOption func(*NodeStore)

// WithCapacity overrides the default 16384-node capacity.
func WithCapacity(n int) NodeStoreOption {
	return func(s *NodeStore) { s.capacity = n }
}

// WithMaxTimeouts overrides the default consecutive-timeout eviction
// threshold.
func WithMaxTimeouts(n int) NodeStoreOption {
	return func(s *NodeStore) { s.maxTO = n }
}

// NewNodeStore creates an empty store for a router whose own id is self.
func NewNodeStore(self Identifier, m *storeMetrics, opts ...NodeStoreOption) *NodeStore {
	s := &NodeStore{
		self:     self,
		capacity: defaultNodeStoreSize,
		maxTO:    defaultMaxTimeouts,
		nodes:    make(map[Identifier]*Node),
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts id if absent (reach starts at 0), or refreshes the
// NetAddress of an existing entry. If the store is at capacity, the
// lowest-ranked node (relative to this router's own id) is evicted
// first.
func (s *NodeStore) Add(id Identifier, addr NetAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[id]; ok {
		n.NetAddress = addr
		return
	}

	if len(s.nodes) >= s.capacity {
		s.evictWorstLocked()
	}

	s.nodes[id] = &Node{ID: id, NetAddress: addr, firstSeen: s.now()}
	if s.metrics != nil {
		s.metrics.setSize(len(s.nodes))
		s.metrics.setMeanReach(s.meanReachLocked())
	}
}

// evictWorstLocked removes the node scoring lowest under the
// reach-weighted ranking relative to this router's own id — there is
// no search target at insertion time, so self is used as the
// reference point, the same way routingtable.go ranks candidates
// relative to routingTable.me.
func (s *NodeStore) evictWorstLocked() {
	var worstID Identifier
	var worstSet bool
	var worstDist, worstReach uint32

	for id, n := range s.nodes {
		d := prefix(xorDistance(n.ID, s.self))
		if !worstSet || ratioLess(worstDist, worstReach, d, n.reach) {
			worstID, worstSet = id, true
			worstDist, worstReach = d, n.reach
		}
	}
	if worstSet {
		delete(s.nodes, worstID)
		if s.metrics != nil {
			s.metrics.incEvicted()
		}
	}
}

// Get returns the node for id, if known.
func (s *NodeStore) Get(id Identifier) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// ClosestK returns up to k Nodes ordered by ascending reach-weighted
// distance to target, excluding any node whose XOR distance to target
// is not strictly less than this router's own (loop prevention).
func (s *NodeStore) ClosestK(target Identifier, k int) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	selfDist := xorDistance(s.self, target)

	type cand struct {
		n     Node
		dist  uint32
		reach uint32
	}
	candidates := make([]cand, 0, len(s.nodes))
	for _, n := range s.nodes {
		d := xorDistance(n.ID, target)
		if !d.less(selfDist) {
			continue
		}
		candidates = append(candidates, cand{n: *n, dist: prefix(d), reach: n.reach})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return ratioLess(candidates[i].dist, candidates[i].reach, candidates[j].dist, candidates[j].reach)
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Node, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].n
	}
	return out
}

// SelfReach is this router's "opinion of its own reach": the maximum
// reach of any node it knows, or 0 if it knows none.
func (s *NodeStore) SelfReach() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint32
	for _, n := range s.nodes {
		if n.reach > max {
			max = n.reach
		}
	}
	return max
}

// SelfIsClosest reports whether this router's own reach-weighted
// distance to target ranks at least as well as every node it knows —
// the §4.7 self-training gate: local maintenance only searches while
// the router believes itself the best route to target, and tapers off
// once it has learned peers with a better distance/reach ratio.
// Nodes with zero reach never outrank the router here.
func (s *NodeStore) SelfIsClosest(target Identifier, selfReach uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selfDist := prefix(xorDistance(s.self, target))
	for _, n := range s.nodes {
		if n.reach == 0 {
			continue
		}
		d := prefix(xorDistance(n.ID, target))
		if ratioLess(d, n.reach, selfDist, selfReach) {
			return false
		}
	}
	return true
}

// MarkTimeout records a failed probe against id: reach resets to 0 and
// the consecutive-timeout counter increments. Once it reaches maxTO the
// node is evicted.
func (s *NodeStore) MarkTimeout(id Identifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	n.markTimeout()
	if n.consecutiveTimeouts >= s.maxTO {
		delete(s.nodes, id)
		if s.metrics != nil {
			s.metrics.setSize(len(s.nodes))
			s.metrics.incEvicted()
		}
	}
	if s.metrics != nil {
		s.metrics.setMeanReach(s.meanReachLocked())
	}
}

// MarkReplied credits id with deltaReach (saturating) and resets its
// timeout streak.
func (s *NodeStore) MarkReplied(id Identifier, deltaReach uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.markReplied(deltaReach)
		if s.metrics != nil {
			s.metrics.setMeanReach(s.meanReachLocked())
		}
	}
}

// ZeroReach forces id's reach to 0 without touching its timeout streak,
// used by trace-back attribution when a backpedal is detected (spec.md
// §4.5: "caller zeroes the parent's reach") so a backpedalling parent
// isn't also handed a markReplied-style timeout-streak reset.
func (s *NodeStore) ZeroReach(id Identifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.reach = 0
		if s.metrics != nil {
			s.metrics.setMeanReach(s.meanReachLocked())
		}
	}
}

// DecayAll subtracts decayRate*elapsedSeconds from every node with
// reach > 0, saturating at 0. Nodes already at reach==0 are untouched.
func (s *NodeStore) DecayAll(elapsedSeconds float64, decayRate float64) {
	if elapsedSeconds <= 0 || decayRate <= 0 {
		return
	}
	amount := uint32(elapsedSeconds * decayRate)
	if amount == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		n.decay(amount)
	}
	if s.metrics != nil {
		s.metrics.setMeanReach(s.meanReachLocked())
	}
}

// Len returns the number of nodes currently stored.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// meanReachLocked computes the mean reach across all known nodes, 0 if
// none are known. Callers must hold s.mu.
func (s *NodeStore) meanReachLocked() float64 {
	if len(s.nodes) == 0 {
		return 0
	}
	var sum float64
	for _, n := range s.nodes {
		sum += float64(n.reach)
	}
	return sum / float64(len(s.nodes))
}

// ratioLess reports whether (distA, reachA) ranks strictly better
// (lower slope magnitude dist/reach) than (distB, reachB), treating
// 1/0 as +Inf. Cross-multiplied in uint64 to avoid floating point.
func ratioLess(distA, reachA, distB, reachB uint32) bool {
	if reachA == 0 && reachB == 0 {
		return distA < distB
	}
	if reachA == 0 {
		return false // A is +Inf, never less than a finite B
	}
	if reachB == 0 {
		return true // A is finite, always less than +Inf B
	}
	return uint64(distA)*uint64(reachB) < uint64(distB)*uint64(reachA)
}
