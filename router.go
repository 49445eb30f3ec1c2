package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/reachkad/router/wire"
)

// Router fuses the node store, search store, and GMRT scoring model
// into the recursive search engine described by spec.md §4.5.
// Grounded on kademlia.go's LookupContact (alpha-parallel iterative
// fan-out with a convergence check) and network.go's handler dispatch
// (handlePing/handleFindNode), generalized from the teacher's two fixed
// verbs to an opaque per-search requestType.
type Router struct {
	self     Identifier
	selfAddr NetAddress

	store    *NodeStore
	searches *SearchStore
	gmrt     *gmrtRoller

	cfg Config

	registry wire.MessageRegistry
	events   wire.EventBase
	rootAlloc wire.ScopedAllocator

	logger  *slog.Logger
	metrics *Metrics

	recentMu     sync.Mutex
	recentServed map[Identifier]time.Time // targets served by handleQuery, for global maintenance
}

// NewRouter constructs a Router bound to the given collaborators. A nil
// logger falls back to slog.Default(); a nil *Metrics disables
// instrumentation.
func NewRouter(self Identifier, selfAddr NetAddress, registry wire.MessageRegistry, events wire.EventBase, rootAlloc wire.ScopedAllocator, cfg Config, metrics *Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	var storeM *storeMetrics
	var searchM *searchMetrics
	if metrics != nil {
		storeM, searchM = metrics.store, metrics.search
	}

	r := &Router{
		self:         self,
		selfAddr:     selfAddr,
		store:        NewNodeStore(self, storeM, WithCapacity(cfg.NodeStoreSize), WithMaxTimeouts(cfg.MaxTimeouts)),
		searches:     NewSearchStore(searchM),
		gmrt:         newGMRTRoller(events.Now),
		cfg:          cfg,
		registry:     registry,
		events:       events,
		rootAlloc:    rootAlloc,
		logger:       logger.With("component", "router"),
		metrics:      metrics,
		recentServed: make(map[Identifier]time.Time),
	}
	registry.RegisterIncoming(r.handleIncoming)
	return r
}

// Store exposes the router's node store (e.g. for maintenance loops or
// metrics scraping).
func (r *Router) Store() *NodeStore { return r.store }

func (r *Router) now() time.Time { return r.events.Now() }

// handleIncoming dispatches an inbound wire message to the query or
// reply handler based on its message-type tag.
func (r *Router) handleIncoming(from [6]byte, msg wire.Dict) {
	typ, _ := dictString(msg, wire.KeyMessageType)
	switch typ {
	case wire.MessageTypeQuery:
		r.handleQuery(NetAddress(from), msg)
	case wire.MessageTypeReply:
		r.handleReply(NetAddress(from), msg)
	default:
		r.logger.Debug("dropping message with unknown type", "type", typ)
	}
}

// handleQuery implements spec.md §4.5 "Inbound query handling".
func (r *Router) handleQuery(from NetAddress, msg wire.Dict) {
	tid, ok := dictString(msg, wire.KeyTransactionID)
	if !ok {
		r.logger.Debug("dropping query: missing transaction id")
		return
	}
	args, ok := dictDict(msg, wire.KeyArgs)
	if !ok {
		r.logger.Debug("dropping query: missing args")
		return
	}
	peerIDStr, ok := dictString(args, wire.KeyQueryingID)
	if !ok {
		r.logger.Debug("dropping query: missing querying id")
		return
	}
	peerID, ok := IdentifierFromBytes([]byte(peerIDStr))
	if !ok {
		r.logger.Debug("dropping query: malformed querying id")
		return
	}
	r.store.Add(peerID, from)

	verb, _ := dictString(msg, wire.KeyQuery)
	targetKey := wire.KeyTarget
	if verb == "get_peers" {
		targetKey = wire.KeyInfoHash
	}
	targetStr, ok := dictString(args, targetKey)
	if !ok {
		r.logger.Debug("dropping query: missing target", "verb", verb)
		return
	}
	target, ok := IdentifierFromBytes([]byte(targetStr))
	if !ok {
		r.logger.Debug("dropping query: malformed target", "verb", verb)
		return
	}

	r.recentMu.Lock()
	r.recentServed[target] = r.now()
	r.recentMu.Unlock()

	closest := r.store.ClosestK(target, r.cfg.ReturnSize)
	reply := wire.Dict{
		wire.KeyTransactionID: tid,
		wire.KeyMessageType:   wire.MessageTypeReply,
		wire.KeyReply: wire.Dict{
			wire.KeyQueryingID: string(r.self.Bytes()),
			wire.KeyNodes:      encodeNodes(closest),
		},
	}
	r.registry.DispatchOutgoing([6]byte(from), reply)
	r.logger.Debug("answered query", "verb", verb, "target", target, "from", from, "returned", len(closest))
}

// handleReply implements spec.md §4.5 "Inbound reply handling".
func (r *Router) handleReply(from NetAddress, msg wire.Dict) {
	tidStr, ok := dictString(msg, wire.KeyTransactionID)
	if !ok {
		r.logger.Debug("dropping reply: missing transaction id")
		return
	}
	tid, ok := decodeTxnID(tidStr)
	if !ok {
		r.logger.Debug("dropping reply: malformed transaction id")
		return
	}
	probe, ok := r.searches.LookupByTransactionID(tid)
	if !ok {
		r.logger.Debug("dropping reply: unknown transaction id", "tid", tid)
		return
	}
	search := r.searches.GetSearchForProbe(probe)
	now := r.now()
	r.searches.MarkReplied(probe, now)

	replyArgs, _ := dictDict(msg, wire.KeyReply)
	nodesStr, _ := dictString(replyArgs, wire.KeyNodes)

	announced, ok := decodeNodes([]byte(nodesStr))
	if !ok {
		// Any length that isn't a multiple of 26 is treated as a bare
		// ping reply: just learn the sender.
		r.store.Add(probe.peerID, from)
		r.deliverReply(search, probe, nil, msg)
		return
	}

	evictAfter := now.Add(2 * time.Duration(r.gmrt.current()) * time.Millisecond)
	for _, n := range announced {
		r.store.Add(n.ID, n.NetAddress)
		r.searches.AddProbe(probe, n.ID, n.NetAddress, evictAfter, search)
	}
	r.deliverReply(search, probe, announced, msg)
}

func (r *Router) deliverReply(search *Search, probe *Probe, announced []Node, raw wire.Dict) {
	if search.callback == nil {
		return
	}
	switch search.callback(Reply{Probe: probe, Nodes: announced, Raw: raw}) {
	case SearchContinue:
		r.searchStep(search)
	case SearchTerminate:
		r.traceBack(probe)
		r.searches.Terminate(search)
		if r.metrics != nil {
			r.metrics.search.incTerminated()
		}
	}
}

// searchStep implements spec.md §4.5 "Search driver": dequeue the next
// candidate probe, send it, and (re)arm the per-search timer.
func (r *Router) searchStep(search *Search) {
	now := r.now()
	p, ok := r.searches.NextProbe(search, now)
	if !ok {
		return
	}

	query := wire.Dict{
		wire.KeyTransactionID: encodeTxnID(p.transactionID),
		wire.KeyMessageType:   wire.MessageTypeQuery,
		wire.KeyQuery:         search.requestType,
		wire.KeyArgs: wire.Dict{
			wire.KeyQueryingID: string(r.self.Bytes()),
			targetKeyForVerb(search.requestType): string(search.target.Bytes()),
		},
	}
	r.registry.DispatchOutgoing([6]byte(p.peerNetAddress), query)

	delay := 2 * time.Duration(r.gmrt.current()) * time.Millisecond
	if search.timer == nil {
		search.timer = r.events.SetTimeout(func() { r.onSearchTimer(search) }, delay)
	} else {
		r.events.ResetTimeout(search.timer, delay)
	}
}

// onSearchTimer fires after tryNextNodeAfter with no reply: any probe
// past its evictAfter deadline is marked timed out (spec.md §7,
// Timeout policy), then the fan-out widens by one probe.
func (r *Router) onSearchTimer(search *Search) {
	if search.terminated {
		return
	}
	now := r.now()
	for _, p := range search.probes {
		if p.sent && !p.Replied() && !p.timedOut && now.After(p.evictAfter) {
			p.timedOut = true
			r.store.MarkTimeout(p.peerID)
			if r.metrics != nil {
				r.metrics.search.incTimeouts()
			}
		}
	}
	r.searchStep(search)
}

// BeginSearch implements RouterModule_beginSearch (spec.md §4.5).
func (r *Router) BeginSearch(verb string, target Identifier, callback SearchCallback) error {
	seeds := r.store.ClosestK(target, r.cfg.ReturnSize)
	if len(seeds) == 0 {
		return ErrNoReachablePeers
	}

	search := r.searches.NewSearch(target, verb, callback, r.rootAlloc)
	evictAfter := r.now().Add(2 * time.Duration(r.gmrt.current()) * time.Millisecond)
	for _, seed := range seeds {
		r.searches.AddProbe(nil, seed.ID, seed.NetAddress, evictAfter, search)
	}
	r.searchStep(search)
	return nil
}

// traceBack implements spec.md §4.5 "Trace-back attribution" and
// resolves the reach-increment Open Question per SPEC_FULL.md §4.5.
func (r *Router) traceBack(leaf *Probe) {
	chain := r.searches.BackTrace(leaf)
	for i := 0; i+1 < len(chain); i++ {
		child := chain[i]
		parent := chain[i+1]
		if !parent.Replied() {
			continue
		}
		rtt := parent.DelayUntilReply()
		progress := calculateDistance(prefix(parent.peerID), prefix(child.search.target), prefix(child.peerID))
		rttRatio := r.calculateResponseTimeRatio(rtt)
		if progress == 0 {
			// Backpedal: the child lies farther from the target than the
			// parent. spec.md §4.5 has the caller zero the parent's
			// reach outright rather than credit it with a markReplied
			// call, which would also reset its timeout streak.
			r.store.ZeroReach(parent.peerID)
			continue
		}
		delta := reachDelta(progress, rttRatio)
		r.store.MarkReplied(parent.peerID, delta)
	}
}

// calculateDistance implements spec.md §4.5's progress formula.
func calculateDistance(nodePfx, targetPfx, childPfx uint32) uint32 {
	at := nodePfx ^ targetPfx
	bt := childPfx ^ targetPfx
	ab := nodePfx ^ childPfx
	switch {
	case bt > at:
		return 0 // backpedal
	case at < ab:
		return ab - bt // overshoot
	default:
		return ab // between parent and target
	}
}

// calculateResponseTimeRatio implements spec.md §4.5's rttRatio
// formula, updating the rolling GMRT as a side effect.
func (r *Router) calculateResponseTimeRatio(rtt time.Duration) uint32 {
	gmrt := r.gmrt.update(rtt.Milliseconds())
	if gmrt <= 0 {
		gmrt = 1
	}
	if rtt.Milliseconds() > 2*gmrt {
		return maxReach
	}
	return uint32((uint64(maxReach) / 2 / uint64(gmrt)) * uint64(rtt.Milliseconds()))
}

// reachDelta resolves SPEC_FULL.md §4.5's Open Question: non-decreasing
// in progress, non-increasing in rtt (via rttRatio), zero on backpedal
// (progress==0), and saturating without overflow. The final >>32 drops
// the fraction, so small progress values can yield 0 as well.
func reachDelta(progress, rttRatio uint32) uint32 {
	if progress == 0 {
		return 0
	}
	penalty := rttRatio / 2
	factor := maxReach - penalty
	return uint32((uint64(progress) * uint64(factor)) >> 32)
}

func targetKeyForVerb(verb string) string {
	if verb == "get_peers" {
		return wire.KeyInfoHash
	}
	return wire.KeyTarget
}
