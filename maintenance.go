package router

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// StartMaintenance runs the router's periodic upkeep loops (self-search
// refresh, recently-served target re-search, and reach decay) until ctx
// is cancelled. Generalizes kademlia.go's single republisher ticker
// loop onto a supervised errgroup so any loop's unexpected failure
// stops the others together.
func (r *Router) StartMaintenance(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.runLocalMaintenance(ctx) })
	g.Go(func() error { return r.runGlobalMaintenance(ctx) })
	g.Go(func() error { return r.runDecayTicker(ctx) })

	return g.Wait()
}

// runLocalMaintenance periodically begins a search for a random
// identifier purely to exercise and refresh the node store. A flat,
// capacity-bounded NodeStore has no fixed buckets to refresh
// individually, so one random self-search per period stands in for
// kademlia.go's per-bucket republish.
//
// Per spec.md §4.7 this self-training probe only fires while the
// router is still the best route it knows to the random target
// (self-reach wins); once it has learned a peer with a better
// distance/reach ratio, the search is skipped and the probe tapers off
// on its own as the node store fills in.
func (r *Router) runLocalMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.LocalMaintenanceSearchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			target := RandomIdentifier()
			if !r.store.SelfIsClosest(target, r.store.SelfReach()) {
				continue
			}
			err := r.BeginSearch("find_node", target, func(Reply) SearchResult {
				return SearchTerminate
			})
			if err != nil && err != ErrNoReachablePeers {
				r.logger.Warn("local maintenance search failed to start", "err", err)
			}
		}
	}
}

// runGlobalMaintenance periodically re-searches targets this router
// recently answered inbound queries for, keeping the reach scores of
// the nodes that helped answer them fresh even though the router
// itself has no further need of that data.
func (r *Router) runGlobalMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.GlobalMaintenanceSearchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, target := range r.drainRecentServed() {
				err := r.BeginSearch("find_node", target, func(Reply) SearchResult {
					return SearchTerminate
				})
				if err != nil && err != ErrNoReachablePeers {
					r.logger.Warn("global maintenance search failed to start", "target", target, "err", err)
				}
			}
		}
	}
}

// drainRecentServed returns and clears the set of targets handleQuery
// has served since the last call.
func (r *Router) drainRecentServed() []Identifier {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	targets := make([]Identifier, 0, len(r.recentServed))
	for id := range r.recentServed {
		targets = append(targets, id)
	}
	r.recentServed = make(map[Identifier]time.Time)
	return targets
}

// runDecayTicker periodically applies linear reach decay to every
// known node, per Config.ReachDecreasePerSecond.
func (r *Router) runDecayTicker(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.DecayTickPeriod)
	defer ticker.Stop()
	last := r.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := r.now()
			elapsed := now.Sub(last).Seconds()
			last = now
			r.store.DecayAll(elapsed, r.cfg.ReachDecreasePerSecond)
		}
	}
}
