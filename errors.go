package router

import "errors"

// ErrNoReachablePeers is returned by BeginSearch when the node store has
// no seed nodes to start from (spec.md §7, NoReachablePeers).
var ErrNoReachablePeers = errors.New("router: no reachable peers to seed search")
