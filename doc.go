// Package router implements a Kademlia-style, reach-weighted DHT
// routing table and recursive search engine.
//
// What's here
// -----------
//   - Address arithmetic: 160-bit Identifiers, XOR distance, 32-bit
//     prefix extraction (id.go).
//   - GMRT: a rolling mean of observed reply latency over a 256-second
//     window, used to derive timeout and fan-out deadlines (rolling.go).
//   - NodeStore: a bounded set of known peers ranked by reach-weighted
//     distance to a target, with reach decay and timeout eviction
//     (node.go, nodestore.go).
//   - SearchStore: per-search DAGs of outstanding probes, addressed by
//     transaction id, with a heap-ordered not-yet-sent queue
//     (probe.go, searchstore.go).
//   - Router: inbound query/reply handlers, the iterative search
//     driver, and trace-back reach attribution (router.go).
//   - Maintenance: local and global self-training search loops
//     (maintenance.go).
//
// The router never owns a socket. It is driven by three collaborator
// interfaces defined in package wire: MessageRegistry (send/receive),
// EventBase (timers), and ScopedAllocator (search lifetime). Package
// internal/transport ships a reference UDP implementation of all three
// so the module is runnable end to end; cmd/routerd wires it up.
//
// Concurrency model: a Router's exported entry points are not
// internally synchronized against each other — the contract (spec.md
// §5) is that a single event loop goroutine calls them serially, in
// message-arrival order, the same way internal/transport's read loop
// does. NodeStore and SearchStore are safe for concurrent read access
// (closestK, get) but mutation is expected to happen from that same
// loop goroutine.
package router
