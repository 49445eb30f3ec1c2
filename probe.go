package router

import (
	"time"

	"github.com/google/uuid"
	"github.com/reachkad/router/wire"
)

// SearchResult is the tagged Continue/Terminate variant a Search's
// callback returns after observing a reply (spec.md §9).
type SearchResult int

const (
	// SearchContinue asks the driver to fan out one more probe.
	SearchContinue SearchResult = iota
	// SearchTerminate ends the search; trace-back attribution runs and
	// the search's scoped allocator is released.
	SearchTerminate
)

// Reply is what a Search's callback observes for each matched inbound
// reply.
type Reply struct {
	Probe *Probe
	Nodes []Node // announced (id, netAddress) pairs parsed from the reply
	Raw   wire.Dict
}

// SearchCallback is notified of each reply to a probe in the search;
// its return value selects continue or terminate.
type SearchCallback func(Reply) SearchResult

// Probe is one outgoing request within a Search.
type Probe struct {
	search *Search
	parent *Probe

	peerID         Identifier
	peerNetAddress NetAddress

	transactionID uint32
	sent          bool
	timedOut      bool

	sentAt     time.Time
	repliedAt  time.Time
	evictAfter time.Time
}

// Replied reports whether a reply has been recorded for this probe.
func (p *Probe) Replied() bool { return !p.repliedAt.IsZero() }

// DelayUntilReply returns the observed round-trip time; callers must
// only call this after Replied() is true.
func (p *Probe) DelayUntilReply() time.Duration {
	return p.repliedAt.Sub(p.sentAt)
}

// PeerID returns the queried peer's identifier.
func (p *Probe) PeerID() Identifier { return p.peerID }

// Search is an active recursive lookup for target, owning a DAG of
// Probes and a scoped allocator bounding their lifetime.
type Search struct {
	id          uuid.UUID
	target      Identifier
	requestType string
	callback    SearchCallback

	alloc wire.ScopedAllocator
	timer wire.TimerHandle

	probes   []*Probe
	byPeerID map[Identifier]*Probe

	queue searchQueue // heap of not-yet-sent probes, priority = XOR distance to target

	terminated bool
}

// ID returns the internal correlation id for this search (distinct
// from any probe's wire transactionId).
func (s *Search) ID() uuid.UUID { return s.id }

// Target returns the 160-bit id this search is looking for.
func (s *Search) Target() Identifier { return s.target }
