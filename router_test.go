package router

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/reachkad/router/wire"
)

// idFromUint32 builds an Identifier whose leading 4 bytes carry v and
// whose remaining bytes are zero, so xorDistance/prefix comparisons
// between test identifiers reduce to ordinary uint32 arithmetic.
func idFromUint32(v uint32) Identifier {
	var id Identifier
	id[0] = byte(v >> 24)
	id[1] = byte(v >> 16)
	id[2] = byte(v >> 8)
	id[3] = byte(v)
	return id
}

type fakeTimer struct {
	cb    func()
	delay time.Duration
}

// fakeEventBase is a manually-advanced clock with single-shot timers the
// test fires explicitly; it never runs a goroutine of its own.
type fakeEventBase struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeEventBase(start time.Time) *fakeEventBase {
	return &fakeEventBase{now: start}
}

func (f *fakeEventBase) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeEventBase) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeEventBase) SetTimeout(cb func(), delay time.Duration) wire.TimerHandle {
	return &fakeTimer{cb: cb, delay: delay}
}

func (f *fakeEventBase) ResetTimeout(h wire.TimerHandle, delay time.Duration) {
	if t, ok := h.(*fakeTimer); ok {
		t.delay = delay
	}
}

func (f *fakeEventBase) CancelTimeout(wire.TimerHandle) {}

func fireTimer(h wire.TimerHandle) {
	if t, ok := h.(*fakeTimer); ok {
		t.cb()
	}
}

type sentMsg struct {
	to  [6]byte
	msg wire.Dict
}

// fakeRegistry records every outbound message instead of sending it
// anywhere; tests drive handleIncoming directly to simulate replies.
type fakeRegistry struct {
	mu       sync.Mutex
	incoming func(from [6]byte, msg wire.Dict)
	outbox   []sentMsg
}

func (f *fakeRegistry) RegisterIncoming(h func(from [6]byte, msg wire.Dict)) { f.incoming = h }
func (f *fakeRegistry) RegisterOutgoing(func(to [6]byte, msg wire.Dict))     {}

func (f *fakeRegistry) DispatchOutgoing(to [6]byte, msg wire.Dict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, sentMsg{to: to, msg: msg})
}

func (f *fakeRegistry) last() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbox[len(f.outbox)-1]
}

func (f *fakeRegistry) deliver(from NetAddress, msg wire.Dict) {
	f.incoming([6]byte(from), msg)
}

// fakeAllocator is a no-op wire.ScopedAllocator that just records
// whether it was released, for assertions.
type fakeAllocator struct {
	released bool
}

func (a *fakeAllocator) Child() wire.ScopedAllocator { return &fakeAllocator{} }
func (a *fakeAllocator) OnRelease(func())            {}
func (a *fakeAllocator) Release()                    { a.released = true }

func newTestRouter(self Identifier) (*Router, *fakeRegistry, *fakeEventBase) {
	reg := &fakeRegistry{}
	events := newFakeEventBase(time.Unix(1_700_000_000, 0))
	r := NewRouter(self, addrFromByte(0xEE), reg, events, &fakeAllocator{}, DefaultConfig(), nil, slog.Default())
	return r, reg, events
}

func sentTxnID(t *testing.T, m sentMsg) uint32 {
	t.Helper()
	tidStr, ok := dictString(m.msg, wire.KeyTransactionID)
	if !ok {
		t.Fatalf("sent message missing transaction id: %+v", m.msg)
	}
	tid, ok := decodeTxnID(tidStr)
	if !ok {
		t.Fatalf("sent message transaction id malformed: %q", tidStr)
	}
	return tid
}

func replyDict(tid uint32, repliedBy Identifier, nodes []Node) wire.Dict {
	return wire.Dict{
		wire.KeyTransactionID: encodeTxnID(tid),
		wire.KeyMessageType:   wire.MessageTypeReply,
		wire.KeyReply: wire.Dict{
			wire.KeyQueryingID: string(repliedBy.Bytes()),
			wire.KeyNodes:      encodeNodes(nodes),
		},
	}
}

func TestBeginSearchNoReachablePeers(t *testing.T) {
	r, _, _ := newTestRouter(idFromUint32(0xFFFFFFFF))
	err := r.BeginSearch("find_node", idFromUint32(1), func(Reply) SearchResult { return SearchTerminate })
	if err != ErrNoReachablePeers {
		t.Fatalf("expected ErrNoReachablePeers, got %v", err)
	}
}

func TestBeginSearchSendsQueryToSeed(t *testing.T) {
	self := idFromUint32(0xFFFFFFFF)
	r, reg, _ := newTestRouter(self)

	seed := idFromUint32(0x10)
	seedAddr := addrFromByte(1)
	r.Store().Add(seed, seedAddr)

	target := idFromUint32(1)
	err := r.BeginSearch("find_node", target, func(Reply) SearchResult { return SearchTerminate })
	if err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}

	if len(reg.outbox) != 1 {
		t.Fatalf("expected 1 outbound query, got %d", len(reg.outbox))
	}
	sent := reg.last()
	if sent.to != [6]byte(seedAddr) {
		t.Fatalf("expected query sent to seed address %v, got %v", seedAddr, sent.to)
	}
	args, ok := dictDict(sent.msg, wire.KeyArgs)
	if !ok {
		t.Fatal("sent query missing args")
	}
	gotTargetStr, ok := dictString(args, wire.KeyTarget)
	if !ok {
		t.Fatal("sent query missing target")
	}
	gotTarget, ok := IdentifierFromBytes([]byte(gotTargetStr))
	if !ok || gotTarget != target {
		t.Fatalf("sent query target mismatch, got %x want %x", gotTarget, target)
	}
}

func TestHandleReplyContinuesSearchOnAnnouncedNodes(t *testing.T) {
	self := idFromUint32(0xFFFFFFFF)
	r, reg, events := newTestRouter(self)

	a := idFromUint32(0x10)
	aAddr := addrFromByte(1)
	r.Store().Add(a, aAddr)

	b := idFromUint32(0x05)
	bAddr := addrFromByte(2)

	target := idFromUint32(1)

	var calls int
	callback := func(rep Reply) SearchResult {
		calls++
		if calls == 1 {
			return SearchContinue
		}
		return SearchTerminate
	}

	if err := r.BeginSearch("find_node", target, callback); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	firstTxn := sentTxnID(t, reg.last())

	events.advance(50 * time.Millisecond)
	reg.deliver(aAddr, replyDict(firstTxn, a, []Node{{ID: b, NetAddress: bAddr}}))

	if calls != 1 {
		t.Fatalf("expected callback invoked once after A's reply, got %d", calls)
	}
	if len(reg.outbox) != 2 {
		t.Fatalf("expected a follow-up query to B, got %d outbound messages", len(reg.outbox))
	}
	if _, ok := r.Store().Get(b); !ok {
		t.Fatal("expected B to be learned into the node store")
	}

	secondTxn := sentTxnID(t, reg.last())
	events.advance(20 * time.Millisecond)
	reg.deliver(bAddr, replyDict(secondTxn, b, nil))

	if calls != 2 {
		t.Fatalf("expected callback invoked twice total, got %d", calls)
	}

	aNode, ok := r.Store().Get(a)
	if !ok {
		t.Fatal("expected A still present in store")
	}
	if aNode.Reach() == 0 {
		t.Fatal("expected trace-back attribution to credit A with nonzero reach")
	}
}

func TestTraceBackZeroesParentReachOnBackpedal(t *testing.T) {
	self := idFromUint32(0xFFFFFFFF)
	r, reg, events := newTestRouter(self)

	a := idFromUint32(0x10)
	aAddr := addrFromByte(1)
	r.Store().Add(a, aAddr)
	r.Store().MarkReplied(a, 777) // nonzero reach from unrelated prior traffic

	c := idFromUint32(0x99)
	cAddr := addrFromByte(2)

	// target == a's id: a is already at distance 0, so any announced
	// child is necessarily farther away (a strict backpedal).
	target := a

	var calls int
	callback := func(rep Reply) SearchResult {
		calls++
		if calls == 1 {
			return SearchContinue
		}
		return SearchTerminate
	}

	if err := r.BeginSearch("find_node", target, callback); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	firstTxn := sentTxnID(t, reg.last())

	events.advance(50 * time.Millisecond)
	reg.deliver(aAddr, replyDict(firstTxn, a, []Node{{ID: c, NetAddress: cAddr}}))

	secondTxn := sentTxnID(t, reg.last())
	events.advance(20 * time.Millisecond)
	reg.deliver(cAddr, replyDict(secondTxn, c, nil))

	if calls != 2 {
		t.Fatalf("expected callback invoked twice total, got %d", calls)
	}

	aNode, ok := r.Store().Get(a)
	if !ok {
		t.Fatal("expected A still present in store")
	}
	if aNode.Reach() != 0 {
		t.Fatalf("expected a backpedal to zero A's reach outright, got %d", aNode.Reach())
	}
}

func TestHandleReplyDropsUnknownTransactionID(t *testing.T) {
	self := idFromUint32(0xFFFFFFFF)
	r, reg, _ := newTestRouter(self)
	// No search in flight; any reply references an unknown transaction.
	reg.deliver(addrFromByte(9), replyDict(999, idFromUint32(0x77), nil))
	// No panic, no outbound traffic triggered by a spurious reply.
	if len(reg.outbox) != 0 {
		t.Fatalf("expected no outbound traffic from a spurious reply, got %d", len(reg.outbox))
	}
}

func TestHandleQueryAnswersWithClosestAndLearnsSender(t *testing.T) {
	self := idFromUint32(0xFFFFFFFF)
	r, reg, _ := newTestRouter(self)

	known := idFromUint32(0x10)
	r.Store().Add(known, addrFromByte(1))

	// querier's own distance to target exceeds self's, so loop prevention
	// excludes it from the reply even though it gets learned into the
	// store as a side effect of the query.
	querier := idFromUint32(0xFFFFFFFE)
	querierAddr := addrFromByte(2)
	target := idFromUint32(1)

	query := wire.Dict{
		wire.KeyTransactionID: encodeTxnID(7),
		wire.KeyMessageType:   wire.MessageTypeQuery,
		wire.KeyQuery:         "find_node",
		wire.KeyArgs: wire.Dict{
			wire.KeyQueryingID: string(querier.Bytes()),
			wire.KeyTarget:     string(target.Bytes()),
		},
	}
	reg.deliver(querierAddr, query)

	if _, ok := r.Store().Get(querier); !ok {
		t.Fatal("expected querying peer to be learned into the node store")
	}
	if len(reg.outbox) != 1 {
		t.Fatalf("expected exactly 1 reply sent, got %d", len(reg.outbox))
	}
	sent := reg.last()
	if sent.to != [6]byte(querierAddr) {
		t.Fatalf("expected reply sent back to querier, got %v", sent.to)
	}
	replyArgs, ok := dictDict(sent.msg, wire.KeyReply)
	if !ok {
		t.Fatal("reply missing r dict")
	}
	nodesStr, _ := dictString(replyArgs, wire.KeyNodes)
	decoded, ok := decodeNodes([]byte(nodesStr))
	if !ok || len(decoded) != 1 || decoded[0].ID != known {
		t.Fatalf("expected reply to contain the known node, got %+v ok=%v", decoded, ok)
	}
}

func TestHandleQueryLoopPreventionExcludesFartherNodes(t *testing.T) {
	// far's XOR distance to target exceeds self's own distance to target,
	// so ClosestK must exclude it: answering with it would send the
	// querier backwards rather than closer to target.
	self := idFromUint32(0x00000005)
	r, reg, _ := newTestRouter(self)

	far := idFromUint32(0xFFFFFFF0)
	r.Store().Add(far, addrFromByte(1))

	querier := idFromUint32(0x20)
	querierAddr := addrFromByte(2)
	target := idFromUint32(0x00000001)

	query := wire.Dict{
		wire.KeyTransactionID: encodeTxnID(1),
		wire.KeyMessageType:   wire.MessageTypeQuery,
		wire.KeyQuery:         "find_node",
		wire.KeyArgs: wire.Dict{
			wire.KeyQueryingID: string(querier.Bytes()),
			wire.KeyTarget:     string(target.Bytes()),
		},
	}
	reg.deliver(querierAddr, query)

	sent := reg.last()
	replyArgs, _ := dictDict(sent.msg, wire.KeyReply)
	nodesStr, _ := dictString(replyArgs, wire.KeyNodes)
	if len(nodesStr) != 0 {
		t.Fatalf("expected empty nodes list (loop prevention), got %d bytes", len(nodesStr))
	}
}

func TestCalculateDistanceBackpedalOvershootBetween(t *testing.T) {
	cases := []struct {
		name                    string
		node, target, child     uint32
		want                    uint32
	}{
		{"backpedal: child farther than node", 0x10, 0x00, 0xF0, 0},
		{"overshoot: child passes target", 0x10, 0x01, 0x05, 0x11},
		{"between: child strictly between node and target", 0x18, 0x00, 0x10, 0x08},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := calculateDistance(tc.node, tc.target, tc.child)
			if got != tc.want {
				t.Fatalf("calculateDistance(%#x,%#x,%#x) = %#x, want %#x", tc.node, tc.target, tc.child, got, tc.want)
			}
		})
	}
}

func TestReachDeltaZeroOnBackpedal(t *testing.T) {
	if got := reachDelta(0, 12345); got != 0 {
		t.Fatalf("expected 0 delta on backpedal (progress=0), got %d", got)
	}
}

func TestReachDeltaDecreasesWithHigherRTTRatio(t *testing.T) {
	fast := reachDelta(1000, 0)
	slow := reachDelta(1000, maxReach)
	if !(fast > slow) {
		t.Fatalf("expected lower rttRatio to yield higher reach delta: fast=%d slow=%d", fast, slow)
	}
}

func TestReachDeltaIncreasesWithProgress(t *testing.T) {
	small := reachDelta(10, 1000)
	big := reachDelta(1_000_000, 1000)
	if !(big > small) {
		t.Fatalf("expected higher progress to yield higher reach delta: small=%d big=%d", small, big)
	}
}
