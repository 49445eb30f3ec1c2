package transport

import (
	"net"
	"testing"
	"time"

	"github.com/reachkad/router/wire"
)

func newLoopbackUDP(t *testing.T) *UDP {
	t.Helper()
	u, err := Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func localCompact(t *testing.T, u *UDP) [6]byte {
	t.Helper()
	c, ok := UDPAddrToCompact(u.LocalAddr())
	if !ok {
		t.Fatalf("expected loopback IPv4 address, got %v", u.LocalAddr())
	}
	return c
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestUDPRoundTripsDictMessage(t *testing.T) {
	a := newLoopbackUDP(t)
	b := newLoopbackUDP(t)

	aAddr := localCompact(t, a)
	bAddr := localCompact(t, b)

	var got wire.Dict
	var gotFrom [6]byte
	b.RegisterIncoming(func(from [6]byte, msg wire.Dict) {
		gotFrom = from
		got = msg
	})

	msg := wire.Dict{
		"t": "\x00\x00\x00\x07",
		"y": "q",
		"q": "find_node",
		"a": wire.Dict{"id": "abc", "target": "def"},
	}
	a.DispatchOutgoing(bAddr, msg)

	ok := waitUntil(t, time.Second, func() bool { return got != nil })
	if !ok {
		t.Fatal("timed out waiting for message to arrive")
	}
	if gotFrom != aAddr {
		t.Fatalf("expected sender %v, got %v", aAddr, gotFrom)
	}
	if got["q"] != "find_node" {
		t.Fatalf("expected decoded query verb, got %+v", got)
	}
}

func TestCompactAddrRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
	compact, ok := UDPAddrToCompact(addr)
	if !ok {
		t.Fatal("expected ok for IPv4 loopback")
	}
	back := CompactToUDPAddr(compact)
	if !back.IP.Equal(addr.IP) || back.Port != addr.Port {
		t.Fatalf("round trip mismatch: got %v, want %v", back, addr)
	}
}

func TestCompactRejectsIPv6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 1234}
	if _, ok := UDPAddrToCompact(addr); ok {
		t.Fatal("expected ok=false for an IPv6 address")
	}
}
