// Package transport provides a reference implementation of the
// router's wire collaborator interfaces over a real UDP socket,
// grounded on network.go's ListenUDP/ReadFromUDP/WriteToUDP read loop.
package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/reachkad/router/wire"
)

// UDP implements wire.MessageRegistry over a bound *net.UDPConn,
// dispatching decoded messages to the router's registered handler the
// same way network.go's readLoop dispatches envelopes to
// handlePing/handleFindNode.
type UDP struct {
	conn *net.UDPConn

	mu       sync.Mutex
	incoming func(from [6]byte, msg wire.Dict)
	outgoing func(to [6]byte, msg wire.Dict)

	logger *slog.Logger
	closed chan struct{}
}

// Listen binds ip:port and starts the read loop.
func Listen(ip string, port int, logger *slog.Logger) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &UDP{
		conn:   conn,
		logger: logger.With("component", "transport"),
		closed: make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the bound socket address (useful in tests to learn
// the ephemeral port picked by ":0").
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) RegisterIncoming(h func(from [6]byte, msg wire.Dict)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.incoming = h
}

func (u *UDP) RegisterOutgoing(h func(to [6]byte, msg wire.Dict)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outgoing = h
}

func (u *UDP) DispatchOutgoing(to [6]byte, msg wire.Dict) {
	b, err := wire.Encode(msg)
	if err != nil {
		u.logger.Warn("failed to encode outbound message", "err", err)
		return
	}
	addr := CompactToUDPAddr(to)
	if _, err := u.conn.WriteToUDP(b, addr); err != nil {
		u.logger.Warn("udp write failed", "to", addr, "err", err)
		return
	}
	u.mu.Lock()
	obs := u.outgoing
	u.mu.Unlock()
	if obs != nil {
		obs(to, msg)
	}
}

func (u *UDP) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			close(u.closed)
			return
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			u.logger.Debug("dropping undecodable datagram", "from", src, "err", err)
			continue
		}
		from, ok := UDPAddrToCompact(src)
		if !ok {
			u.logger.Debug("dropping datagram from non-IPv4 source", "from", src)
			continue
		}
		u.mu.Lock()
		h := u.incoming
		u.mu.Unlock()
		if h != nil {
			h(from, msg)
		}
	}
}

// Close shuts down the socket; the read loop exits on its next failed
// read and closes u.closed.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// CompactToUDPAddr decodes the router's opaque 6-byte NetAddress as a
// 4-byte IPv4 address followed by a 2-byte big-endian port, the same
// compact-node-info shape spec.md §4.5's "nodes" records use.
func CompactToUDPAddr(b [6]byte) *net.UDPAddr {
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16(b[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}
}

// UDPAddrToCompact is the inverse of CompactToUDPAddr; it returns false
// for non-IPv4 addresses, which this 6-byte wire shape cannot express.
func UDPAddrToCompact(addr *net.UDPAddr) ([6]byte, bool) {
	var out [6]byte
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return out, false
	}
	copy(out[0:4], ip4)
	binary.BigEndian.PutUint16(out[4:6], uint16(addr.Port))
	return out, true
}
