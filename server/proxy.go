package server

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	proxyproto "github.com/pires/go-proxyproto"
)

// switchboardTTL is how long a reserved passive port waits for its data
// connection before the entry may be reclaimed.
const switchboardTTL = 30 * time.Second

// proxyHeaderTimeout bounds the read of the PROXY protocol header on a
// freshly accepted connection.
const proxyHeaderTimeout = 5 * time.Second

// ConnectionTuple is the original peer/destination address pair carried by
// a HAProxy PROXY protocol header. In PROXY mode it is captured at accept
// time and used both as the switchboard join key and to synthesize PASV
// replies with the externally visible address.
type ConnectionTuple struct {
	FromIP   net.IP
	FromPort uint16
	ToIP     net.IP
	ToPort   uint16
}

func (t ConnectionTuple) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", t.FromIP, t.FromPort, t.ToIP, t.ToPort)
}

// headerConn is a net.Conn whose reads continue from the buffered reader
// that consumed the PROXY header, so no bytes following the header are
// lost.
type headerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *headerConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// readProxyHeader reads and validates a PROXY protocol v1 or v2 header
// from conn. Connections without a valid header are rejected.
func readProxyHeader(conn net.Conn) (*ConnectionTuple, net.Conn, error) {
	_ = conn.SetReadDeadline(time.Now().Add(proxyHeaderTimeout))
	br := bufio.NewReader(conn)

	hdr, err := proxyproto.Read(br)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy protocol decode: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	src, dst, ok := hdr.TCPAddrs()
	if !ok {
		return nil, nil, fmt.Errorf("proxy protocol header carries no TCP addresses")
	}

	tuple := &ConnectionTuple{
		FromIP:   src.IP,
		FromPort: uint16(src.Port),
		ToIP:     dst.IP,
		ToPort:   uint16(dst.Port),
	}
	return tuple, &headerConn{Conn: conn, r: br}, nil
}

// assignDataPortRequest asks the proxy listener task to reserve a passive
// port for a session. The reply (227 or 229, or 425 on exhaustion) is
// delivered through the session's event bus.
type assignDataPortRequest struct {
	session *session
	// extended selects the EPSV reply format over the PASV one.
	extended bool
}

// switchboardKey joins an incoming data connection to the session that
// reserved the port: the client's source IP plus the original destination
// port.
type switchboardKey struct {
	fromIP string
	port   uint16
}

// switchboardEntry is one reservation, valid until expires.
type switchboardEntry struct {
	session *session
	expires time.Time
}

// switchboard maps reserved passive ports to waiting sessions in PROXY
// mode. Entries are created by PASV handling, destroyed by a successful
// data-connection match, and reclaimed lazily on reservation once expired.
type switchboard struct {
	mu      sync.Mutex
	entries map[switchboardKey]*switchboardEntry
	lo, hi  uint16 // passive range [lo, hi)
	ttl     time.Duration
	clock   clockwork.Clock
}

func newSwitchboard(lo, hi uint16, ttl time.Duration, clock clockwork.Clock) *switchboard {
	return &switchboard{
		entries: make(map[switchboardKey]*switchboardEntry),
		lo:      lo,
		hi:      hi,
		ttl:     ttl,
		clock:   clock,
	}
}

// errPortsExhausted is reported when every port in the passive range is
// reserved for the requesting client.
var errPortsExhausted = fmt.Errorf("no free passive port")

// reserve picks the lowest free port in [lo, hi) for fromIP and records
// the session under (fromIP, port). Expired entries are reclaimed first.
func (b *switchboard) reserve(fromIP net.IP, s *session) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	for key, entry := range b.entries {
		if now.After(entry.expires) {
			delete(b.entries, key)
		}
	}

	ip := fromIP.String()
	for port := b.lo; port < b.hi; port++ {
		key := switchboardKey{fromIP: ip, port: port}
		if _, taken := b.entries[key]; taken {
			continue
		}
		b.entries[key] = &switchboardEntry{
			session: s,
			expires: now.Add(b.ttl),
		}
		return port, nil
	}
	return 0, errPortsExhausted
}

// match finds the session that reserved the destination port of an
// incoming data connection and removes the entry. Returns nil when no
// live reservation exists.
func (b *switchboard) match(t *ConnectionTuple) *session {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := switchboardKey{fromIP: t.FromIP.String(), port: t.ToPort}
	entry, ok := b.entries[key]
	if !ok {
		return nil
	}
	delete(b.entries, key)
	if b.clock.Now().After(entry.expires) {
		return nil
	}
	return entry.session
}

// inPassiveRange reports whether port falls within [lo, hi).
func (b *switchboard) inPassiveRange(port uint16) bool {
	return port >= b.lo && port < b.hi
}
