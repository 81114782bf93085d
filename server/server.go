package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/portside/ftpd/internal/ratelimit"
)

// Defaults applied by NewServer.
const (
	defaultGreeting    = "Welcome to the ftpd FTP server"
	defaultIdleTimeout = 600 * time.Second
	defaultPasvMinPort = 49152
	defaultPasvMaxPort = 65535
)

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftpd: server closed")

// Server is an embeddable FTP/FTPS server.
//
// It accepts client control connections, authenticates users through a
// pluggable Authenticator, negotiates optional TLS on the control and data
// channels and mediates transfers against a pluggable StorageBackend. With
// WithProxyProtocol it additionally accepts HAProxy PROXY (v1/v2) framed
// connections on a single port, demultiplexing control and data streams.
//
// Lifecycle:
//  1. Create with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown() for a graceful drain, or close the listener
//
// Basic example:
//
//	backend, _ := server.NewFSBackend("/srv/ftp")
//	s, err := server.NewServer(":2121",
//	    server.WithBackend(func() server.StorageBackend { return backend }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	addr string

	// backendFactory yields a per-session storage handle.
	backendFactory BackendFactory

	// authenticator validates credentials. Defaults to anonymous access.
	authenticator Authenticator

	logger *slog.Logger

	// tlsConfig enables AUTH TLS / PROT P when non-nil.
	tlsConfig *tls.Config

	greeting    string
	systemName  string
	idleTimeout time.Duration

	// Passive port pool [pasvMinPort, pasvMaxPort).
	pasvMinPort uint16
	pasvMaxPort uint16

	// publicHost overrides the address advertised in PASV replies in
	// normal mode (for NAT setups). Ignored in PROXY mode, where the
	// PROXY header supplies the externally visible address.
	publicHost string

	// externalControlPort is non-zero in PROXY mode: connections whose
	// original destination matches it are control connections.
	externalControlPort uint16
	proxyAssignTx       chan assignDataPortRequest

	clock   clockwork.Clock
	metrics MetricsCollector

	maxConnections      int
	maxConnectionsPerIP int

	bandwidthLimitGlobal     int64
	bandwidthLimitPerSession int64
	globalLimiter            *ratelimit.Limiter

	// Round-robin offset for normal-mode passive listener binding.
	nextPassivePort int32

	activeConns atomic.Int32
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
}

// transferBufferPool reduces allocations on data transfers.
var transferBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// copyWithPooledBuffer copies from src to dst using a pooled buffer.
func copyWithPooledBuffer(dst io.Writer, src io.Reader) (int64, error) {
	pbuf := transferBufferPool.Get().(*[]byte)
	defer transferBufferPool.Put(pbuf)
	return io.CopyBuffer(dst, src, *pbuf)
}

// NewServer creates an FTP server listening on addr once started.
// A storage backend must be provided via WithBackend; everything else has
// defaults (anonymous authentication, 600 s idle timeout, passive ports
// 49152-65534, TLS off).
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:          addr,
		authenticator: &AnonymousAuthenticator{},
		logger:        slog.Default(),
		greeting:      defaultGreeting,
		systemName:    "UNIX Type: L8",
		idleTimeout:   defaultIdleTimeout,
		pasvMinPort:   defaultPasvMinPort,
		pasvMaxPort:   defaultPasvMaxPort,
		clock:         clockwork.NewRealClock(),
		conns:         make(map[net.Conn]struct{}),
		connsByIP:     make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.backendFactory == nil {
		return nil, fmt.Errorf("storage backend is required (use WithBackend)")
	}
	if s.pasvMinPort >= s.pasvMaxPort {
		return nil, fmt.Errorf("invalid passive port range [%d, %d)", s.pasvMinPort, s.pasvMaxPort)
	}
	if s.bandwidthLimitGlobal > 0 {
		s.globalLimiter = ratelimit.New(s.bandwidthLimitGlobal)
	}
	if s.proxyMode() {
		s.proxyAssignTx = make(chan assignDataPortRequest)
	}

	return s, nil
}

// proxyMode reports whether PROXY protocol handling is enabled.
func (s *Server) proxyMode() bool {
	return s.externalControlPort != 0
}

// ListenAndServe starts the server on the configured address and blocks
// until it stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("FTP server listening", "addr", s.addr, "proxy_mode", s.proxyMode())
	return s.Serve(ln)
}

// Serve accepts incoming connections on l. In PROXY mode every connection
// must open with a valid PROXY protocol header; otherwise each connection
// is a control connection.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	if s.proxyMode() {
		return s.serveProxy(l)
	}
	return s.serveNormal(l)
}

func (s *Server) serveNormal(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		go s.handleControlConnection(conn, nil)
	}
}

// serveProxy runs the PROXY-mode listener and switchboard owner. Incoming
// connections are dispatched by their PROXY header destination port:
// control connections start sessions, data connections are matched to the
// session that reserved the port, everything else is dropped.
func (s *Server) serveProxy(l net.Listener) error {
	board := newSwitchboard(s.pasvMinPort, s.pasvMaxPort, switchboardTTL, s.clock)

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if s.inShutdown.Load() {
					return ErrServerClosed
				}
				return err
			}
			go s.dispatchProxyConn(board, conn)
		}
	})

	g.Go(func() error {
		for {
			select {
			case req := <-s.proxyAssignTx:
				s.assignDataPort(board, req)
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// dispatchProxyConn reads the PROXY header off a freshly accepted stream
// and routes it. Runs on its own goroutine so a slow proxy cannot stall
// the accept loop.
func (s *Server) dispatchProxyConn(board *switchboard, conn net.Conn) {
	tuple, wrapped, err := readProxyHeader(conn)
	if err != nil {
		s.logger.Warn("rejecting connection without valid PROXY header",
			"remote_addr", conn.RemoteAddr().String(),
			"error", err,
		)
		conn.Close()
		return
	}

	switch {
	case tuple.ToPort == s.externalControlPort:
		s.logger.Info("proxied control connection", "tuple", tuple.String())
		s.handleControlConnection(wrapped, tuple)

	case board.inPassiveRange(tuple.ToPort):
		sess := board.match(tuple)
		if sess == nil {
			s.logger.Warn("unexpected data connection, no matching session",
				"tuple", tuple.String(),
			)
			wrapped.Close()
			return
		}
		select {
		case sess.proxyDataRx <- wrapped:
		default:
			s.logger.Warn("session not ready for data connection",
				"tuple", tuple.String(),
				"session_id", sess.sessionID,
			)
			wrapped.Close()
		}

	default:
		s.logger.Warn("proxied connection to unconfigured port",
			"tuple", tuple.String(),
			"passive_range_min", s.pasvMinPort,
			"passive_range_max", s.pasvMaxPort,
		)
		wrapped.Close()
	}
}

// assignDataPort services one passive-port reservation request from a
// session's PASV/EPSV handler. The reply travels back through the
// session's event bus.
func (s *Server) assignDataPort(board *switchboard, req assignDataPortRequest) {
	sess := req.session
	info := sess.controlConnInfo
	if info == nil {
		sess.post(commandReplyMsg{reply: newReply(425, "Can't open data connection.")})
		return
	}

	port, err := board.reserve(info.FromIP, sess)
	if err != nil {
		s.logger.Warn("passive port pool exhausted",
			"session_id", sess.sessionID,
			"remote_ip", sess.remoteIP,
		)
		sess.post(commandReplyMsg{reply: newReply(425, "Can't open data connection.")})
		return
	}
	s.logger.Debug("reserved passive data port",
		"session_id", sess.sessionID,
		"port", port,
	)

	sess.spawnDataChannel(proxySource(sess), nil)

	if req.extended {
		sess.post(commandReplyMsg{
			reply: newReply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port)),
		})
		return
	}

	octets := info.ToIP.To4()
	if octets == nil {
		sess.post(commandReplyMsg{reply: newReply(425, "Can't open data connection.")})
		return
	}
	sess.post(commandReplyMsg{
		reply: newReply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
			octets[0], octets[1], octets[2], octets[3], port>>8, port&0xff)),
	})
}

// handleControlConnection enforces connection limits and runs a session.
func (s *Server) handleControlConnection(conn net.Conn, tuple *ConnectionTuple) {
	if !s.trackConnection(conn, true) {
		conn.Close()
		return
	}
	defer s.trackConnection(conn, false)

	remoteIP := connIP(conn, tuple)

	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		s.logger.Warn("connection_rejected",
			"remote_ip", remoteIP,
			"reason", "global_limit_reached",
			"limit", s.maxConnections,
		)
		fmt.Fprintf(conn, "421 Too many users, sorry.\r\n")
		return
	}

	if s.maxConnectionsPerIP > 0 {
		s.connsByIPMu.Lock()
		count := s.connsByIP[remoteIP]
		s.connsByIP[remoteIP] = count + 1
		s.connsByIPMu.Unlock()
		defer func() {
			s.connsByIPMu.Lock()
			s.connsByIP[remoteIP]--
			if s.connsByIP[remoteIP] <= 0 {
				delete(s.connsByIP, remoteIP)
			}
			s.connsByIPMu.Unlock()
		}()

		if count >= int32(s.maxConnectionsPerIP) {
			s.logger.Warn("connection_rejected",
				"remote_ip", remoteIP,
				"reason", "per_ip_limit_reached",
				"limit", s.maxConnectionsPerIP,
			)
			fmt.Fprintf(conn, "421 Too many connections from your IP address.\r\n")
			return
		}
	}

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	sess := newSession(s, conn, tuple)
	sess.serve()
}

// connIP extracts the client IP, preferring the PROXY header tuple.
func connIP(conn net.Conn, tuple *ConnectionTuple) string {
	if tuple != nil {
		return tuple.FromIP.String()
	}
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return ip
}

// trackConnection registers or unregisters a connection for shutdown
// handling. It returns false while shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inShutdown.Load() {
		return false
	}
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}

// listenPassive binds a listener for a normal-mode passive transfer,
// scanning the configured port range round-robin.
func (s *Server) listenPassive() (net.Listener, error) {
	rangeLen := int32(s.pasvMaxPort - s.pasvMinPort)
	startOffset := atomic.AddInt32(&s.nextPassivePort, 1)

	for i := int32(0); i < rangeLen; i++ {
		offset := (startOffset + i) % rangeLen
		port := int(s.pasvMinPort) + int(offset)
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no available ports in range [%d, %d)", s.pasvMinPort, s.pasvMaxPort)
}

// Shutdown gracefully stops the server: it closes the listener, waits for
// active sessions to finish and force-closes the stragglers when ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if s.activeConns.Load() == 0 {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		conns := s.conns
		s.conns = make(map[net.Conn]struct{})
		s.mu.Unlock()

		for conn := range conns {
			conn.Close()
		}
		if err != nil {
			return err
		}
		return ctx.Err()
	}
}
