package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"path"
	"sync"
)

// session holds the per-connection mutable state. One session exists per
// control connection, created at accept time and destroyed when the control
// loop exits.
//
// All mutable fields are guarded by mu. Handlers acquire, mutate and
// release before any network I/O; long-running work (data transfers) runs
// on its own goroutine and communicates back through the event bus instead
// of holding the lock.
type session struct {
	server    *Server
	sessionID string
	remoteIP  string

	mu sync.Mutex

	// Control socket. conn is the current layer (possibly a *tls.Conn);
	// rawConn is the underlying TCP connection kept for the CCC downgrade.
	conn    net.Conn
	rawConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	tnet    *telnetReader

	// Protocol state.
	pendingUser  string
	user         UserDetail
	cwd          string
	renameFrom   string
	startPos     int64
	cmdTLS       bool
	dataTLS      bool
	transferType string

	// Data-channel coordination. dataCmdTx and dataAbortTx are single-slot
	// take-channels: populated while a data channel is armed, nil
	// otherwise. Taking one implies exclusive ownership for the transfer.
	dataCmdTx   chan Command
	dataAbortTx chan struct{}

	// bus is the internal event bus: one receiver (the control loop),
	// many senders (handlers, data tasks, the proxy switchboard).
	bus chan internalMsg

	// PROXY mode. controlConnInfo is the address tuple from the PROXY
	// header, captured at accept time and used to synthesize PASV
	// replies. proxyDataRx receives data connections matched to this
	// session by the switchboard. proxyAssignTx carries passive-port
	// reservation requests to the listener task.
	controlConnInfo *ConnectionTuple
	proxyDataRx     chan net.Conn
	proxyAssignTx   chan<- assignDataPortRequest

	storage StorageBackend

	// Lifecycle. cancel tears down the session's child tasks; dataWG
	// tracks in-flight data tasks so close can wait for them.
	ctx    context.Context
	cancel context.CancelFunc
	dataWG sync.WaitGroup
}

// generateSessionID generates a unique 8-character session ID for logging.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

// newSession creates a session for a freshly accepted control connection.
// info is non-nil in PROXY mode and carries the original address tuple.
func newSession(server *Server, conn net.Conn, info *ConnectionTuple) *session {
	remoteIP := ""
	if info != nil {
		remoteIP = info.FromIP.String()
	} else if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		remoteIP = host
	} else {
		remoteIP = conn.RemoteAddr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	tr := newTelnetReader(conn)
	s := &session{
		server:          server,
		sessionID:       generateSessionID(),
		remoteIP:        remoteIP,
		conn:            conn,
		rawConn:         conn,
		reader:          bufio.NewReader(tr),
		writer:          bufio.NewWriter(conn),
		tnet:            tr,
		cwd:             "/",
		transferType:    "I",
		bus:             make(chan internalMsg, eventBusCapacity),
		controlConnInfo: info,
		storage:         server.backendFactory(),
		ctx:             ctx,
		cancel:          cancel,
	}
	if server.proxyMode() {
		s.proxyDataRx = make(chan net.Conn, 1)
		s.proxyAssignTx = server.proxyAssignTx
	}
	return s
}

// writeReply renders a reply and flushes it to the control socket.
func (s *session) writeReply(r Reply) error {
	if r.empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.WriteString(r.String()); err != nil {
		return err
	}
	return s.writer.Flush()
}

// armDataChannel installs a fresh command/abort channel pair and returns
// them for the data task. Any previously armed but idle channel is torn
// down first; its task notices the closed command channel and exits.
func (s *session) armDataChannel() (cmd chan Command, abort chan struct{}) {
	cmd = make(chan Command, 1)
	abort = make(chan struct{}, 1)

	s.mu.Lock()
	if s.dataCmdTx != nil {
		close(s.dataCmdTx)
	}
	s.dataCmdTx = cmd
	s.dataAbortTx = abort
	s.mu.Unlock()
	return cmd, abort
}

// takeDataCmd takes the armed data-command slot, or nil when no data
// channel is armed. Taking it marks the transfer as in flight.
func (s *session) takeDataCmd() chan Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.dataCmdTx
	s.dataCmdTx = nil
	return tx
}

// abortDataChannel takes the abort slot and signals it. It reports whether
// anything was armed at all and whether a transfer was in flight (the
// command slot had already been taken). When the task was idle the command
// slot is cleared too, so a later data command correctly sees 425.
func (s *session) abortDataChannel() (armed, inFlight bool) {
	s.mu.Lock()
	abort := s.dataAbortTx
	inFlight = abort != nil && s.dataCmdTx == nil
	if abort != nil && s.dataCmdTx != nil {
		close(s.dataCmdTx)
		s.dataCmdTx = nil
	}
	s.dataAbortTx = nil
	s.mu.Unlock()

	if abort == nil {
		return false, false
	}
	select {
	case abort <- struct{}{}:
	default:
	}
	return true, inFlight
}

// finishDataChannel clears the abort slot when the data task owning it
// exits, unless the session re-armed in the meantime.
func (s *session) finishDataChannel(abort chan struct{}) {
	s.mu.Lock()
	if s.dataAbortTx == abort {
		s.dataAbortTx = nil
	}
	s.mu.Unlock()
}

// takeStartPos consumes the REST offset. It is honored at most once: the
// transfer that begins next reads it and resets it to zero.
func (s *session) takeStartPos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.startPos
	s.startPos = 0
	return pos
}

// clearRenameFrom drops a staged RNFR path. Called for every command other
// than RNFR itself and RNTO, which consumes the path.
func (s *session) clearRenameFrom() {
	s.mu.Lock()
	s.renameFrom = ""
	s.mu.Unlock()
}

// resolvePath turns a client-supplied path into an absolute logical path
// within the storage namespace, relative to the working directory.
func (s *session) resolvePath(arg string) string {
	if path.IsAbs(arg) {
		return path.Clean(arg)
	}
	s.mu.Lock()
	cwd := s.cwd
	s.mu.Unlock()
	return path.Join(cwd, arg)
}

// loggedIn reports whether the session is authenticated.
func (s *session) loggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil
}

// userName returns the principal for logging, or "" before login.
func (s *session) userName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return s.user.String()
}

// close cancels child tasks, closes the connection and waits for in-flight
// data tasks to drain.
func (s *session) close() {
	s.cancel()

	s.mu.Lock()
	if s.dataCmdTx != nil {
		close(s.dataCmdTx)
		s.dataCmdTx = nil
	}
	s.dataAbortTx = nil
	conn := s.conn
	s.mu.Unlock()

	conn.Close()
	s.dataWG.Wait()

	s.server.logger.Debug("session closed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
	)
}
