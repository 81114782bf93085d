package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/portside/ftpd/internal/ratelimit"
)

// dataConnTimeout bounds how long a data task waits for the data TCP
// connection once a transfer command was issued.
const dataConnTimeout = 10 * time.Second

// connSource obtains the data TCP connection for a transfer: accepting on
// a passive listener, dialing a PORT/EPRT endpoint, or receiving a stream
// the PROXY switchboard matched to this session.
type connSource func(ctx context.Context) (net.Conn, error)

// transferResult is what a finished transfer reports back to the data task.
type transferResult struct {
	bytes int64
	err   error
}

// spawnDataChannel arms the session's data channel and starts the data
// task on the other side of the command slot. cleanup runs when the task
// exits, whether or not a transfer happened.
func (s *session) spawnDataChannel(src connSource, cleanup func()) {
	cmdRx, abortRx := s.armDataChannel()
	s.dataWG.Add(1)
	go s.runDataChannel(cmdRx, abortRx, src, cleanup)
}

// post sends a message to the control loop unless the session is going away.
func (s *session) post(msg internalMsg) {
	select {
	case s.bus <- msg:
	case <-s.ctx.Done():
	}
}

// runDataChannel is the data task. It waits for the next data command,
// joins it with the data TCP connection, performs the transfer against the
// storage backend and reports the outcome through the event bus.
func (s *session) runDataChannel(cmdRx chan Command, abortRx chan struct{}, src connSource, cleanup func()) {
	defer s.dataWG.Done()
	defer s.finishDataChannel(abortRx)
	if cleanup != nil {
		defer cleanup()
	}

	var cmd Command
	select {
	case c, ok := <-cmdRx:
		if !ok {
			// Disarmed: the session re-armed the channel or is closing.
			return
		}
		cmd = c
	case <-abortRx:
		// Aborted before any transfer started; ABOR already replied.
		return
	case <-s.ctx.Done():
		return
	}

	conn, err := src(s.ctx)
	if err != nil {
		// An abort that raced the connection setup still gets its
		// 426/226 pair rather than a 425.
		select {
		case <-abortRx:
			s.post(commandReplyMsg{reply: newReply(426, "Connection closed; transfer aborted.")})
			s.post(commandReplyMsg{reply: newReply(226, "Closed data channel.")})
		default:
			s.post(storageErrorMsg{err: newError(KindDataConnection, err)})
		}
		return
	}

	// An abort racing the connection setup wins.
	select {
	case <-abortRx:
		conn.Close()
		s.post(commandReplyMsg{reply: newReply(426, "Connection closed; transfer aborted.")})
		s.post(commandReplyMsg{reply: newReply(226, "Closed data channel.")})
		return
	default:
	}

	if s.isDataTLS() {
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			s.post(storageErrorMsg{err: newError(KindDataConnection, err)})
			return
		}
		conn = tlsConn
	}

	s.post(transferBeginMsg{command: cmd.Name, path: cmd.Arg})
	start := time.Now()

	done := make(chan transferResult, 1)
	go func() {
		n, err := s.executeData(cmd, conn)
		done <- transferResult{bytes: n, err: err}
	}()

	select {
	case res := <-done:
		conn.Close()
		s.post(transferEndMsg{
			command:  cmd.Name,
			path:     cmd.Arg,
			bytes:    res.bytes,
			duration: time.Since(start),
			aborted:  false,
		})
		if res.err != nil {
			s.post(storageErrorMsg{err: res.err})
			return
		}
		s.post(commandReplyMsg{reply: newReply(226, "Transfer complete.")})

	case <-abortRx:
		// Closing the socket unblocks the copy; drain it before replying.
		conn.Close()
		res := <-done
		s.post(transferEndMsg{
			command:  cmd.Name,
			path:     cmd.Arg,
			bytes:    res.bytes,
			duration: time.Since(start),
			aborted:  true,
		})
		s.post(commandReplyMsg{reply: newReply(426, "Connection closed; transfer aborted.")})
		s.post(commandReplyMsg{reply: newReply(226, "Closed data channel.")})

	case <-s.ctx.Done():
		conn.Close()
		<-done
	}
}

// isDataTLS reports whether PROT P is in effect.
func (s *session) isDataTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataTLS
}

// transferTypeASCII reports whether TYPE A conversion applies.
func (s *session) transferTypeASCII() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferType == "A"
}

// executeData performs one transfer or listing over the established data
// connection. The REST offset is consumed here, at transfer begin, and
// reset whether or not it applied.
func (s *session) executeData(cmd Command, conn net.Conn) (int64, error) {
	startPos := s.takeStartPos()
	user := s.sessionUser()

	switch cmd.Name {
	case "RETR":
		f, err := s.storage.Get(s.ctx, user, cmd.Arg, startPos)
		if err != nil {
			return 0, err
		}
		defer f.Close()

		var src io.Reader = f
		if s.transferTypeASCII() {
			src = newASCIIReader(f)
		}
		n, err := copyWithPooledBuffer(s.rateLimitWriter(conn), src)
		if err != nil {
			return n, newError(KindDataConnection, err)
		}
		return n, nil

	case "STOR", "APPE":
		var src io.Reader = s.rateLimitReader(conn)
		if s.transferTypeASCII() {
			src = newASCIIWriter(src)
		}
		// EOF on the data socket is how stream mode signals completion;
		// the backend just copies until then.
		if cmd.Name == "APPE" {
			return s.storage.Append(s.ctx, user, cmd.Arg, src)
		}
		return s.storage.Put(s.ctx, user, cmd.Arg, src)

	case "LIST":
		entries, err := s.storage.List(s.ctx, user, cmd.Arg)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, entry := range entries {
			written, err := fmt.Fprintf(conn, "%s 1 owner group %d %s %s\r\n",
				entry.Mode().String(), entry.Size(),
				entry.ModTime().Format("Jan 02 15:04"), entry.Name())
			n += int64(written)
			if err != nil {
				return n, newError(KindDataConnection, err)
			}
		}
		return n, nil

	case "NLST":
		entries, err := s.storage.List(s.ctx, user, cmd.Arg)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, entry := range entries {
			written, err := fmt.Fprintf(conn, "%s\r\n", entry.Name())
			n += int64(written)
			if err != nil {
				return n, newError(KindDataConnection, err)
			}
		}
		return n, nil

	case "MLSD":
		entries, err := s.storage.List(s.ctx, user, cmd.Arg)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, entry := range entries {
			written, err := writeMachineListEntry(conn, entry)
			n += int64(written)
			if err != nil {
				return n, newError(KindDataConnection, err)
			}
		}
		return n, nil
	}

	return 0, newError(KindInternal, fmt.Errorf("unexpected data command %q", cmd.Name))
}

// writeMachineListEntry writes one RFC 3659 machine-readable fact line.
func writeMachineListEntry(w io.Writer, info os.FileInfo) (int, error) {
	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	return fmt.Fprintf(w, "type=%s;size=%d;modify=%s; %s\r\n",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), info.Name())
}

// sessionUser returns the authenticated principal for storage calls.
func (s *session) sessionUser() UserDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// rateLimitReader wraps an upload stream with the configured bandwidth
// limits. Per-session and global limits chain; the most restrictive wins.
func (s *session) rateLimitReader(r io.Reader) io.Reader {
	if s.server.bandwidthLimitPerSession > 0 {
		r = ratelimit.NewReader(r, ratelimit.New(s.server.bandwidthLimitPerSession))
	}
	if s.server.globalLimiter != nil {
		r = ratelimit.NewReader(r, s.server.globalLimiter)
	}
	return r
}

// rateLimitWriter wraps a download stream with the configured bandwidth
// limits.
func (s *session) rateLimitWriter(w io.Writer) io.Writer {
	if s.server.bandwidthLimitPerSession > 0 {
		w = ratelimit.NewWriter(w, ratelimit.New(s.server.bandwidthLimitPerSession))
	}
	if s.server.globalLimiter != nil {
		w = ratelimit.NewWriter(w, s.server.globalLimiter)
	}
	return w
}

// pasvSource returns a connSource accepting one connection from a passive
// listener. The listener closes after the first accept.
func pasvSource(ln net.Listener) connSource {
	return func(ctx context.Context) (net.Conn, error) {
		if t, ok := ln.(*net.TCPListener); ok {
			_ = t.SetDeadline(time.Now().Add(dataConnTimeout))
		}
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// activeSource returns a connSource dialing the client-advertised endpoint.
func activeSource(addr string) connSource {
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dataConnTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// proxySource returns a connSource receiving the stream the switchboard
// matched to this session.
func proxySource(s *session) connSource {
	return func(ctx context.Context) (net.Conn, error) {
		select {
		case conn := <-s.proxyDataRx:
			return conn, nil
		case <-time.After(dataConnTimeout):
			return nil, fmt.Errorf("timed out waiting for proxied data connection")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
