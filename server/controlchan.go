package server

import (
	"crypto/tls"
	"io"
	"time"
)

// rawLine transports one raw line (or a read error) from the reader
// goroutine to the control loop.
type rawLine struct {
	line string
	err  error
}

// serve drives one session from accept to termination.
//
// Concurrency model:
//
//  1. A dedicated reader goroutine pulls lines off the control socket and
//     hands them to the loop through lineChan. After each line it parks on
//     readNext until the loop finished the command, so handlers that swap
//     the socket layer (AUTH TLS, CCC) never race the reader.
//
//  2. The loop selects fairly between decoded commands, events arriving on
//     the internal bus and the idle timer. It is the single writer of
//     control-channel replies and the single translator of storage errors
//     to FTP codes.
//
//  3. Data transfers run on their own goroutines (see datachan.go) and
//     report back through the bus; the 226 for a transfer always trails
//     its 150 because both are serialized through the same loop.
func (s *session) serve() {
	defer s.close()

	if c := s.server.metrics; c != nil {
		c.RecordSession(true)
		defer c.RecordSession(false)
	}

	if err := s.writeReply(newReply(220, s.server.greeting)); err != nil {
		return
	}

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)

	done := make(chan struct{})
	defer close(done)

	readNext := make(chan struct{})
	lineChan := s.startCommandReader(done, readNext)

	idle := time.NewTimer(s.server.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case raw, ok := <-lineChan:
			if !ok {
				return
			}
			if raw.err != nil {
				if raw.err == errCommandTooLong {
					_ = s.writeReply(newReply(500, "Command line too long."))
				} else if raw.err != io.EOF {
					s.server.logger.Warn("control channel read error",
						"session_id", s.sessionID,
						"remote_ip", s.remoteIP,
						"user", s.userName(),
						"error", raw.err,
					)
				}
				return
			}

			s.resetIdle(idle)
			if quit := s.dispatch(raw.line); quit {
				return
			}

			// Apply bus events the handler produced before the reader
			// pulls the next command. The CCC downgrade in particular
			// must land before any plaintext bytes are read.
			if quit := s.drainBus(idle); quit {
				return
			}

			select {
			case readNext <- struct{}{}:
			case <-time.After(time.Second):
			}

		case msg := <-s.bus:
			if quit := s.handleMsg(msg, idle); quit {
				return
			}

		case <-idle.C:
			_ = s.writeReply(newReply(421, "Idle timeout, closing control connection."))
			return
		}
	}
}

// resetIdle restarts the idle watchdog. Called on any command and any
// outbound reply.
func (s *session) resetIdle(idle *time.Timer) {
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(s.server.idleTimeout)
}

// startCommandReader spawns the reader goroutine. It reads one line, sends
// it on the returned channel, then waits on readNext before touching the
// socket again.
func (s *session) startCommandReader(done, readNext chan struct{}) chan rawLine {
	lineChan := make(chan rawLine)
	go func() {
		defer close(lineChan)
		for {
			line, err := s.readLine()

			select {
			case lineChan <- rawLine{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}

			select {
			case <-readNext:
			case <-done:
				return
			}
		}
	}()
	return lineChan
}

// readLine reads a single LF-terminated line, enforcing maxCommandLength.
func (s *session) readLine() (string, error) {
	var line []byte
	for {
		s.mu.Lock()
		r := s.reader
		s.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}
		if len(line) >= maxCommandLength {
			return "", errCommandTooLong
		}
		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
	}
}

// dispatch parses a raw line, enforces the pre-auth gate, invokes the
// handler and writes its reply. It reports whether the session should end.
func (s *session) dispatch(line string) (quit bool) {
	cmd, err := parseCommand(line)
	if err != nil {
		_ = s.writeReply(newReply(500, "Syntax error, command unrecognized."))
		return false
	}

	logArg := cmd.Arg
	if cmd.Name == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.userName(),
		"cmd", cmd.Name,
		"arg", logArg,
	)

	// A staged RNFR survives only until the next command; RNTO consumes
	// it itself.
	if cmd.Name != "RNFR" && cmd.Name != "RNTO" {
		defer s.clearRenameFrom()
	}

	if !s.loggedIn() && !preAuthCommands[cmd.Name] {
		s.finishCommand(cmd.Name, newReply(530, "Please login with USER and PASS."))
		return false
	}

	handler, ok := commandHandlers[cmd.Name]
	if !ok {
		s.finishCommand(cmd.Name, newReply(502, "Command not implemented."))
		return false
	}

	ctx := &commandContext{
		cmd:             cmd,
		session:         s,
		tx:              s.bus,
		tlsConfigured:   s.server.tlsConfig != nil,
		storageFeatures: s.storage.Features(),
		logger:          s.server.logger,
	}

	reply, err := handler(ctx)
	if err != nil {
		s.server.logger.Error("command handling error",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.userName(),
			"cmd", cmd.Name,
			"error", err,
		)
		_ = s.writeReply(newReply(421, "Service not available, closing control connection."))
		return true
	}

	s.finishCommand(cmd.Name, reply)
	return cmd.Name == "QUIT"
}

// finishCommand writes the handler's reply and records command metrics.
func (s *session) finishCommand(name string, reply Reply) {
	if reply.empty() {
		return
	}
	_ = s.writeReply(reply)
	if c := s.server.metrics; c != nil {
		c.RecordCommand(name, reply.Code)
	}
}

// drainBus applies bus events without blocking. Used between a command's
// reply and the next socket read so handler-produced events take effect
// in order.
func (s *session) drainBus(idle *time.Timer) (quit bool) {
	for {
		select {
		case msg := <-s.bus:
			if quit := s.handleMsg(msg, idle); quit {
				return true
			}
		default:
			return false
		}
	}
}

// handleMsg consumes one internal event. It reports whether the session
// should end.
func (s *session) handleMsg(msg internalMsg, idle *time.Timer) (quit bool) {
	switch m := msg.(type) {
	case commandReplyMsg:
		s.resetIdle(idle)
		_ = s.writeReply(m.reply)

	case storageErrorMsg:
		s.resetIdle(idle)
		reply := errorReply(m.err)
		_ = s.writeReply(reply)
		if classifyError(m.err).Kind() == KindInternal {
			return true
		}

	case plaintextControlMsg:
		s.downgradeTLS()

	case secureControlMsg:
		s.server.logger.Info("control channel secured",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
		)

	case transferBeginMsg:
		s.server.logger.Debug("transfer started",
			"session_id", s.sessionID,
			"cmd", m.command,
			"path", m.path,
		)

	case transferEndMsg:
		s.server.logger.Info("transfer_complete",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.userName(),
			"operation", m.command,
			"path", m.path,
			"bytes", m.bytes,
			"duration_ms", m.duration.Milliseconds(),
			"aborted", m.aborted,
		)
		if c := s.server.metrics; c != nil {
			c.RecordTransfer(m.command, m.bytes, m.duration)
		}
	}
	return false
}

// upgradeTLS performs the AUTH TLS handshake and swaps the socket layer.
// The caller has already sent the 234; the reader goroutine is parked, so
// the swap is race-free.
func (s *session) upgradeTLS() error {
	tlsConn := tls.Server(s.rawConn, s.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.tnet.Reset(tlsConn)
	s.reader.Reset(s.tnet)
	s.writer.Reset(tlsConn)
	s.cmdTLS = true
	s.mu.Unlock()
	return nil
}

// downgradeTLS swaps the socket layer back to the raw connection after the
// CCC acknowledgement was flushed. The TLS session is abandoned rather
// than closed; sending close_notify would interleave with the client's
// next plaintext command.
func (s *session) downgradeTLS() {
	s.mu.Lock()
	_ = s.writer.Flush()
	s.conn = s.rawConn
	s.tnet.Reset(s.rawConn)
	s.reader.Reset(s.tnet)
	s.writer.Reset(s.rawConn)
	s.cmdTLS = false
	s.mu.Unlock()

	s.server.logger.Info("control channel downgraded to plaintext",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)
}
